// Package discount рассчитывает сумму скидки по определению купона.
package discount

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coupon-service/internal/model"
)

var hundred = decimal.NewFromInt(100)

// DefaultScale соответствует валюте с двумя знаками после запятой.
const DefaultScale int32 = 2

// Calculator рассчитывает скидку в денежных единицах с заданной точностью.
type Calculator struct {
	scale int32
}

// NewCalculator создаёт калькулятор, округляющий результат до scale знаков банковским округлением.
func NewCalculator(scale int32) *Calculator {
	if scale < 0 {
		scale = DefaultScale
	}
	return &Calculator{scale: scale}
}

// Compute возвращает скидку для суммы заказа. Скидка никогда не превышает сумму заказа
// и max_discount_amount для процентных купонов.
func (c *Calculator) Compute(coupon *model.Coupon, orderAmount decimal.Decimal) (decimal.Decimal, error) {
	if orderAmount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative order amount %s", model.ErrInvalidArgument, orderAmount)
	}

	var amount decimal.Decimal

	switch coupon.DiscountType {
	case model.DiscountTypeFixed:
		amount = decimal.Min(coupon.DiscountValue.RoundBank(c.scale), orderAmount)

	case model.DiscountTypePercent:
		amount = orderAmount.Mul(coupon.DiscountValue).Div(hundred).RoundBank(c.scale)
		if coupon.MaxDiscountAmount != nil {
			amount = decimal.Min(amount, *coupon.MaxDiscountAmount)
		}
		amount = decimal.Min(amount, orderAmount)

	default:
		return decimal.Zero, fmt.Errorf("%w: unknown discount type %q", model.ErrInvalidArgument, coupon.DiscountType)
	}

	if amount.IsNegative() {
		amount = decimal.Zero
	}

	return amount, nil
}

// FinalAmount возвращает сумму заказа после скидки, не меньше нуля.
func FinalAmount(orderAmount, discountAmount decimal.Decimal) decimal.Decimal {
	return decimal.Max(orderAmount.Sub(discountAmount), decimal.Zero)
}
