// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	ozzo "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coupon-service/internal/model"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]*$`)

var hundred = decimal.NewFromInt(100)

// maxAmountPlaces совпадает с масштабом денежных колонок NUMERIC(19,4).
const maxAmountPlaces int32 = 4

func checkPlaces(d decimal.Decimal) error {
	if d.Exponent() < -maxAmountPlaces && !d.Equal(d.Truncate(maxAmountPlaces)) {
		return fmt.Errorf("must have at most %d decimal places", maxAmountPlaces)
	}
	return nil
}

// NormalizeCode приводит код купона к каноническому виду.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCode проверяет формат нормализованного кода купона.
func ValidateCode(code string) error {
	return ozzo.Validate(code,
		ozzo.Required,
		ozzo.Length(3, 64),
		ozzo.Match(codePattern).Error("must contain only letters, digits, '-' or '_'"),
	)
}

// NormalizeOrderID приводит идентификатор заказа к виду, в котором он хранится.
func NormalizeOrderID(orderID string) string {
	return strings.TrimSpace(orderID)
}

// ValidateOrderID проверяет нормализованный идентификатор заказа.
func ValidateOrderID(orderID string) error {
	return ozzo.Validate(orderID, ozzo.Required, ozzo.Length(1, 128))
}

// ValidateDefinition проверяет параметры нового купона.
func ValidateDefinition(def *model.CouponDefinition) error {
	return ozzo.ValidateStruct(def,
		ozzo.Field(&def.Code, ozzo.By(func(any) error { return ValidateCode(def.Code) })),
		ozzo.Field(&def.DiscountType, ozzo.By(func(any) error {
			if !def.DiscountType.IsValid() {
				return errors.New("must be FIXED or PERCENT")
			}
			return nil
		})),
		ozzo.Field(&def.DiscountValue, ozzo.By(func(any) error {
			if !def.DiscountValue.IsPositive() {
				return errors.New("must be positive")
			}
			if def.DiscountType == model.DiscountTypePercent && def.DiscountValue.GreaterThan(hundred) {
				return errors.New("percent discount must not exceed 100")
			}
			return checkPlaces(def.DiscountValue)
		})),
		ozzo.Field(&def.MaxDiscountAmount, ozzo.By(func(any) error {
			if def.MaxDiscountAmount == nil {
				return nil
			}
			if def.DiscountType != model.DiscountTypePercent {
				return errors.New("applies only to PERCENT coupons")
			}
			if !def.MaxDiscountAmount.IsPositive() {
				return errors.New("must be positive")
			}
			return checkPlaces(*def.MaxDiscountAmount)
		})),
		ozzo.Field(&def.MinPurchaseAmount, ozzo.By(func(any) error {
			if def.MinPurchaseAmount.IsNegative() {
				return errors.New("must not be negative")
			}
			return checkPlaces(def.MinPurchaseAmount)
		})),
		ozzo.Field(&def.ValidFrom, ozzo.Required),
		ozzo.Field(&def.ValidUntil, ozzo.Required, ozzo.By(func(any) error {
			if !def.ValidUntil.After(def.ValidFrom) {
				return errors.New("must be after valid_from")
			}
			return nil
		})),
		ozzo.Field(&def.MaxUsageCount, ozzo.By(func(any) error {
			if def.MaxUsageCount != nil && *def.MaxUsageCount < 1 {
				return errors.New("must be at least 1")
			}
			return nil
		})),
		ozzo.Field(&def.MaxUsagePerUser, ozzo.By(func(any) error {
			if def.MaxUsagePerUser < 0 {
				return errors.New("must not be negative")
			}
			return nil
		})),
	)
}
