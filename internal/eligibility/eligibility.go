// Package eligibility содержит единственную реализацию правил применимости купона.
// Её вызывают и консультативная проверка, и транзакция погашения.
package eligibility

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coupon-service/internal/model"
)

// Check проверяет правила в фиксированном порядке и возвращает первую нарушенную
// как ошибку из model. orderAmount == nil пропускает проверку минимальной суммы.
func Check(c *model.Coupon, userUsed int, orderAmount *decimal.Decimal, now time.Time) error {
	if c == nil {
		return model.ErrNotFound
	}
	if !c.IsActive {
		return model.ErrInactive
	}

	if err := CheckWindow(c, now); err != nil {
		return err
	}

	if orderAmount != nil && orderAmount.LessThan(c.MinPurchaseAmount) {
		return model.ErrMinPurchaseNotMet
	}

	if !c.HasRemainingUsage() {
		return model.ErrGlobalLimitReached
	}

	if userUsed >= perUserLimit(c) {
		return model.ErrUserLimitReached
	}

	return nil
}

// CheckWindow проверяет полуоткрытый интервал [valid_from, valid_until).
func CheckWindow(c *model.Coupon, now time.Time) error {
	if now.Before(c.ValidFrom) {
		return model.ErrNotYetValid
	}
	if !now.Before(c.ValidUntil) {
		return model.ErrExpired
	}
	return nil
}

func perUserLimit(c *model.Coupon) int {
	if c.MaxUsagePerUser <= 0 {
		return model.DefaultMaxUsagePerUser
	}
	return c.MaxUsagePerUser
}
