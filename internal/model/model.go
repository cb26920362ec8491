// Package model содержит доменные сущности сервиса купонов.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscountType описывает способ расчёта скидки по купону.
type DiscountType string

const (
	DiscountTypeFixed   DiscountType = "FIXED"
	DiscountTypePercent DiscountType = "PERCENT"
)

// IsValid сообщает, известен ли тип скидки.
func (t DiscountType) IsValid() bool {
	switch t {
	case DiscountTypeFixed, DiscountTypePercent:
		return true
	}
	return false
}

// DefaultMaxUsagePerUser применяется, если лимит на пользователя не задан.
const DefaultMaxUsagePerUser = 1

// Coupon описывает определение купона из хранилища купонов.
type Coupon struct {
	ID                uuid.UUID
	Code              string
	DiscountType      DiscountType
	DiscountValue     decimal.Decimal
	MaxDiscountAmount *decimal.Decimal
	MinPurchaseAmount decimal.Decimal
	ValidFrom         time.Time
	ValidUntil        time.Time
	MaxUsageCount     *int
	MaxUsagePerUser   int
	CurrentUsageCount int
	IsActive          bool
	Version           int64
	CreatedAt         time.Time
}

// HasRemainingUsage сообщает, остались ли свободные слоты глобального лимита.
func (c *Coupon) HasRemainingUsage() bool {
	return c.MaxUsageCount == nil || c.CurrentUsageCount < *c.MaxUsageCount
}

// UserCouponStatus описывает состояние выданного купона.
type UserCouponStatus string

const (
	UserCouponAvailable UserCouponStatus = "available"
	UserCouponUsed      UserCouponStatus = "used"
)

// UserCoupon описывает запись журнала выдачи купона пользователю.
type UserCoupon struct {
	ID             uuid.UUID
	UserID         int64
	CouponID       uuid.UUID
	CouponCode     string
	OrderID        *string
	DiscountAmount *decimal.Decimal
	IssuedAt       time.Time
	UsedAt         *time.Time
}

// Status вычисляет состояние записи по полю used_at.
func (uc *UserCoupon) Status() UserCouponStatus {
	if uc.UsedAt != nil {
		return UserCouponUsed
	}
	return UserCouponAvailable
}

// Reason содержит машиночитаемую причину отказа в применении купона.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotFound          Reason = "NOT_FOUND"
	ReasonInactive          Reason = "INACTIVE"
	ReasonExpired           Reason = "EXPIRED"
	ReasonNotYetValid       Reason = "NOT_YET_VALID"
	ReasonMinPurchaseNotMet Reason = "MIN_PURCHASE_NOT_MET"
	ReasonGlobalLimit       Reason = "GLOBAL_LIMIT_REACHED"
	ReasonUserLimit         Reason = "USER_LIMIT_REACHED"
)

// Verdict содержит результат проверки купона для заказа.
type Verdict struct {
	IsValid        bool            `json:"isValid"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	FinalAmount    decimal.Decimal `json:"finalAmount"`
	Reason         Reason          `json:"reason,omitempty"`
}

// CouponDefinition содержит параметры создаваемого купона.
type CouponDefinition struct {
	Code              string
	DiscountType      DiscountType
	DiscountValue     decimal.Decimal
	MaxDiscountAmount *decimal.Decimal
	MinPurchaseAmount decimal.Decimal
	ValidFrom         time.Time
	ValidUntil        time.Time
	MaxUsageCount     *int
	MaxUsagePerUser   int
	IsActive          bool
}
