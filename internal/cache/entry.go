package cache

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coupon-service/internal/model"
)

type couponEntry struct {
	ID                uuid.UUID        `json:"id"`
	Code              string           `json:"code"`
	DiscountType      string           `json:"discount_type"`
	DiscountValue     decimal.Decimal  `json:"discount_value"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount,omitempty"`
	MinPurchaseAmount decimal.Decimal  `json:"min_purchase_amount"`
	ValidFrom         time.Time        `json:"valid_from"`
	ValidUntil        time.Time        `json:"valid_until"`
	MaxUsageCount     *int             `json:"max_usage_count,omitempty"`
	MaxUsagePerUser   int              `json:"max_usage_per_user"`
	CurrentUsageCount int              `json:"current_usage_count"`
	IsActive          bool             `json:"is_active"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
}

func fromModel(c *model.Coupon) couponEntry {
	return couponEntry{
		ID:                c.ID,
		Code:              c.Code,
		DiscountType:      string(c.DiscountType),
		DiscountValue:     c.DiscountValue,
		MaxDiscountAmount: c.MaxDiscountAmount,
		MinPurchaseAmount: c.MinPurchaseAmount,
		ValidFrom:         c.ValidFrom,
		ValidUntil:        c.ValidUntil,
		MaxUsageCount:     c.MaxUsageCount,
		MaxUsagePerUser:   c.MaxUsagePerUser,
		CurrentUsageCount: c.CurrentUsageCount,
		IsActive:          c.IsActive,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
	}
}

func (e couponEntry) toModel() *model.Coupon {
	return &model.Coupon{
		ID:                e.ID,
		Code:              e.Code,
		DiscountType:      model.DiscountType(e.DiscountType),
		DiscountValue:     e.DiscountValue,
		MaxDiscountAmount: e.MaxDiscountAmount,
		MinPurchaseAmount: e.MinPurchaseAmount,
		ValidFrom:         e.ValidFrom,
		ValidUntil:        e.ValidUntil,
		MaxUsageCount:     e.MaxUsageCount,
		MaxUsagePerUser:   e.MaxUsagePerUser,
		CurrentUsageCount: e.CurrentUsageCount,
		IsActive:          e.IsActive,
		Version:           e.Version,
		CreatedAt:         e.CreatedAt,
	}
}
