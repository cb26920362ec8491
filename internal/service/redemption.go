package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mmeshcher/coupon-service/internal/eligibility"
	"github.com/mmeshcher/coupon-service/internal/events"
	"github.com/mmeshcher/coupon-service/internal/model"
	"github.com/mmeshcher/coupon-service/internal/repository"
	"github.com/mmeshcher/coupon-service/internal/validation"
)

// UseRequest описывает погашение купона при оформлении заказа.
type UseRequest struct {
	UserID  int64
	Code    string
	OrderID string
	// OrderAmount необязателен. Если задан, проверяется минимальная сумма заказа
	// и в журнале сохраняется рассчитанная скидка.
	OrderAmount *decimal.Decimal
}

// UseCoupon атомарно погашает выданный пользователю купон.
// Строка купона блокируется до строки журнала, все проверки повторяются под блокировкой.
func (s *Service) UseCoupon(ctx context.Context, req UseRequest) (uc *model.UserCoupon, err error) {
	code := validation.NormalizeCode(req.Code)
	req.OrderID = validation.NormalizeOrderID(req.OrderID)

	ctx, span := s.startSpan(ctx, "UseCoupon",
		attribute.String("coupon.code", code),
		attribute.Int64("user.id", req.UserID),
		attribute.String("order.id", req.OrderID),
	)
	defer func() {
		endSpan(span, err)
		s.metrics.Redeemed(resultLabel(err))
	}()

	if err := validation.ValidateOrderID(req.OrderID); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	if req.OrderAmount != nil && req.OrderAmount.IsNegative() {
		return nil, invalidArgument("negative order amount %s", req.OrderAmount)
	}

	err = s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		c, err := tx.LockCouponByCode(ctx, code)
		if err != nil {
			return err
		}

		locked, err := tx.LockUserCoupon(ctx, req.UserID, c.ID)
		if err != nil {
			return err
		}
		if locked.Status() == model.UserCouponUsed {
			return fmt.Errorf("%w: user coupon %s", model.ErrAlreadyUsed, locked.ID)
		}

		other, err := tx.FindUsedByOrder(ctx, req.OrderID)
		switch {
		case err == nil && other.ID != locked.ID:
			return fmt.Errorf("%w: order %s already has coupon %s", model.ErrOrderConflict, req.OrderID, other.CouponCode)
		case err != nil && !isNotFound(err):
			return err
		}

		used, err := tx.CountUsedByUser(ctx, req.UserID, c.ID)
		if err != nil {
			return err
		}

		now := s.now()
		if err := eligibility.Check(c, used, req.OrderAmount, now); err != nil {
			return err
		}

		var amount *decimal.Decimal
		if req.OrderAmount != nil {
			d, err := s.calc.Compute(c, *req.OrderAmount)
			if err != nil {
				return err
			}
			amount = &d
		}

		if err := tx.IncrementUsage(ctx, c.ID); err != nil {
			return err
		}

		usedAt, err := tx.MarkUsed(ctx, locked.ID, req.OrderID, amount, now)
		if err != nil {
			return err
		}

		orderID := req.OrderID
		locked.OrderID = &orderID
		locked.DiscountAmount = amount
		locked.UsedAt = &usedAt
		uc = locked
		return nil
	})
	if err != nil {
		s.logRedemptionFailure("coupon use rejected", err,
			zap.String("code", code),
			zap.Int64("userID", req.UserID),
			zap.String("orderID", req.OrderID),
		)
		return nil, err
	}

	s.invalidate(ctx, code)
	s.publish(ctx, events.Event{
		Type:           events.TypeCouponUsed,
		CouponCode:     uc.CouponCode,
		UserCouponID:   uc.ID,
		UserID:         uc.UserID,
		OrderID:        req.OrderID,
		DiscountAmount: uc.DiscountAmount,
		OccurredAt:     *uc.UsedAt,
	})

	s.logger.Info("coupon used",
		zap.String("code", uc.CouponCode),
		zap.Int64("userID", uc.UserID),
		zap.String("orderID", req.OrderID),
		zap.String("userCouponID", uc.ID.String()),
	)
	return uc, nil
}

// CancelCouponUsage возвращает погашенный купон в состояние available.
// Повторная отмена уже доступного купона завершается успешно.
func (s *Service) CancelCouponUsage(ctx context.Context, userCouponID uuid.UUID) (err error) {
	ctx, span := s.startSpan(ctx, "CancelCouponUsage",
		attribute.String("user_coupon.id", userCouponID.String()),
	)
	defer func() {
		endSpan(span, err)
		s.metrics.Cancelled(resultLabel(err))
	}()

	current, err := s.repo.GetUserCoupon(ctx, userCouponID)
	if err != nil {
		return err
	}

	return s.cancel(ctx, current)
}

// CancelCouponUsageByOrder отменяет погашение купона, привязанного к заказу.
// Если к заказу не привязан погашенный купон, возвращается ErrNotFound.
func (s *Service) CancelCouponUsageByOrder(ctx context.Context, orderID string) (err error) {
	orderID = validation.NormalizeOrderID(orderID)

	ctx, span := s.startSpan(ctx, "CancelCouponUsageByOrder",
		attribute.String("order.id", orderID),
	)
	defer func() {
		endSpan(span, err)
		s.metrics.Cancelled(resultLabel(err))
	}()

	if err := validation.ValidateOrderID(orderID); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	current, err := s.repo.GetUserCouponByOrder(ctx, orderID)
	if err != nil {
		return err
	}

	return s.cancel(ctx, current)
}

func (s *Service) cancel(ctx context.Context, current *model.UserCoupon) error {
	var (
		reverted bool
		orderID  string
	)

	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		reverted = false

		c, err := tx.LockCouponByID(ctx, current.CouponID)
		if err != nil {
			return err
		}

		locked, err := tx.LockUserCouponByID(ctx, current.ID)
		if err != nil {
			return err
		}
		if locked.Status() == model.UserCouponAvailable {
			return nil
		}

		if err := tx.DecrementUsage(ctx, c.ID); err != nil {
			return err
		}
		if err := tx.MarkAvailable(ctx, locked.ID); err != nil {
			return err
		}

		if locked.OrderID != nil {
			orderID = *locked.OrderID
		}
		reverted = true
		return nil
	})
	if err != nil {
		s.logRedemptionFailure("coupon cancel failed", err,
			zap.String("userCouponID", current.ID.String()),
		)
		return err
	}

	if !reverted {
		s.logger.Debug("coupon already available", zap.String("userCouponID", current.ID.String()))
		return nil
	}

	s.invalidate(ctx, current.CouponCode)
	s.publish(ctx, events.Event{
		Type:         events.TypeCouponCancelled,
		CouponCode:   current.CouponCode,
		UserCouponID: current.ID,
		UserID:       current.UserID,
		OrderID:      orderID,
		OccurredAt:   s.now(),
	})

	s.logger.Info("coupon usage cancelled",
		zap.String("code", current.CouponCode),
		zap.Int64("userID", current.UserID),
		zap.String("orderID", orderID),
		zap.String("userCouponID", current.ID.String()),
	)
	return nil
}

func (s *Service) logRedemptionFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	switch {
	case errors.Is(err, model.ErrConcurrencyConflict):
		s.logger.Warn(msg, fields...)
	case model.IsBusiness(err):
		s.logger.Info(msg, fields...)
	default:
		s.logger.Error(msg, fields...)
	}
}
