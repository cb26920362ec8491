package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mmeshcher/coupon-service/internal/discount"
	"github.com/mmeshcher/coupon-service/internal/eligibility"
	"github.com/mmeshcher/coupon-service/internal/events"
	"github.com/mmeshcher/coupon-service/internal/model"
	"github.com/mmeshcher/coupon-service/internal/validation"
)

// CreateCoupon проверяет и сохраняет новое определение купона.
func (s *Service) CreateCoupon(ctx context.Context, def model.CouponDefinition) (*model.Coupon, error) {
	def.Code = validation.NormalizeCode(def.Code)
	if def.MaxUsagePerUser == 0 {
		def.MaxUsagePerUser = model.DefaultMaxUsagePerUser
	}

	if err := validation.ValidateDefinition(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	c, err := s.repo.CreateCoupon(ctx, def)
	if err != nil {
		return nil, err
	}

	s.logger.Info("coupon created",
		zap.String("code", c.Code),
		zap.String("type", string(c.DiscountType)),
		zap.String("value", c.DiscountValue.String()),
	)
	return c, nil
}

// GetCoupon возвращает актуальное определение купона из хранилища.
func (s *Service) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	return s.repo.GetCouponByCode(ctx, validation.NormalizeCode(code))
}

// SetCouponActive переключает признак активности купона независимо от окна действия.
func (s *Service) SetCouponActive(ctx context.Context, code string, active bool) (*model.Coupon, error) {
	code = validation.NormalizeCode(code)

	c, err := s.repo.SetCouponActive(ctx, code, active)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, code)

	s.logger.Info("coupon status changed", zap.String("code", code), zap.Bool("active", active))
	return c, nil
}

// IssueCoupon выдаёт купон пользователю. Неактивный купон для выдачи не существует,
// повторная выдача завершается ErrAlreadyIssued.
func (s *Service) IssueCoupon(ctx context.Context, userID int64, code string) (uc *model.UserCoupon, err error) {
	code = validation.NormalizeCode(code)

	ctx, span := s.startSpan(ctx, "IssueCoupon",
		attribute.String("coupon.code", code),
		attribute.Int64("user.id", userID),
	)
	defer func() {
		endSpan(span, err)
		s.metrics.Issued(resultLabel(err))
	}()

	c, err := s.repo.GetCouponByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, fmt.Errorf("%w: coupon %s is inactive", model.ErrNotFound, code)
	}

	// Вне окна действия купон не выдаётся, в том числе до valid_from.
	now := s.now()
	if err := eligibility.CheckWindow(c, now); err != nil {
		return nil, fmt.Errorf("%w: coupon %s is outside its validity window", model.ErrExpired, code)
	}

	uc, err = s.repo.IssueUserCoupon(ctx, userID, c, now)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type:         events.TypeCouponIssued,
		CouponCode:   c.Code,
		UserCouponID: uc.ID,
		UserID:       userID,
		OccurredAt:   uc.IssuedAt,
	})

	s.logger.Info("coupon issued",
		zap.String("code", c.Code),
		zap.Int64("userID", userID),
		zap.String("userCouponID", uc.ID.String()),
	)
	return uc, nil
}

// ValidateCoupon даёт консультативный ответ о применимости купона к заказу.
// Бизнес-отказы возвращаются в Verdict.Reason, ошибка означает некорректный ввод или сбой хранилища.
func (s *Service) ValidateCoupon(ctx context.Context, userID int64, code string, orderAmount decimal.Decimal) (v *model.Verdict, err error) {
	code = validation.NormalizeCode(code)

	ctx, span := s.startSpan(ctx, "ValidateCoupon",
		attribute.String("coupon.code", code),
		attribute.Int64("user.id", userID),
	)
	defer func() {
		endSpan(span, err)
		if err == nil {
			s.metrics.Validated(string(reasonLabel(v)))
		} else {
			s.metrics.Validated(model.Kind(err))
		}
	}()

	if orderAmount.IsNegative() {
		return nil, invalidArgument("negative order amount %s", orderAmount)
	}

	rejected := func(reason model.Reason) *model.Verdict {
		return &model.Verdict{
			IsValid:        false,
			DiscountAmount: decimal.Zero,
			FinalAmount:    orderAmount,
			Reason:         reason,
		}
	}

	c, err := s.lookupCoupon(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return rejected(model.ReasonNotFound), nil
		}
		return nil, err
	}

	used, err := s.repo.CountUsedByUser(ctx, userID, c.ID)
	if err != nil {
		return nil, err
	}

	if ruleErr := eligibility.Check(c, used, &orderAmount, s.now()); ruleErr != nil {
		s.logger.Debug("coupon rejected",
			zap.String("code", code),
			zap.Int64("userID", userID),
			zap.String("reason", ruleErr.Error()),
		)
		return rejected(model.ReasonOf(ruleErr)), nil
	}

	amount, err := s.calc.Compute(c, orderAmount)
	if err != nil {
		return nil, err
	}

	return &model.Verdict{
		IsValid:        true,
		DiscountAmount: amount,
		FinalAmount:    discount.FinalAmount(orderAmount, amount),
	}, nil
}

func reasonLabel(v *model.Verdict) model.Reason {
	if v == nil || v.IsValid {
		return "ok"
	}
	return v.Reason
}

// lookupCoupon читает определение купона через кэш. Используется только консультативной проверкой.
func (s *Service) lookupCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	if s.cache != nil {
		c, ok, err := s.cache.Get(ctx, code)
		if err != nil {
			s.logger.Warn("coupon cache read failed", zap.String("code", code), zap.Error(err))
		}
		if ok {
			return c, nil
		}
	}

	c, err := s.repo.GetCouponByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, c); err != nil {
			s.logger.Warn("coupon cache write failed", zap.String("code", code), zap.Error(err))
		}
	}
	return c, nil
}

// ListUserCoupons возвращает купоны, выданные пользователю.
func (s *Service) ListUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	return s.repo.ListUserCoupons(ctx, userID)
}

// GetUserCoupon возвращает запись журнала по идентификатору.
func (s *Service) GetUserCoupon(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error) {
	return s.repo.GetUserCoupon(ctx, id)
}
