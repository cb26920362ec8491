// Package service реализует бизнес-логику выдачи, проверки и погашения купонов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/coupon-service/internal/discount"
	"github.com/mmeshcher/coupon-service/internal/events"
	"github.com/mmeshcher/coupon-service/internal/metrics"
	"github.com/mmeshcher/coupon-service/internal/model"
	"github.com/mmeshcher/coupon-service/internal/repository"
)

// Repository описывает контракт доступа к хранилищу купонов и журналу выдачи.
type Repository interface {
	Close() error
	CreateCoupon(ctx context.Context, def model.CouponDefinition) (*model.Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	SetCouponActive(ctx context.Context, code string, active bool) (*model.Coupon, error)
	CountUsedByUser(ctx context.Context, userID int64, couponID uuid.UUID) (int, error)
	IssueUserCoupon(ctx context.Context, userID int64, c *model.Coupon, issuedAt time.Time) (*model.UserCoupon, error)
	GetUserCoupon(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error)
	GetUserCouponByOrder(ctx context.Context, orderID string) (*model.UserCoupon, error)
	ListUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error)
	WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error
}

// CouponCache кэширует определения купонов для консультативной проверки.
type CouponCache interface {
	Get(ctx context.Context, code string) (*model.Coupon, bool, error)
	Set(ctx context.Context, c *model.Coupon) error
	Invalidate(ctx context.Context, code string) error
}

// EventPublisher публикует события после фиксации изменений.
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// DefaultPublishTimeout ограничивает ожидание брокера после фиксации изменений.
const DefaultPublishTimeout = 2 * time.Second

// Service содержит бизнес-логику сервиса купонов.
type Service struct {
	repo           Repository
	calc           *discount.Calculator
	cache          CouponCache
	publisher      EventPublisher
	publishTimeout time.Duration
	metrics        *metrics.Recorder
	logger         *zap.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithCache подключает кэш определений купонов.
func WithCache(c CouponCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithPublisher подключает публикацию событий.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithPublishTimeout задаёт предельное время публикации одного события.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithMetrics подключает счётчики Prometheus.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт новый сервис с указанным репозиторием и калькулятором скидок.
func NewService(repo Repository, calc *discount.Calculator, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if calc == nil {
		calc = discount.NewCalculator(discount.DefaultScale)
	}

	s := &Service{
		repo:           repo,
		calc:           calc,
		publishTimeout: DefaultPublishTimeout,
		logger:         logger,
		tracer:         otel.Tracer("github.com/mmeshcher/coupon-service/internal/service"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "CouponService."+name, trace.WithAttributes(attrs...))
}

// endSpan отмечает span ошибкой только для инфраструктурных сбоев.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("coupon.error_kind", model.Kind(err)))
		if !model.IsBusiness(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return model.Kind(err)
}

func (s *Service) invalidate(ctx context.Context, code string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, code); err != nil {
		s.logger.Warn("coupon cache invalidation failed", zap.String("code", code), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.publisher == nil {
		return
	}
	// Изменение уже зафиксировано, отмена запроса не должна терять событие.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Error("publish coupon event failed",
			zap.String("type", string(e.Type)),
			zap.String("code", e.CouponCode),
			zap.Error(err),
		)
	}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
