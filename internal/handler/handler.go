// Package handler содержит HTTP-обработчики API сервиса купонов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/coupon-service/internal/middleware"
	"github.com/mmeshcher/coupon-service/internal/model"
	"github.com/mmeshcher/coupon-service/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateCoupon(ctx context.Context, def model.CouponDefinition) (*model.Coupon, error)
	GetCoupon(ctx context.Context, code string) (*model.Coupon, error)
	SetCouponActive(ctx context.Context, code string, active bool) (*model.Coupon, error)
	IssueCoupon(ctx context.Context, userID int64, code string) (*model.UserCoupon, error)
	ValidateCoupon(ctx context.Context, userID int64, code string, orderAmount decimal.Decimal) (*model.Verdict, error)
	UseCoupon(ctx context.Context, req service.UseRequest) (*model.UserCoupon, error)
	CancelCouponUsage(ctx context.Context, userCouponID uuid.UUID) error
	CancelCouponUsageByOrder(ctx context.Context, orderID string) error
	ListUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error)
	GetUserCoupon(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error)
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API сервиса купонов.
type Handler struct {
	service Service
	logger  *zap.Logger
	pinger  Pinger
	metrics http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// pinger и metrics могут быть nil.
func NewHandler(s Service, logger *zap.Logger, pinger Pinger, metrics http.Handler) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: s,
		logger:  logger,
		pinger:  pinger,
		metrics: metrics,
	}
}

type couponRequest struct {
	Code              string           `json:"code"`
	DiscountType      string           `json:"discountType"`
	DiscountValue     decimal.Decimal  `json:"discountValue"`
	MaxDiscountAmount *decimal.Decimal `json:"maxDiscountAmount,omitempty"`
	MinPurchaseAmount decimal.Decimal  `json:"minPurchaseAmount"`
	ValidFrom         time.Time        `json:"validFrom"`
	ValidUntil        time.Time        `json:"validUntil"`
	MaxUsageCount     *int             `json:"maxUsageCount,omitempty"`
	MaxUsagePerUser   int              `json:"maxUsagePerUser"`
	IsActive          *bool            `json:"isActive,omitempty"`
}

type couponResponse struct {
	Code              string           `json:"code"`
	DiscountType      string           `json:"discountType"`
	DiscountValue     decimal.Decimal  `json:"discountValue"`
	MaxDiscountAmount *decimal.Decimal `json:"maxDiscountAmount,omitempty"`
	MinPurchaseAmount decimal.Decimal  `json:"minPurchaseAmount"`
	ValidFrom         string           `json:"validFrom"`
	ValidUntil        string           `json:"validUntil"`
	MaxUsageCount     *int             `json:"maxUsageCount,omitempty"`
	MaxUsagePerUser   int              `json:"maxUsagePerUser"`
	CurrentUsageCount int              `json:"currentUsageCount"`
	IsActive          bool             `json:"isActive"`
}

func toCouponResponse(c *model.Coupon) couponResponse {
	return couponResponse{
		Code:              c.Code,
		DiscountType:      string(c.DiscountType),
		DiscountValue:     c.DiscountValue,
		MaxDiscountAmount: c.MaxDiscountAmount,
		MinPurchaseAmount: c.MinPurchaseAmount,
		ValidFrom:         c.ValidFrom.Format(time.RFC3339),
		ValidUntil:        c.ValidUntil.Format(time.RFC3339),
		MaxUsageCount:     c.MaxUsageCount,
		MaxUsagePerUser:   c.MaxUsagePerUser,
		CurrentUsageCount: c.CurrentUsageCount,
		IsActive:          c.IsActive,
	}
}

type userCouponResponse struct {
	ID             string           `json:"id"`
	CouponCode     string           `json:"couponCode"`
	Status         string           `json:"status"`
	OrderID        *string          `json:"orderId,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discountAmount,omitempty"`
	IssuedAt       string           `json:"issuedAt"`
	UsedAt         *string          `json:"usedAt,omitempty"`
}

func toUserCouponResponse(uc *model.UserCoupon) userCouponResponse {
	resp := userCouponResponse{
		ID:             uc.ID.String(),
		CouponCode:     uc.CouponCode,
		Status:         string(uc.Status()),
		OrderID:        uc.OrderID,
		DiscountAmount: uc.DiscountAmount,
		IssuedAt:       uc.IssuedAt.Format(time.RFC3339),
	}
	if uc.UsedAt != nil {
		usedAt := uc.UsedAt.Format(time.RFC3339)
		resp.UsedAt = &usedAt
	}
	return resp
}

// CreateCoupon создаёт новое определение купона.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	def := model.CouponDefinition{
		Code:              req.Code,
		DiscountType:      model.DiscountType(req.DiscountType),
		DiscountValue:     req.DiscountValue,
		MaxDiscountAmount: req.MaxDiscountAmount,
		MinPurchaseAmount: req.MinPurchaseAmount,
		ValidFrom:         req.ValidFrom,
		ValidUntil:        req.ValidUntil,
		MaxUsageCount:     req.MaxUsageCount,
		MaxUsagePerUser:   req.MaxUsagePerUser,
		IsActive:          true,
	}
	if req.IsActive != nil {
		def.IsActive = *req.IsActive
	}

	c, err := h.service.CreateCoupon(r.Context(), def)
	if err != nil {
		h.writeError(w, "create coupon error", err)
		return
	}

	writeJSON(w, http.StatusCreated, toCouponResponse(c))
}

// GetCoupon возвращает определение купона по коду.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetCoupon(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, "get coupon error", err)
		return
	}

	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

type activeRequest struct {
	IsActive *bool `json:"isActive"`
}

// SetCouponActive включает или выключает купон.
func (h *Handler) SetCouponActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.SetCouponActive(r.Context(), chi.URLParam(r, "code"), *req.IsActive)
	if err != nil {
		h.writeError(w, "set coupon active error", err)
		return
	}

	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

// IssueCoupon выдаёт купон текущему пользователю.
func (h *Handler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	uc, err := h.service.IssueCoupon(r.Context(), userID, chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, "issue coupon error", err, zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusCreated, toUserCouponResponse(uc))
}

type validateRequest struct {
	OrderAmount *decimal.Decimal `json:"orderAmount"`
}

// ValidateCoupon возвращает консультативный вердикт для суммы заказа.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderAmount == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	v, err := h.service.ValidateCoupon(r.Context(), userID, chi.URLParam(r, "code"), *req.OrderAmount)
	if err != nil {
		h.writeError(w, "validate coupon error", err, zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, v)
}

type useRequest struct {
	OrderID     string           `json:"orderId"`
	OrderAmount *decimal.Decimal `json:"orderAmount,omitempty"`
}

// UseCoupon погашает купон текущего пользователя в рамках заказа.
func (h *Handler) UseCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req useRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	uc, err := h.service.UseCoupon(r.Context(), service.UseRequest{
		UserID:      userID,
		Code:        chi.URLParam(r, "code"),
		OrderID:     req.OrderID,
		OrderAmount: req.OrderAmount,
	})
	if err != nil {
		h.writeError(w, "use coupon error", err, zap.Int64("userID", userID), zap.String("orderID", req.OrderID))
		return
	}

	writeJSON(w, http.StatusOK, toUserCouponResponse(uc))
}

// GetUserCoupons возвращает купоны текущего пользователя.
func (h *Handler) GetUserCoupons(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	list, err := h.service.ListUserCoupons(r.Context(), userID)
	if err != nil {
		h.writeError(w, "list user coupons error", err, zap.Int64("userID", userID))
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]userCouponResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toUserCouponResponse(&list[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetUserCoupon возвращает запись о выдаче купона.
func (h *Handler) GetUserCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	uc, err := h.service.GetUserCoupon(r.Context(), id)
	if err != nil {
		h.writeError(w, "get user coupon error", err)
		return
	}

	writeJSON(w, http.StatusOK, toUserCouponResponse(uc))
}

// CancelCouponUsage отменяет погашение по идентификатору выдачи.
func (h *Handler) CancelCouponUsage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.CancelCouponUsage(r.Context(), id); err != nil {
		h.writeError(w, "cancel coupon usage error", err, zap.String("userCouponID", id.String()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CancelOrderCoupon отменяет погашение купона, применённого к отменённому заказу.
func (h *Handler) CancelOrderCoupon(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	if err := h.service.CancelCouponUsageByOrder(r.Context(), orderID); err != nil {
		h.writeError(w, "cancel order coupon error", err, zap.String("orderID", orderID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor сопоставляет код ошибки из таксономии с HTTP-статусом.
func statusFor(kind string) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInvalidArgument:
		return http.StatusBadRequest
	case model.KindAlreadyIssued, model.KindAlreadyUsed, model.KindOrderConflict, model.KindCodeTaken:
		return http.StatusConflict
	case model.KindInactive, model.KindExpired, model.KindNotYetValid,
		model.KindMinPurchaseNotMet, model.KindGlobalLimitReached, model.KindUserLimitReached:
		return http.StatusUnprocessableEntity
	case model.KindConcurrencyConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	kind := model.Kind(err)
	status := statusFor(kind)

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(status), status)
		return
	}

	if errors.Is(err, model.ErrConcurrencyConflict) {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, status, errorResponse{Error: kind, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
