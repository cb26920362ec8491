package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/coupon-service/internal/middleware"
	"github.com/mmeshcher/coupon-service/internal/model"
	"github.com/mmeshcher/coupon-service/internal/service"
)

type stubService struct {
	coupon    *model.Coupon
	couponErr error

	userCoupon    *model.UserCoupon
	userCouponErr error
	userCoupons   []model.UserCoupon

	verdict     *model.Verdict
	validateErr error

	cancelErr error

	gotDefinition model.CouponDefinition
	gotUserID     int64
	gotCode       string
	gotAmount     decimal.Decimal
	gotUse        service.UseRequest
	gotCancelID   uuid.UUID
	gotOrderID    string
	gotActive     bool
}

func (s *stubService) CreateCoupon(ctx context.Context, def model.CouponDefinition) (*model.Coupon, error) {
	s.gotDefinition = def
	return s.coupon, s.couponErr
}

func (s *stubService) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	s.gotCode = code
	return s.coupon, s.couponErr
}

func (s *stubService) SetCouponActive(ctx context.Context, code string, active bool) (*model.Coupon, error) {
	s.gotCode = code
	s.gotActive = active
	return s.coupon, s.couponErr
}

func (s *stubService) IssueCoupon(ctx context.Context, userID int64, code string) (*model.UserCoupon, error) {
	s.gotUserID = userID
	s.gotCode = code
	return s.userCoupon, s.userCouponErr
}

func (s *stubService) ValidateCoupon(ctx context.Context, userID int64, code string, orderAmount decimal.Decimal) (*model.Verdict, error) {
	s.gotUserID = userID
	s.gotCode = code
	s.gotAmount = orderAmount
	return s.verdict, s.validateErr
}

func (s *stubService) UseCoupon(ctx context.Context, req service.UseRequest) (*model.UserCoupon, error) {
	s.gotUse = req
	return s.userCoupon, s.userCouponErr
}

func (s *stubService) CancelCouponUsage(ctx context.Context, userCouponID uuid.UUID) error {
	s.gotCancelID = userCouponID
	return s.cancelErr
}

func (s *stubService) CancelCouponUsageByOrder(ctx context.Context, orderID string) error {
	s.gotOrderID = orderID
	return s.cancelErr
}

func (s *stubService) ListUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	s.gotUserID = userID
	return s.userCoupons, s.userCouponErr
}

func (s *stubService) GetUserCoupon(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error) {
	return s.userCoupon, s.userCouponErr
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, svc Service) http.Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return NewHandler(svc, logger, stubPinger{}, nil).SetupRouter()
}

func doRequest(h http.Handler, method, target, body string, userID int64) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set(middleware.UserIDHeader, fmt.Sprint(userID))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleCoupon() *model.Coupon {
	maxDiscount := decimal.RequireFromString("5000")
	return &model.Coupon{
		ID:                uuid.New(),
		Code:              "SAVE10",
		DiscountType:      model.DiscountTypePercent,
		DiscountValue:     decimal.RequireFromString("10"),
		MaxDiscountAmount: &maxDiscount,
		ValidFrom:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:        time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxUsagePerUser:   1,
		IsActive:          true,
	}
}

func TestCreateCoupon(t *testing.T) {
	svc := &stubService{coupon: sampleCoupon()}
	h := newTestServer(t, svc)

	body := `{"code":"save10","discountType":"PERCENT","discountValue":"10","maxDiscountAmount":5000,
		"validFrom":"2026-01-01T00:00:00Z","validUntil":"2027-01-01T00:00:00Z"}`
	rec := doRequest(h, http.MethodPost, "/api/coupons", body, 0)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "save10", svc.gotDefinition.Code)
	assert.Equal(t, model.DiscountTypePercent, svc.gotDefinition.DiscountType)
	assert.True(t, svc.gotDefinition.IsActive)
	require.NotNil(t, svc.gotDefinition.MaxDiscountAmount)
	assert.Equal(t, "5000", svc.gotDefinition.MaxDiscountAmount.String())

	var resp couponResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SAVE10", resp.Code)
	assert.Equal(t, "2026-01-01T00:00:00Z", resp.ValidFrom)
}

func TestCreateCoupon_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "invalid definition", body: `{}`, err: fmt.Errorf("%w: code required", model.ErrInvalidArgument), wantStatus: http.StatusBadRequest},
		{name: "code taken", body: `{}`, err: model.ErrCodeTaken, wantStatus: http.StatusConflict},
		{name: "storage failure", body: `{}`, err: errors.New("connection refused"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubService{couponErr: tt.err})
			rec := doRequest(h, http.MethodPost, "/api/coupons", tt.body, 0)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestSetCouponActive(t *testing.T) {
	svc := &stubService{coupon: sampleCoupon()}
	h := newTestServer(t, svc)

	rec := doRequest(h, http.MethodPatch, "/api/coupons/SAVE10/active", `{"isActive":false}`, 0)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SAVE10", svc.gotCode)
	assert.False(t, svc.gotActive)

	rec = doRequest(h, http.MethodPatch, "/api/coupons/SAVE10/active", `{}`, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueCoupon(t *testing.T) {
	uc := &model.UserCoupon{ID: uuid.New(), UserID: 42, CouponCode: "SAVE10", IssuedAt: time.Now()}
	svc := &stubService{userCoupon: uc}
	h := newTestServer(t, svc)

	rec := doRequest(h, http.MethodPost, "/api/coupons/SAVE10/issue", "", 42)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(42), svc.gotUserID)
	assert.Equal(t, "SAVE10", svc.gotCode)

	var resp userCouponResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, uc.ID.String(), resp.ID)
	assert.Equal(t, "available", resp.Status)
	assert.Nil(t, resp.UsedAt)

	rec = doRequest(h, http.MethodPost, "/api/coupons/SAVE10/issue", "", 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueCoupon_AlreadyIssued(t *testing.T) {
	h := newTestServer(t, &stubService{userCouponErr: fmt.Errorf("%w: user 42", model.ErrAlreadyIssued)})

	rec := doRequest(h, http.MethodPost, "/api/coupons/SAVE10/issue", "", 42)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, model.KindAlreadyIssued, resp.Error)
}

func TestValidateCoupon(t *testing.T) {
	svc := &stubService{verdict: &model.Verdict{
		IsValid:        true,
		DiscountAmount: decimal.RequireFromString("5000"),
		FinalAmount:    decimal.RequireFromString("95000"),
	}}
	h := newTestServer(t, svc)

	rec := doRequest(h, http.MethodPost, "/api/coupons/SAVE10/validate", `{"orderAmount":100000}`, 1)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100000", svc.gotAmount.String())

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, true, resp["isValid"])
	assert.Equal(t, "5000", resp["discountAmount"])
	assert.Equal(t, "95000", resp["finalAmount"])

	rec = doRequest(h, http.MethodPost, "/api/coupons/SAVE10/validate", `{}`, 1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUseCoupon(t *testing.T) {
	orderID := "order-1"
	usedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubService{userCoupon: &model.UserCoupon{
		ID:         uuid.New(),
		UserID:     7,
		CouponCode: "SAVE10",
		OrderID:    &orderID,
		IssuedAt:   usedAt.Add(-time.Hour),
		UsedAt:     &usedAt,
	}}
	h := newTestServer(t, svc)

	rec := doRequest(h, http.MethodPost, "/api/coupons/SAVE10/use", `{"orderId":"order-1","orderAmount":"250.50"}`, 7)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), svc.gotUse.UserID)
	assert.Equal(t, "SAVE10", svc.gotUse.Code)
	assert.Equal(t, "order-1", svc.gotUse.OrderID)
	require.NotNil(t, svc.gotUse.OrderAmount)
	assert.Equal(t, "250.5", svc.gotUse.OrderAmount.String())

	var resp userCouponResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "used", resp.Status)
	require.NotNil(t, resp.UsedAt)
	assert.Equal(t, "2026-03-01T12:00:00Z", *resp.UsedAt)
}

func TestUseCoupon_ErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrInactive, http.StatusUnprocessableEntity},
		{model.ErrExpired, http.StatusUnprocessableEntity},
		{model.ErrNotYetValid, http.StatusUnprocessableEntity},
		{model.ErrMinPurchaseNotMet, http.StatusUnprocessableEntity},
		{model.ErrGlobalLimitReached, http.StatusUnprocessableEntity},
		{model.ErrUserLimitReached, http.StatusUnprocessableEntity},
		{model.ErrAlreadyUsed, http.StatusConflict},
		{model.ErrOrderConflict, http.StatusConflict},
		{model.ErrInvalidArgument, http.StatusBadRequest},
		{model.ErrConcurrencyConflict, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(model.Kind(tt.err), func(t *testing.T) {
			h := newTestServer(t, &stubService{userCouponErr: tt.err})
			rec := doRequest(h, http.MethodPost, "/api/coupons/SAVE10/use", `{"orderId":"order-1"}`, 7)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGetUserCoupons(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(t, svc)

	rec := doRequest(h, http.MethodGet, "/api/user/coupons", "", 3)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(3), svc.gotUserID)

	svc.userCoupons = []model.UserCoupon{
		{ID: uuid.New(), UserID: 3, CouponCode: "B2", IssuedAt: time.Now()},
		{ID: uuid.New(), UserID: 3, CouponCode: "A1", IssuedAt: time.Now().Add(-time.Hour)},
	}
	rec = doRequest(h, http.MethodGet, "/api/user/coupons", "", 3)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []userCouponResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "B2", resp[0].CouponCode)
}

func TestCancelCouponUsage(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(t, svc)

	id := uuid.New()
	rec := doRequest(h, http.MethodPost, "/api/user-coupons/"+id.String()+"/cancel", "", 0)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, id, svc.gotCancelID)

	rec = doRequest(h, http.MethodPost, "/api/user-coupons/not-a-uuid/cancel", "", 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.cancelErr = model.ErrNotFound
	rec = doRequest(h, http.MethodPost, "/api/user-coupons/"+id.String()+"/cancel", "", 0)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrderCoupon(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(t, svc)

	rec := doRequest(h, http.MethodPost, "/api/orders/order-42/coupon/cancel", "", 0)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "order-42", svc.gotOrderID)
}

func TestHealth(t *testing.T) {
	logger := zap.NewNop()

	ok := NewHandler(&stubService{}, logger, stubPinger{}, nil).SetupRouter()
	assert.Equal(t, http.StatusOK, doRequest(ok, http.MethodGet, "/healthz", "", 0).Code)

	down := NewHandler(&stubService{}, logger, stubPinger{err: errors.New("db down")}, nil).SetupRouter()
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(down, http.MethodGet, "/healthz", "", 0).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("coupon_redemptions_total 1\n"))
	})
	h := NewHandler(&stubService{}, zap.NewNop(), nil, metrics).SetupRouter()

	rec := doRequest(h, http.MethodGet, "/metrics", "", 0)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coupon_redemptions_total")
}
