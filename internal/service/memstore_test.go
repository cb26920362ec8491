package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coupon-service/internal/model"
	"github.com/mmeshcher/coupon-service/internal/repository"
)

// memStore хранит купоны в памяти. WithinTx держит мьютекс на всё время транзакции,
// что соответствует последовательному захвату строки купона в PostgreSQL.
type memStore struct {
	mu          sync.Mutex
	coupons     map[uuid.UUID]model.Coupon
	codes       map[string]uuid.UUID
	userCoupons map[uuid.UUID]model.UserCoupon

	// markUsedErr имитирует сбой после увеличения счётчика.
	markUsedErr error
	txErr       error
	txCount     int
}

func newMemStore() *memStore {
	return &memStore{
		coupons:     make(map[uuid.UUID]model.Coupon),
		codes:       make(map[string]uuid.UUID),
		userCoupons: make(map[uuid.UUID]model.UserCoupon),
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) CreateCoupon(ctx context.Context, def model.CouponDefinition) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.codes[def.Code]; ok {
		return nil, fmt.Errorf("%w: %s", model.ErrCodeTaken, def.Code)
	}

	c := model.Coupon{
		ID:                uuid.New(),
		Code:              def.Code,
		DiscountType:      def.DiscountType,
		DiscountValue:     def.DiscountValue,
		MaxDiscountAmount: def.MaxDiscountAmount,
		MinPurchaseAmount: def.MinPurchaseAmount,
		ValidFrom:         def.ValidFrom,
		ValidUntil:        def.ValidUntil,
		MaxUsageCount:     def.MaxUsageCount,
		MaxUsagePerUser:   def.MaxUsagePerUser,
		IsActive:          def.IsActive,
		Version:           1,
		CreatedAt:         time.Now(),
	}
	m.coupons[c.ID] = c
	m.codes[c.Code] = c.ID
	return &c, nil
}

func (m *memStore) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.couponByCode(code)
}

func (m *memStore) SetCouponActive(ctx context.Context, code string, active bool) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.couponByCode(code)
	if err != nil {
		return nil, err
	}
	c.IsActive = active
	c.Version++
	m.coupons[c.ID] = *c
	return c, nil
}

func (m *memStore) CountUsedByUser(ctx context.Context, userID int64, couponID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countUsed(userID, couponID), nil
}

func (m *memStore) IssueUserCoupon(ctx context.Context, userID int64, c *model.Coupon, issuedAt time.Time) (*model.UserCoupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, uc := range m.userCoupons {
		if uc.UserID == userID && uc.CouponID == c.ID {
			return nil, fmt.Errorf("%w: user %d, coupon %s", model.ErrAlreadyIssued, userID, c.Code)
		}
	}

	uc := model.UserCoupon{
		ID:         uuid.New(),
		UserID:     userID,
		CouponID:   c.ID,
		CouponCode: c.Code,
		IssuedAt:   issuedAt,
	}
	m.userCoupons[uc.ID] = uc
	return &uc, nil
}

func (m *memStore) GetUserCoupon(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userCouponByID(id)
}

func (m *memStore) GetUserCouponByOrder(ctx context.Context, orderID string) (*model.UserCoupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedByOrder(orderID)
}

func (m *memStore) ListUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.UserCoupon
	for _, uc := range m.userCoupons {
		if uc.UserID == userID {
			res = append(res, uc)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].IssuedAt.After(res[j].IssuedAt) })
	return res, nil
}

// WithinTx работает с копией состояния и публикует её только при успешном завершении fn.
func (m *memStore) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txCount++
	if m.txErr != nil {
		return m.txErr
	}

	tx := &memTx{store: m.clone()}
	if err := fn(tx); err != nil {
		return err
	}

	m.coupons = tx.store.coupons
	m.codes = tx.store.codes
	m.userCoupons = tx.store.userCoupons
	return nil
}

func (m *memStore) coupon(code string) model.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coupons[m.codes[code]]
}

func (m *memStore) clone() *memStore {
	c := &memStore{
		coupons:     make(map[uuid.UUID]model.Coupon, len(m.coupons)),
		codes:       make(map[string]uuid.UUID, len(m.codes)),
		userCoupons: make(map[uuid.UUID]model.UserCoupon, len(m.userCoupons)),
		markUsedErr: m.markUsedErr,
	}
	for k, v := range m.coupons {
		c.coupons[k] = v
	}
	for k, v := range m.codes {
		c.codes[k] = v
	}
	for k, v := range m.userCoupons {
		c.userCoupons[k] = v
	}
	return c
}

func (m *memStore) couponByCode(code string) (*model.Coupon, error) {
	id, ok := m.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, code)
	}
	c := m.coupons[id]
	return &c, nil
}

func (m *memStore) userCouponByID(id uuid.UUID) (*model.UserCoupon, error) {
	uc, ok := m.userCoupons[id]
	if !ok {
		return nil, fmt.Errorf("%w: user coupon %s", model.ErrNotFound, id)
	}
	return &uc, nil
}

func (m *memStore) usedByOrder(orderID string) (*model.UserCoupon, error) {
	for _, uc := range m.userCoupons {
		if uc.UsedAt != nil && uc.OrderID != nil && *uc.OrderID == orderID {
			return &uc, nil
		}
	}
	return nil, fmt.Errorf("%w: no coupon used for order %s", model.ErrNotFound, orderID)
}

func (m *memStore) countUsed(userID int64, couponID uuid.UUID) int {
	n := 0
	for _, uc := range m.userCoupons {
		if uc.UserID == userID && uc.CouponID == couponID && uc.UsedAt != nil {
			n++
		}
	}
	return n
}

type memTx struct {
	store *memStore
}

func (t *memTx) LockCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	return t.store.couponByCode(code)
}

func (t *memTx) LockCouponByID(ctx context.Context, id uuid.UUID) (*model.Coupon, error) {
	c, ok := t.store.coupons[id]
	if !ok {
		return nil, fmt.Errorf("%w: coupon %s", model.ErrNotFound, id)
	}
	return &c, nil
}

func (t *memTx) LockUserCoupon(ctx context.Context, userID int64, couponID uuid.UUID) (*model.UserCoupon, error) {
	for _, uc := range t.store.userCoupons {
		if uc.UserID == userID && uc.CouponID == couponID {
			return &uc, nil
		}
	}
	return nil, fmt.Errorf("%w: coupon not issued to user %d", model.ErrNotFound, userID)
}

func (t *memTx) LockUserCouponByID(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error) {
	return t.store.userCouponByID(id)
}

func (t *memTx) CountUsedByUser(ctx context.Context, userID int64, couponID uuid.UUID) (int, error) {
	return t.store.countUsed(userID, couponID), nil
}

func (t *memTx) FindUsedByOrder(ctx context.Context, orderID string) (*model.UserCoupon, error) {
	return t.store.usedByOrder(orderID)
}

func (t *memTx) IncrementUsage(ctx context.Context, couponID uuid.UUID) error {
	c := t.store.coupons[couponID]
	if c.MaxUsageCount != nil && c.CurrentUsageCount >= *c.MaxUsageCount {
		return model.ErrGlobalLimitReached
	}
	c.CurrentUsageCount++
	c.Version++
	t.store.coupons[couponID] = c
	return nil
}

func (t *memTx) DecrementUsage(ctx context.Context, couponID uuid.UUID) error {
	c := t.store.coupons[couponID]
	if c.CurrentUsageCount > 0 {
		c.CurrentUsageCount--
	}
	c.Version++
	t.store.coupons[couponID] = c
	return nil
}

func (t *memTx) MarkUsed(ctx context.Context, userCouponID uuid.UUID, orderID string, discount *decimal.Decimal, usedAt time.Time) (time.Time, error) {
	if t.store.markUsedErr != nil {
		return time.Time{}, t.store.markUsedErr
	}

	uc := t.store.userCoupons[userCouponID]
	if uc.UsedAt != nil {
		return time.Time{}, model.ErrAlreadyUsed
	}
	if _, err := t.store.usedByOrder(orderID); err == nil {
		return time.Time{}, fmt.Errorf("%w: %s", model.ErrOrderConflict, orderID)
	}

	if usedAt.Before(uc.IssuedAt) {
		usedAt = uc.IssuedAt
	}
	uc.UsedAt = &usedAt
	uc.OrderID = &orderID
	uc.DiscountAmount = discount
	t.store.userCoupons[userCouponID] = uc
	return usedAt, nil
}

func (t *memTx) MarkAvailable(ctx context.Context, userCouponID uuid.UUID) error {
	uc := t.store.userCoupons[userCouponID]
	uc.UsedAt = nil
	uc.OrderID = nil
	uc.DiscountAmount = nil
	t.store.userCoupons[userCouponID] = uc
	return nil
}
