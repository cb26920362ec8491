// Package repository содержит реализацию хранилища купонов и журнала выдачи в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coupon-service/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Имена ограничений из миграций.
const (
	constraintCouponCode  = "coupons_code_key"
	constraintUserCoupon  = "user_coupons_user_coupon_key"
	constraintOrderID     = "user_coupons_order_id_key"
	constraintUsageBounds = "coupons_usage_bounds_check"
)

const defaultMaxRetries uint64 = 3

const couponColumns = `id, code, discount_type, discount_value, max_discount_amount, min_purchase_amount,
	valid_from, valid_until, max_usage_count, max_usage_per_user, current_usage_count,
	is_active, version, created_at`

const userCouponColumns = `uc.id, uc.user_id, uc.coupon_id, c.code, uc.order_id, uc.discount_amount,
	uc.issued_at, uc.used_at`

// querier объединяет методы пула и транзакции, которые используют запросы репозитория.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRepository предоставляет доступ к хранилищу купонов в PostgreSQL.
type PostgresRepository struct {
	pool       *pgxpool.Pool
	maxRetries uint64
}

// Option настраивает PostgresRepository.
type Option func(*PostgresRepository)

// WithMaxRetries задаёт число повторов транзакции при конфликте сериализации или дедлоке.
func WithMaxRetries(n uint64) Option {
	return func(r *PostgresRepository) {
		r.maxRetries = n
	}
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateCoupon сохраняет новое определение купона.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, def model.CouponDefinition) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (id, code, discount_type, discount_value, max_discount_amount, min_purchase_amount,
			valid_from, valid_until, max_usage_count, max_usage_per_user, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+couponColumns,
		uuid.New(), def.Code, string(def.DiscountType), def.DiscountValue, def.MaxDiscountAmount,
		def.MinPurchaseAmount, def.ValidFrom, def.ValidUntil, def.MaxUsageCount, def.MaxUsagePerUser, def.IsActive,
	)

	c, err := scanCoupon(row)
	if err != nil {
		if isUniqueViolation(err, constraintCouponCode) {
			return nil, fmt.Errorf("%w: %s", model.ErrCodeTaken, def.Code)
		}
		return nil, fmt.Errorf("create coupon: %w", err)
	}
	return c, nil
}

// GetCouponByCode возвращает купон по коду без блокировки.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	return getCouponByCode(ctx, r.pool, code, false)
}

// SetCouponActive включает или выключает купон.
func (r *PostgresRepository) SetCouponActive(ctx context.Context, code string, active bool) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE coupons SET is_active = $2, version = version + 1
		 WHERE code = $1
		 RETURNING `+couponColumns,
		code, active,
	)

	c, err := scanCoupon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, code)
		}
		return nil, fmt.Errorf("update coupon status: %w", err)
	}
	return c, nil
}

// CountUsedByUser возвращает число погашенных выдач купона пользователем.
func (r *PostgresRepository) CountUsedByUser(ctx context.Context, userID int64, couponID uuid.UUID) (int, error) {
	return countUsedByUser(ctx, r.pool, userID, couponID)
}

// IssueUserCoupon создаёт запись о выдаче купона в состоянии available.
func (r *PostgresRepository) IssueUserCoupon(ctx context.Context, userID int64, c *model.Coupon, issuedAt time.Time) (*model.UserCoupon, error) {
	uc := &model.UserCoupon{
		ID:         uuid.New(),
		UserID:     userID,
		CouponID:   c.ID,
		CouponCode: c.Code,
		IssuedAt:   issuedAt,
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_coupons (id, user_id, coupon_id, issued_at) VALUES ($1, $2, $3, $4)`,
		uc.ID, uc.UserID, uc.CouponID, uc.IssuedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintUserCoupon) {
			return nil, fmt.Errorf("%w: user %d, coupon %s", model.ErrAlreadyIssued, userID, c.Code)
		}
		return nil, fmt.Errorf("insert user coupon: %w", err)
	}

	return uc, nil
}

// GetUserCoupon возвращает запись журнала по идентификатору.
func (r *PostgresRepository) GetUserCoupon(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error) {
	return getUserCouponByID(ctx, r.pool, id, false)
}

// GetUserCouponByOrder возвращает погашенную запись журнала по номеру заказа.
func (r *PostgresRepository) GetUserCouponByOrder(ctx context.Context, orderID string) (*model.UserCoupon, error) {
	return findUsedByOrder(ctx, r.pool, orderID)
}

// ListUserCoupons возвращает купоны пользователя, начиная с последних выданных.
func (r *PostgresRepository) ListUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCouponColumns+`
		 FROM user_coupons uc
		 JOIN coupons c ON c.id = uc.coupon_id
		 WHERE uc.user_id = $1
		 ORDER BY uc.issued_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user coupons: %w", err)
	}
	defer rows.Close()

	var res []model.UserCoupon
	for rows.Next() {
		uc, err := scanUserCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user coupon: %w", err)
		}
		res = append(res, *uc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func getCouponByCode(ctx context.Context, q querier, code string, lock bool) (*model.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	c, err := scanCoupon(q.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, code)
		}
		return nil, fmt.Errorf("select coupon: %w", err)
	}
	return c, nil
}

func getCouponByID(ctx context.Context, q querier, id uuid.UUID, lock bool) (*model.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	c, err := scanCoupon(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: coupon %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("select coupon: %w", err)
	}
	return c, nil
}

func getUserCouponByID(ctx context.Context, q querier, id uuid.UUID, lock bool) (*model.UserCoupon, error) {
	query := `SELECT ` + userCouponColumns + `
		FROM user_coupons uc
		JOIN coupons c ON c.id = uc.coupon_id
		WHERE uc.id = $1`
	if lock {
		query += ` FOR UPDATE OF uc`
	}

	uc, err := scanUserCoupon(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user coupon %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("select user coupon: %w", err)
	}
	return uc, nil
}

func findUsedByOrder(ctx context.Context, q querier, orderID string) (*model.UserCoupon, error) {
	uc, err := scanUserCoupon(q.QueryRow(ctx,
		`SELECT `+userCouponColumns+`
		 FROM user_coupons uc
		 JOIN coupons c ON c.id = uc.coupon_id
		 WHERE uc.order_id = $1 AND uc.used_at IS NOT NULL`,
		orderID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no coupon used for order %s", model.ErrNotFound, orderID)
		}
		return nil, fmt.Errorf("select user coupon by order: %w", err)
	}
	return uc, nil
}

func countUsedByUser(ctx context.Context, q querier, userID int64, couponID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_coupons WHERE user_id = $1 AND coupon_id = $2 AND used_at IS NOT NULL`,
		userID, couponID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count used coupons: %w", err)
	}
	return n, nil
}

func scanCoupon(row pgx.Row) (*model.Coupon, error) {
	var (
		c            model.Coupon
		discountType string
		maxDiscount  *decimal.Decimal
		maxUsage     *int32
	)

	err := row.Scan(
		&c.ID,
		&c.Code,
		&discountType,
		&c.DiscountValue,
		&maxDiscount,
		&c.MinPurchaseAmount,
		&c.ValidFrom,
		&c.ValidUntil,
		&maxUsage,
		&c.MaxUsagePerUser,
		&c.CurrentUsageCount,
		&c.IsActive,
		&c.Version,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.DiscountType = model.DiscountType(discountType)
	c.MaxDiscountAmount = maxDiscount
	if maxUsage != nil {
		v := int(*maxUsage)
		c.MaxUsageCount = &v
	}

	return &c, nil
}

func scanUserCoupon(row pgx.Row) (*model.UserCoupon, error) {
	var uc model.UserCoupon
	err := row.Scan(
		&uc.ID,
		&uc.UserID,
		&uc.CouponID,
		&uc.CouponCode,
		&uc.OrderID,
		&uc.DiscountAmount,
		&uc.IssuedAt,
		&uc.UsedAt,
	)
	if err != nil {
		return nil, err
	}
	return &uc, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgerrcode.UniqueViolation &&
		pgErr.ConstraintName == constraint
}

func isCheckViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgerrcode.CheckViolation &&
		pgErr.ConstraintName == constraint
}
