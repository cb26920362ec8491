package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coupon-service/internal/model"
)

// Tx описывает операции внутри одной транзакции погашения или отмены.
// Строка купона блокируется раньше строки журнала.
type Tx interface {
	LockCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	LockCouponByID(ctx context.Context, id uuid.UUID) (*model.Coupon, error)
	LockUserCoupon(ctx context.Context, userID int64, couponID uuid.UUID) (*model.UserCoupon, error)
	LockUserCouponByID(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error)
	CountUsedByUser(ctx context.Context, userID int64, couponID uuid.UUID) (int, error)
	FindUsedByOrder(ctx context.Context, orderID string) (*model.UserCoupon, error)
	IncrementUsage(ctx context.Context, couponID uuid.UUID) error
	DecrementUsage(ctx context.Context, couponID uuid.UUID) error
	MarkUsed(ctx context.Context, userCouponID uuid.UUID, orderID string, discount *decimal.Decimal, usedAt time.Time) (time.Time, error)
	MarkAvailable(ctx context.Context, userCouponID uuid.UUID) error
}

// WithinTx выполняет fn в транзакции READ COMMITTED. Конфликты сериализации и дедлоки
// повторяются целиком ограниченное число раз, после чего возвращается model.ErrConcurrencyConflict.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	b := retry.WithMaxRetries(r.maxRetries, retry.WithJitterPercent(20, retry.NewExponential(20*time.Millisecond)))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := r.runTx(ctx, fn)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if isRetryable(err) {
		return fmt.Errorf("%w: %w", model.ErrConcurrencyConflict, err)
	}
	return err
}

func (r *PostgresRepository) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// Откат не должен зависеть от отмены запроса, иначе соединение останется в транзакции.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return false
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	return getCouponByCode(ctx, t.tx, code, true)
}

func (t *pgTx) LockCouponByID(ctx context.Context, id uuid.UUID) (*model.Coupon, error) {
	return getCouponByID(ctx, t.tx, id, true)
}

func (t *pgTx) LockUserCoupon(ctx context.Context, userID int64, couponID uuid.UUID) (*model.UserCoupon, error) {
	uc, err := scanUserCoupon(t.tx.QueryRow(ctx,
		`SELECT `+userCouponColumns+`
		 FROM user_coupons uc
		 JOIN coupons c ON c.id = uc.coupon_id
		 WHERE uc.user_id = $1 AND uc.coupon_id = $2
		 FOR UPDATE OF uc`,
		userID, couponID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: coupon not issued to user %d", model.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("lock user coupon: %w", err)
	}
	return uc, nil
}

func (t *pgTx) LockUserCouponByID(ctx context.Context, id uuid.UUID) (*model.UserCoupon, error) {
	return getUserCouponByID(ctx, t.tx, id, true)
}

func (t *pgTx) CountUsedByUser(ctx context.Context, userID int64, couponID uuid.UUID) (int, error) {
	return countUsedByUser(ctx, t.tx, userID, couponID)
}

func (t *pgTx) FindUsedByOrder(ctx context.Context, orderID string) (*model.UserCoupon, error) {
	return findUsedByOrder(ctx, t.tx, orderID)
}

// IncrementUsage увеличивает счётчик только если лимит ещё не исчерпан.
func (t *pgTx) IncrementUsage(ctx context.Context, couponID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE coupons
		 SET current_usage_count = current_usage_count + 1, version = version + 1
		 WHERE id = $1 AND (max_usage_count IS NULL OR current_usage_count < max_usage_count)`,
		couponID,
	)
	if err != nil {
		if isCheckViolation(err, constraintUsageBounds) {
			return model.ErrGlobalLimitReached
		}
		return fmt.Errorf("increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrGlobalLimitReached
	}
	return nil
}

func (t *pgTx) DecrementUsage(ctx context.Context, couponID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE coupons
		 SET current_usage_count = GREATEST(current_usage_count - 1, 0), version = version + 1
		 WHERE id = $1`,
		couponID,
	)
	if err != nil {
		return fmt.Errorf("decrement usage: %w", err)
	}
	return nil
}

// MarkUsed переводит запись в состояние used. used_at не может быть раньше issued_at.
func (t *pgTx) MarkUsed(ctx context.Context, userCouponID uuid.UUID, orderID string, discount *decimal.Decimal, usedAt time.Time) (time.Time, error) {
	var stored time.Time
	err := t.tx.QueryRow(ctx,
		`UPDATE user_coupons
		 SET used_at = GREATEST($2::timestamptz, issued_at), order_id = $3, discount_amount = $4
		 WHERE id = $1 AND used_at IS NULL
		 RETURNING used_at`,
		userCouponID, usedAt, orderID, discount,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, model.ErrAlreadyUsed
		}
		if isUniqueViolation(err, constraintOrderID) {
			return time.Time{}, fmt.Errorf("%w: %s", model.ErrOrderConflict, orderID)
		}
		return time.Time{}, fmt.Errorf("mark user coupon used: %w", err)
	}
	return stored, nil
}

func (t *pgTx) MarkAvailable(ctx context.Context, userCouponID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_coupons SET used_at = NULL, order_id = NULL, discount_amount = NULL WHERE id = $1`,
		userCouponID,
	)
	if err != nil {
		return fmt.Errorf("mark user coupon available: %w", err)
	}
	return nil
}
