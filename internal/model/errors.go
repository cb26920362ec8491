package model

import "errors"

// Ошибки бизнес-правил купонов. Все они безопасны для показа пользователю.
var (
	ErrNotFound            = errors.New("coupon not found")
	ErrInactive            = errors.New("coupon is not active")
	ErrExpired             = errors.New("coupon has expired")
	ErrNotYetValid         = errors.New("coupon is not valid yet")
	ErrMinPurchaseNotMet   = errors.New("order amount is below minimum purchase amount")
	ErrGlobalLimitReached  = errors.New("coupon usage limit reached")
	ErrUserLimitReached    = errors.New("user usage limit reached")
	ErrAlreadyIssued       = errors.New("coupon already issued to user")
	ErrAlreadyUsed         = errors.New("coupon already used")
	ErrOrderConflict       = errors.New("order already has a coupon applied")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrConcurrencyConflict = errors.New("concurrent update conflict, retry the operation")
	ErrCodeTaken           = errors.New("coupon code already exists")
)

// Коды ошибок, отдаваемые наружу.
const (
	KindNotFound            = "NOT_FOUND"
	KindInactive            = "INACTIVE"
	KindExpired             = "EXPIRED"
	KindNotYetValid         = "NOT_YET_VALID"
	KindMinPurchaseNotMet   = "MIN_PURCHASE_NOT_MET"
	KindGlobalLimitReached  = "GLOBAL_LIMIT_REACHED"
	KindUserLimitReached    = "USER_LIMIT_REACHED"
	KindAlreadyIssued       = "ALREADY_ISSUED"
	KindAlreadyUsed         = "ALREADY_USED"
	KindOrderConflict       = "ORDER_CONFLICT"
	KindInvalidArgument     = "INVALID_ARGUMENT"
	KindConcurrencyConflict = "CONCURRENCY_CONFLICT"
	KindCodeTaken           = "CODE_TAKEN"
	KindInternal            = "INTERNAL"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrNotFound, KindNotFound},
	{ErrInactive, KindInactive},
	{ErrExpired, KindExpired},
	{ErrNotYetValid, KindNotYetValid},
	{ErrMinPurchaseNotMet, KindMinPurchaseNotMet},
	{ErrGlobalLimitReached, KindGlobalLimitReached},
	{ErrUserLimitReached, KindUserLimitReached},
	{ErrAlreadyIssued, KindAlreadyIssued},
	{ErrAlreadyUsed, KindAlreadyUsed},
	{ErrOrderConflict, KindOrderConflict},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrConcurrencyConflict, KindConcurrencyConflict},
	{ErrCodeTaken, KindCodeTaken},
}

// Kind возвращает код ошибки из таксономии или KindInternal для инфраструктурных сбоев.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsBusiness сообщает, является ли ошибка отказом по бизнес-правилу.
func IsBusiness(err error) bool {
	kind := Kind(err)
	return kind != KindInternal && kind != KindConcurrencyConflict
}

// ReasonOf переводит ошибку правила применимости в причину для Verdict.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInactive):
		return ReasonInactive
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrNotYetValid):
		return ReasonNotYetValid
	case errors.Is(err, ErrMinPurchaseNotMet):
		return ReasonMinPurchaseNotMet
	case errors.Is(err, ErrGlobalLimitReached):
		return ReasonGlobalLimit
	case errors.Is(err, ErrUserLimitReached):
		return ReasonUserLimit
	}
	return Reason(Kind(err))
}
