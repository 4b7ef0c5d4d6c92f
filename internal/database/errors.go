package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03":
			return ErrorClassTransient
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

var (
	ErrMemberNotFound  = errors.New("member not found")
	ErrListingNotFound = errors.New("listing not found")
	ErrItemNotFound    = errors.New("item not found")
	ErrOrderNotFound   = errors.New("order not found")

	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrDuplicateMember    = errors.New("nickname already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Lifecycle guards. The listing/order/deal statuses form small state
	// machines; these reject transitions the machines do not define.
	ErrListingCancelled      = errors.New("listing already cancelled")
	ErrOrderAlreadyCancelled = errors.New("order already cancelled")
	ErrDealCompleted         = errors.New("deal already completed")

	ErrOptimisticLockFailed = errors.New("optimistic lock failed")
	ErrLockTimeout          = errors.New("lock timeout")
)
