package core

import (
	"context"
	"errors"

	apperrors "cross_arb/pkg/errors"
)

// ErrorKind classifies a failure so callers can pick a policy (retry,
// fallback, skip) without string matching.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindNetwork             ErrorKind = "network"
	ErrorKindAuthentication      ErrorKind = "authentication"
	ErrorKindRateLimit           ErrorKind = "rate_limit"
	ErrorKindInsufficientBalance ErrorKind = "insufficient_balance"
	ErrorKindOrder               ErrorKind = "order"
	ErrorKindExchange            ErrorKind = "exchange"
	ErrorKindValidation          ErrorKind = "validation"
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindBudgetExceeded      ErrorKind = "budget_exceeded"
	ErrorKindPrecondition        ErrorKind = "precondition"
)

// KindOf maps an error to its kind. Unrecognized errors classify as
// ErrorKindExchange so adapters never leak an unkinded failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, apperrors.ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, apperrors.ErrAuthenticationFailed), errors.Is(err, apperrors.ErrTimestampOutOfBounds):
		return ErrorKindAuthentication
	case errors.Is(err, apperrors.ErrRateLimitExceeded):
		return ErrorKindRateLimit
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		return ErrorKindInsufficientBalance
	case errors.Is(err, apperrors.ErrOrderRejected),
		errors.Is(err, apperrors.ErrOrderNotFound),
		errors.Is(err, apperrors.ErrDuplicateOrder),
		errors.Is(err, apperrors.ErrInvalidOrderParameter):
		return ErrorKindOrder
	case errors.Is(err, apperrors.ErrNetwork):
		return ErrorKindNetwork
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrInvalidSymbol):
		return ErrorKindValidation
	case errors.Is(err, apperrors.ErrBudgetExceeded):
		return ErrorKindBudgetExceeded
	case errors.Is(err, apperrors.ErrPrecondition):
		return ErrorKindPrecondition
	default:
		return ErrorKindExchange
	}
}

// Retryable reports whether the kind is transient per the venue retry
// policy. Authentication is deliberately excluded.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindNetwork, ErrorKindRateLimit, ErrorKindTimeout:
		return true
	default:
		return false
	}
}
