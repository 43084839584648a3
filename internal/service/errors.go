package service

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable identifier of a business error
type ErrorCode string

const (
	CodeValidation             ErrorCode = "VALIDATION_ERROR"
	CodeUserNotFound           ErrorCode = "USER_NOT_FOUND"
	CodeRewardNotFound         ErrorCode = "REWARD_NOT_FOUND"
	CodeRedemptionNotFound     ErrorCode = "REDEMPTION_NOT_FOUND"
	CodeInsufficientBalance    ErrorCode = "INSUFFICIENT_BALANCE"
	CodeOutOfStock             ErrorCode = "OUT_OF_STOCK"
	CodeNoCodeAvailable        ErrorCode = "NO_CODE_AVAILABLE"
	CodeRewardInactive         ErrorCode = "REWARD_INACTIVE"
	CodeGuestNotAllowed        ErrorCode = "GUEST_NOT_ALLOWED"
	CodeUserBanned             ErrorCode = "USER_BANNED"
	CodeAlreadyProcessed       ErrorCode = "ALREADY_PROCESSED"
	CodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	CodeUnauthorized           ErrorCode = "UNAUTHORIZED"
	CodeTransientConflict      ErrorCode = "TRANSIENT_CONFLICT"
	CodeInternal               ErrorCode = "INTERNAL"
)

// Error is a business error with a stable code. Two errors match under
// errors.Is when their codes are equal, so callers compare against the
// sentinels below regardless of message or cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// withCause returns a copy of e carrying err as its cause.
func (e *Error) withCause(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Err: err}
}

var (
	ErrUserNotFound           = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrRewardNotFound         = &Error{Code: CodeRewardNotFound, Message: "reward not found"}
	ErrRedemptionNotFound     = &Error{Code: CodeRedemptionNotFound, Message: "redemption not found"}
	ErrInsufficientBalance    = &Error{Code: CodeInsufficientBalance, Message: "insufficient points"}
	ErrOutOfStock             = &Error{Code: CodeOutOfStock, Message: "reward is out of stock"}
	ErrNoCodeAvailable        = &Error{Code: CodeNoCodeAvailable, Message: "no redemption code available"}
	ErrRewardInactive         = &Error{Code: CodeRewardInactive, Message: "reward is not active"}
	ErrGuestNotAllowed        = &Error{Code: CodeGuestNotAllowed, Message: "guest accounts cannot redeem rewards"}
	ErrUserBanned             = &Error{Code: CodeUserBanned, Message: "account is banned"}
	ErrAlreadyProcessed       = &Error{Code: CodeAlreadyProcessed, Message: "redemption already processed"}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition, Message: "invalid redemption state transition"}
	ErrUnauthorized           = &Error{Code: CodeUnauthorized, Message: "not authorized"}
	ErrTransientConflict      = &Error{Code: CodeTransientConflict, Message: "conflicting concurrent update, retry with the same idempotency key"}
)

// ValidationError reports malformed input
func ValidationError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is any of the not-found errors
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrRedemptionNotFound)
}

// CodeOf returns the business code carried by err, or CodeInternal
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
