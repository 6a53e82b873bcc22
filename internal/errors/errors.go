// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated      = errors.New("not authenticated")
	ErrSessionExpired        = errors.New("session expired")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrFeedUnavailable       = errors.New("feed unavailable")
	ErrFeedStale             = errors.New("feed stale")
	ErrMarketClosed          = errors.New("market is closed")
	ErrOrderRejected         = errors.New("order rejected")
	ErrOrderNotFound         = errors.New("order not found")
	ErrPositionNotFound      = errors.New("position not found")
	ErrContractNotFound      = errors.New("contract not found")
	ErrRateLimited           = errors.New("rate limited")
	ErrTimeout               = errors.New("operation timed out")
	ErrConfigInvalid         = errors.New("invalid configuration")
	ErrDatabaseError         = errors.New("database error")
	ErrReconciliationConflict = errors.New("fill event references unknown order")
)

// FeedError represents a market data feed failure.
type FeedError struct {
	Op      string // connect, subscribe, read
	Attempt int
	Fatal   bool
	Err     error
}

func (e *FeedError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("feed error [%s] attempt %d (fatal): %v", e.Op, e.Attempt, e.Err)
	}
	return fmt.Sprintf("feed error [%s] attempt %d: %v", e.Op, e.Attempt, e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// NewFeedError creates a new FeedError.
func NewFeedError(op string, attempt int, fatal bool, err error) *FeedError {
	return &FeedError{Op: op, Attempt: attempt, Fatal: fatal, Err: err}
}

// RejectReason is a broker rejection code.
type RejectReason string

const (
	RejectTimeout       RejectReason = "TIMEOUT"
	RejectRateLimited   RejectReason = "RATE_LIMITED"
	RejectAuthExpired   RejectReason = "AUTH_EXPIRED"
	RejectMarginShort   RejectReason = "MARGIN_SHORTFALL"
	RejectInvalidOrder  RejectReason = "INVALID_ORDER"
	RejectMarketClosed  RejectReason = "MARKET_CLOSED"
	RejectUnknown       RejectReason = "UNKNOWN"
)

// Retryable reports whether an order rejected for this reason may be
// resubmitted. Auth expiry and structural rejections are permanent.
func (r RejectReason) Retryable() bool {
	switch r {
	case RejectTimeout, RejectRateLimited:
		return true
	}
	return false
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  RejectReason
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed order action may be retried.
func (e *OrderError) Retryable() bool {
	return e.Reason.Retryable()
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action string, reason RejectReason, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{Code: code, Message: message, Err: err}
}

// RiskError represents a risk limit violation.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{Rule: rule, Current: current, Limit: limit, Message: message}
}

// ValidationError represents a configuration or input validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
