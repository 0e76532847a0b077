package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountRestricted        = errors.New("account restricted")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidEntryType         = errors.New("invalid entry type")
	ErrInvalidActor             = errors.New("invalid actor")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidReason            = errors.New("invalid reason")
	ErrInvalidRate              = errors.New("invalid commission rate")
	ErrInvalidSourceEventID     = errors.New("invalid source event id")
	ErrInvalidCommissionID      = errors.New("invalid commission id")
	ErrDuplicateMutation        = errors.New("duplicate mutation")
	ErrLedgerInvariantViolation = errors.New("ledger invariant violation")
	ErrCommissionExists         = errors.New("commission already exists")
	ErrUnknownCommission        = errors.New("unknown commission")
	ErrCommissionNotApproved    = errors.New("commission not approved")
	ErrCommissionClosed         = errors.New("commission closed")
	ErrCommissionAlreadySettled = errors.New("commission already settled")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
