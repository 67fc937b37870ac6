package services

import (
	"errors"
	"fmt"

	"github.com/Tonytony5278/narc-sub001/repositories"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeContention   ErrorType = "contention"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeIntegrity    ErrorType = "integrity"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrSafetyEventNotFound = NewDomainError(ErrorTypeNotFound, "safety event not found", nil)

	// Validation Errors
	ErrInvalidInput          = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidAction         = NewDomainError(ErrorTypeValidation, "unknown ledger action", nil)
	ErrInvalidActorRole      = NewDomainError(ErrorTypeValidation, "unknown actor role", nil)
	ErrInvalidSeverity       = NewDomainError(ErrorTypeValidation, "unknown severity", nil)
	ErrInvalidWorkflowStatus = NewDomainError(ErrorTypeValidation, "unknown workflow status", nil)
	ErrInvalidRange          = NewDomainError(ErrorTypeValidation, "invalid sequence range", nil)
	ErrInvalidSnapshot       = NewDomainError(ErrorTypeValidation, "snapshot is not encodable as JSON", nil)

	// Authorization Errors
	ErrActorRequired = NewDomainError(ErrorTypeUnauthorized, "an authenticated actor is required", nil)

	// Permission Errors
	ErrReservedActor = NewDomainError(ErrorTypeForbidden, "reserved system identity cannot perform this action", nil)

	// Contention Errors
	ErrLedgerContention = NewDomainError(ErrorTypeContention, "ledger is busy, retry later", nil)

	// Internal Errors
	ErrLedgerPersistence = NewDomainError(ErrorTypeInternal, "ledger entry could not be persisted", nil)

	// Integrity Errors
	ErrChainDivergence = NewDomainError(ErrorTypeIntegrity, "ledger hash chain diverges", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeValidation
	}
	return false
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeUnauthorized
	}
	return false
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeForbidden
	}
	return false
}

// IsContentionError checks if an error is a retryable ledger contention error
func IsContentionError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeContention
	}
	return false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInternal
	}
	return false
}

// IsIntegrityError checks if an error reports a broken hash chain
func IsIntegrityError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeIntegrity
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapLedgerError classifies a repository append failure as contention or persistence
func WrapLedgerError(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, repositories.ErrLedgerLockTimeout) {
		return NewDomainError(ErrorTypeContention, ErrLedgerContention.Message, err)
	}
	return NewDomainError(ErrorTypeInternal, ErrLedgerPersistence.Message, err)
}

// WrapRepositoryError maps a not-found from storage onto the given sentinel,
// everything else onto an internal error
func WrapRepositoryError(notFound *DomainError, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return NewDomainError(notFound.Type, notFound.Message, err)
	}
	return WrapInternal("storage failure", err)
}
