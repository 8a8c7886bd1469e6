package client

import "fmt"

// ErrorCode enumerates the Client Registry's own error taxonomy, layered on
// top of storage.Error for the handful of cases spec.md §7 names
// specifically for clients (ClientNotFound, InvalidClientSecret,
// ClientPolicyViolation) rather than reusing the generic storage codes.
type ErrorCode string

const (
	ErrCodeClientNotFound        ErrorCode = "client_not_found"
	ErrCodeInvalidClientSecret   ErrorCode = "invalid_client_secret"
	ErrCodeClientPolicyViolation ErrorCode = "client_policy_violation"
	ErrCodeValidation            ErrorCode = "validation"
	ErrCodeConflict              ErrorCode = "conflict"
)

// Error is the error type Register/Update/AuthorizeClient return for
// taxonomy-significant failures. Value carries the conflicting value for
// ErrCodeConflict; it is unused by the other codes.
type Error struct {
	Code    ErrorCode
	Field   string
	Value   string
	Message string
}

func (e Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsErrorCode reports whether err is a client.Error (or *client.Error)
// carrying the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	switch e := err.(type) {
	case Error:
		return e.Code == code
	case *Error:
		return e.Code == code
	default:
		return false
	}
}

func validationErr(field, format string, args ...interface{}) error {
	return Error{Code: ErrCodeValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// ErrClientNotFound builds a ClientNotFound error for clientID.
func ErrClientNotFound(clientID string) error {
	return Error{Code: ErrCodeClientNotFound, Message: fmt.Sprintf("client %q not found", clientID)}
}

// ErrInvalidClientSecret builds an InvalidClientSecret error for clientID.
func ErrInvalidClientSecret(clientID string) error {
	return Error{Code: ErrCodeInvalidClientSecret, Message: fmt.Sprintf("invalid client secret for %q", clientID)}
}

// ErrClientPolicyViolation builds a ClientPolicyViolation error naming the
// offending field (grant_type, response_type, or code_challenge_method).
func ErrClientPolicyViolation(clientID, field string) error {
	return Error{
		Code:    ErrCodeClientPolicyViolation,
		Field:   field,
		Message: fmt.Sprintf("client %q: policy violation on %s", clientID, field),
	}
}

// ErrConflict reports that field already carries value on another client,
// mirroring registration.ErrConflict's field/value taxonomy.
func ErrConflict(field, value string) error {
	return Error{
		Code:    ErrCodeConflict,
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("already in use: %q", value),
	}
}
