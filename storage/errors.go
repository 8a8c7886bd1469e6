package storage

import "fmt"

// ErrorCode enumerates the taxonomy of storage-level failures a Store
// implementation can return. Callers should prefer IsErrorCode/Code over
// comparing against sentinel error values, since the concrete Go error a
// backend returns may wrap driver-specific detail.
type ErrorCode string

const (
	// ErrNotFound is returned when a Get/GetBy/Delete targets a document
	// that does not exist in the collection.
	ErrNotFound ErrorCode = "not_found"

	// ErrAlreadyExists is returned when an Upsertor targeting a specific id
	// collides with an existing document of that id on a create.
	ErrAlreadyExists ErrorCode = "already_exists"

	// ErrConflict is returned when a unique index other than the primary
	// key is violated. Details carries the offending (field, value).
	ErrConflict ErrorCode = "conflict"

	// ErrVersionConflict is returned when an Upsertor was constructed with
	// a required version and the stored version has since advanced.
	ErrVersionConflict ErrorCode = "version_conflict"

	// ErrNotImplemented is returned by a backend capability that a given
	// store does not support.
	ErrNotImplemented ErrorCode = "not_implemented"

	// ErrProviderOffline signals the backing store is unreachable; callers
	// may retry later.
	ErrProviderOffline ErrorCode = "provider_offline"

	// ErrProviderInternal is a catch-all for backend-specific failures that
	// do not fit a more specific code.
	ErrProviderInternal ErrorCode = "provider_internal"
)

// Error is the error type every Store implementation returns for
// taxonomy-significant failures. Field and Value are populated for
// ErrConflict; Collection and ID identify the document involved where
// applicable.
type Error struct {
	Code       ErrorCode
	Collection string
	ID         string
	Field      string
	Value      string
	Details    string
}

func (e Error) Error() string {
	switch e.Code {
	case ErrConflict:
		return fmt.Sprintf("%s: collection %q field %q value %q", e.Code, e.Collection, e.Field, e.Value)
	case ErrNotFound, ErrAlreadyExists:
		if e.ID != "" {
			return fmt.Sprintf("%s: collection %q id %q", e.Code, e.Collection, e.ID)
		}
		return fmt.Sprintf("%s: collection %q", e.Code, e.Collection)
	default:
		if e.Details != "" {
			return fmt.Sprintf("%s: %s", e.Code, e.Details)
		}
		return string(e.Code)
	}
}

// IsErrorCode reports whether err is a storage.Error (or *storage.Error)
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

// NotFound builds an ErrNotFound error for the given collection/id.
func NotFound(collection, id string) error {
	return Error{Code: ErrNotFound, Collection: collection, ID: id}
}

// Conflict builds an ErrConflict error for a unique-index violation.
func Conflict(collection, field, value string) error {
	return Error{Code: ErrConflict, Collection: collection, Field: field, Value: value}
}

// VersionConflict builds an ErrVersionConflict error.
func VersionConflict(collection, id string) error {
	return Error{Code: ErrVersionConflict, Collection: collection, ID: id}
}
