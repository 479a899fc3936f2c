package capability

import (
	"errors"
	"fmt"

	"github.com/FossRust/wasi-warden/wireformat"
)

// Kind is the closed enumeration of capability error kinds. The set is part
// of the guest-facing API and must stay stable.
type Kind string

const (
	KindPermissionDenied Kind = "PermissionDenied"
	KindNotFound         Kind = "NotFound"
	KindEncodingError    Kind = "EncodingError"
	KindSchemaError      Kind = "SchemaError"
	KindUnknownAlias     Kind = "UnknownAlias"
	KindUnknownHandle    Kind = "UnknownHandle"
	KindTimeout          Kind = "Timeout"
	KindExternalFailure  Kind = "ExternalFailure"
	KindBudgetExceeded   Kind = "BudgetExceeded"
	KindGuestTrap        Kind = "GuestTrap"
)

// Error is the structured error returned by every capability operation.
type Error struct {
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a capability error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError normalizes any error into a capability error. Unclassified errors
// come back as ExternalFailure, since they originate in a subsystem the host
// does not control.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr
	}
	return &Error{Kind: KindExternalFailure, Message: err.Error()}
}

// Detail converts an error into the wire representation for a report.
func Detail(err error) *wireformat.ErrorDetail {
	capErr := AsError(err)
	if capErr == nil {
		return nil
	}
	return &wireformat.ErrorDetail{Kind: string(capErr.Kind), Message: capErr.Message}
}

// KindOf reports the kind of an error, or ExternalFailure for foreign errors.
func KindOf(err error) Kind {
	capErr := AsError(err)
	if capErr == nil {
		return ""
	}
	return capErr.Kind
}
