package mapping

import "fmt"

// Kind classifies a mapping failure.
type Kind string

const (
	KindUnknownField     Kind = "unknown_field"
	KindTypeMismatch     Kind = "type_mismatch"
	KindMissingRequired  Kind = "missing_required"
	KindContractNotFound Kind = "contract_not_found"
	KindInvalidContract  Kind = "invalid_contract"
	KindInvalidPayload   Kind = "invalid_payload"
)

// Error is returned for any failure to turn an inbox payload into an outbound payload.
// It is local to one record.
type Error struct {
	Kind   Kind
	Field  string
	Detail string
}

func (e *Error) Error() string {
	msg := "mapping: " + string(e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" field %q", e.Field)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func newError(kind Kind, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Field: field, Detail: fmt.Sprintf(format, args...)}
}
