package model

import "time"

type LogOutcome string

const (
	OutcomeSuccess LogOutcome = "SUCCESS"
	OutcomeFailure LogOutcome = "FAILURE"
)

func (o LogOutcome) String() string { return string(o) }

func (o LogOutcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

type ErrorKind string

const (
	ErrorKindNone     ErrorKind = ""
	ErrorKindMapping  ErrorKind = "MAPPING"
	ErrorKindDispatch ErrorKind = "DISPATCH"
)

// LogEntry records one processing attempt (adapter_logs table). Immutable once written.
type LogEntry struct {
	ID           string     `db:"id" json:"id"`
	InboxID      string     `db:"inbox_id" json:"inbox_id"`
	Attempt      int        `db:"attempt" json:"attempt"`
	Outcome      LogOutcome `db:"outcome" json:"outcome"`
	ErrorKind    ErrorKind  `db:"error_kind" json:"error_kind,omitempty"`
	ResponseCode *int       `db:"response_code" json:"response_code,omitempty"`
	Message      string     `db:"message" json:"message"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}
