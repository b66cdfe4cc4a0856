package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

type InboxStatus string

const (
	StatusReceived   InboxStatus = "RECEIVED"
	StatusProcessing InboxStatus = "PROCESSING"
	StatusSent       InboxStatus = "SENT"
	StatusFailed     InboxStatus = "FAILED"
)

func (s InboxStatus) String() string {
	return string(s)
}

func (s InboxStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// InboxRecord is the DB entity persisted in the adapter_inbox table.
type InboxRecord struct {
	ID              string         `db:"id" json:"id"`
	Source          string         `db:"source" json:"source"`
	ContractName    string         `db:"contract_name" json:"contract_name"`
	ContractVersion int            `db:"contract_version" json:"contract_version"` // 0 = latest
	Payload         types.JSONText `db:"payload" json:"payload"`
	Status          InboxStatus    `db:"status" json:"status"`
	Attempts        int            `db:"attempts" json:"attempts"`
	LastError       string         `db:"last_error" json:"last_error,omitempty"`
	ReceivedAt      time.Time      `db:"received_at" json:"received_at"`
	ClaimedAt       *time.Time     `db:"claimed_at" json:"claimed_at,omitempty"`
	ProcessedAt     *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// Completion closes one processing attempt: the final status of the record and
// the log entry describing the attempt are written together.
type Completion struct {
	InboxID   string
	Status    InboxStatus // SENT | FAILED
	LastError string
	At        time.Time
	Entry     LogEntry
}
