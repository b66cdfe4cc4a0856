package model

import "time"

// InboxEvent is published to Kafka when a record lands in the inbox; relays use it as a wake-up.
type InboxEvent struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	ContractName string    `json:"contract_name"`
	ReceivedAt   time.Time `json:"received_at"`
}
