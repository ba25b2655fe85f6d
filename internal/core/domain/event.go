package domain

import "time"

// EventType names a notification emitted by custody or dispatch.
type EventType string

const (
	EventWalletCreated       EventType = "walletCreated"
	EventWalletDeleted       EventType = "walletDeleted"
	EventMetricsUpdated      EventType = "metricsUpdated"
	EventTransactionComplete EventType = "transactionComplete"
	EventTransactionFailed   EventType = "transactionFailed"
	EventQueuePaused         EventType = "queuePaused"
	EventQueueResumed        EventType = "queueResumed"
)

// Event is a best-effort notification. It never carries secret material.
type Event struct {
	Type      EventType      `json:"type"`
	Network   Network        `json:"network,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Address   string         `json:"address,omitempty"`
	TxID      string         `json:"tx_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
