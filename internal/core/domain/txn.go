package domain

import (
	"time"
)

// TxType is the kind of trade carried by a queued transaction.
type TxType string

const (
	TxTypeBuy      TxType = "buy"
	TxTypeSell     TxType = "sell"
	TxTypeTransfer TxType = "transfer"
)

// TxStatus is the lifecycle state of a queued transaction.
type TxStatus string

const (
	TxStatusPending  TxStatus = "pending"
	TxStatusComplete TxStatus = "complete"
	TxStatusFailed   TxStatus = "failed"
)

// QueuedTransaction is a trade request owned by the dispatch queue of its network.
type QueuedTransaction struct {
	ID            string     `json:"id"`
	Type          TxType     `json:"type"`
	Network       Network    `json:"network"`
	UserID        string     `json:"user_id"`
	WalletAddress string     `json:"wallet_address,omitempty"`
	TokenAddress  string     `json:"token_address,omitempty"`
	Recipient     string     `json:"recipient,omitempty"`
	Amount        string     `json:"amount,omitempty"`
	Priority      int        `json:"priority"`
	Status        TxStatus   `json:"status"`
	Result        *TxResult  `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	AddedAt       time.Time  `json:"added_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	// RawTransaction is an unsigned transaction prepared by an external swap
	// router. When set it is signed as-is.
	RawTransaction []byte `json:"raw_transaction,omitempty"`
}

// TxResult is the payload recorded for a completed transaction.
type TxResult struct {
	Hash        string `json:"hash"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Wallet      string `json:"wallet"`
}

// Settled reports whether the transaction reached a terminal status.
func (t *QueuedTransaction) Settled() bool {
	return t.Status == TxStatusComplete || t.Status == TxStatusFailed
}
