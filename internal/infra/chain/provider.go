// Package chain defines the network-agnostic provider contract.
//
// Each network family (EVM, Solana) implements Provider in its own package.
// Providers are selected once, at registration time, by network name.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
)

// Provider is the capability set every network family implements.
type Provider interface {
	// Network returns the network this provider serves
	Network() domain.Network

	// Type returns the provider family
	Type() domain.NetworkType

	// Initialize establishes connectivity. Calling it again is a no-op.
	Initialize(ctx context.Context) error

	// CreateWallet generates a mnemonic and derives the network's keypair from it
	CreateWallet(ctx context.Context) (*domain.GeneratedWallet, error)

	// GetBalance returns the native balance formatted to the network's precision
	GetBalance(ctx context.Context, address string) (string, error)

	// GetTokenBalance returns "0" when no balance exists and errors only on RPC failure
	GetTokenBalance(ctx context.Context, address, token string) (string, error)

	// GetGasPrice never fails; RPC errors yield a fallback with Source "default"
	GetGasPrice(ctx context.Context) domain.GasPrice

	// SignTransaction signs payload with the given private key
	SignTransaction(ctx context.Context, payload TxPayload, privateKey string) (*SignedTx, error)

	// SendTransaction submits a signed transaction and waits for its receipt
	SendTransaction(ctx context.Context, tx *SignedTx) (*Receipt, error)

	// CheckHealth runs a liveness probe; failures wrap domain.ErrHealthCheckFailure
	CheckHealth(ctx context.Context) error

	// Cleanup releases sockets and stops background loops. Safe to call repeatedly.
	Cleanup() error
}

// TxPayload is what a transaction builder hands to a provider for signing.
type TxPayload struct {
	// From is the signing address
	From string
	// To is the recipient or contract
	To string
	// Value is the native amount in the smallest unit
	Value *big.Int
	// Data is EVM calldata
	Data []byte
	// Raw is a pre-built wire-format transaction, e.g. from a swap router.
	// When set it takes precedence over the fields above.
	Raw []byte
}

// SignedTx is a signed transaction ready for submission.
type SignedTx struct {
	Network domain.Network
	Raw     []byte
	// Hash is the tx hash (EVM) or first signature (Solana)
	Hash string
}

// Receipt is the outcome of a submitted transaction.
type Receipt struct {
	Hash        string
	Status      string
	BlockNumber uint64
	ConfirmedAt time.Time
}

// Receipt statuses.
const (
	ReceiptSuccess   = "success"
	ReceiptReverted  = "reverted"
	ReceiptConfirmed = "confirmed"
	ReceiptPending   = "pending"
)
