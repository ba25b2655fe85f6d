package domain

import (
	"log/slog"
	"time"
)

// WalletKind distinguishes custodied wallets from externally connected ones.
type WalletKind string

const (
	WalletKindInternal WalletKind = "internal"
	WalletKindExternal WalletKind = "external"
)

// WalletRecord is the persisted form of a custodied wallet.
// Secret fields hold Cipher output only.
type WalletRecord struct {
	Network             Network    `json:"network"`
	Address             string     `json:"address"`
	EncryptedPrivateKey string     `json:"encrypted_private_key"`
	EncryptedMnemonic   string     `json:"encrypted_mnemonic,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	IsAutonomous        bool       `json:"is_autonomous"`
	Kind                WalletKind `json:"kind"`
}

// LogValue keeps ciphertext out of log output.
func (w WalletRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("network", string(w.Network)),
		slog.String("address", w.Address),
		slog.Bool("autonomous", w.IsAutonomous),
	)
}

// Summary strips secret fields from the record.
func (w WalletRecord) Summary() WalletSummary {
	return WalletSummary{
		Network:      w.Network,
		Address:      w.Address,
		CreatedAt:    w.CreatedAt,
		IsAutonomous: w.IsAutonomous,
		Kind:         w.Kind,
	}
}

// WalletSummary is the listing view of a wallet, safe to hand to any caller.
type WalletSummary struct {
	Network      Network    `json:"network"`
	Address      string     `json:"address"`
	CreatedAt    time.Time  `json:"created_at"`
	IsAutonomous bool       `json:"is_autonomous"`
	Kind         WalletKind `json:"kind"`
}

// DecryptedWallet is the transient plaintext view of a wallet.
type DecryptedWallet struct {
	Address      string
	PrivateKey   string
	Mnemonic     string
	Network      Network
	Kind         WalletKind
	IsAutonomous bool
}

func (w DecryptedWallet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("network", string(w.Network)),
		slog.String("address", w.Address),
	)
}

// GeneratedWallet is the output of a provider's wallet generation.
type GeneratedWallet struct {
	Address    string
	PrivateKey string
	Mnemonic   string
}

func (w GeneratedWallet) LogValue() slog.Value {
	return slog.StringValue(w.Address)
}
