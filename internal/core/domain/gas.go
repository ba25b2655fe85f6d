package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// GasSource tags where a gas-price snapshot came from.
type GasSource string

const (
	GasSourceLive        GasSource = "live"
	GasSourceDefault     GasSource = "default"
	GasSourceUnavailable GasSource = "unavailable"
)

// GasPrice is a per-network gas-price snapshot.
type GasPrice struct {
	Network   Network   `json:"network"`
	Price     *big.Int  `json:"price"` // smallest unit (wei, lamports)
	Formatted string    `json:"formatted"`
	Source    GasSource `json:"source"`
	// NativeFee is the estimated fee of one transaction in native units.
	NativeFee decimal.Decimal `json:"native_fee"`
	UpdatedAt time.Time       `json:"updated_at"`
}
