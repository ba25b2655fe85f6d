package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
)

// ErrFeeUnknown fails a transaction whose lane has never produced a fee
// estimate, so its balance cannot be checked.
var ErrFeeUnknown = errors.New("fee estimate unavailable")

// WalletSource resolves the signing wallet of a transaction.
type WalletSource interface {
	ResolveWallet(ctx context.Context, userID string, network domain.Network, address string) (*domain.DecryptedWallet, error)
}

// TxBuilder turns a queued transaction into a payload a provider can sign.
type TxBuilder interface {
	Build(ctx context.Context, tx domain.QueuedTransaction, wallet domain.DecryptedWallet) (chain.TxPayload, error)
}

// TransferBuilder builds native transfers and passes through transactions
// prepared by an external swap router.
type TransferBuilder struct {
	decimals map[domain.Network]int32
}

// NewTransferBuilder creates a builder. Networks missing from decimals use 9
// for Solana and 18 otherwise.
func NewTransferBuilder(decimals map[domain.Network]int32) *TransferBuilder {
	return &TransferBuilder{decimals: decimals}
}

func (b *TransferBuilder) decimalsOf(network domain.Network) int32 {
	if d, ok := b.decimals[network]; ok {
		return d
	}
	if domain.DefaultNetworkTypes[network] == domain.NetworkTypeSolana {
		return 9
	}
	return 18
}

func (b *TransferBuilder) Build(ctx context.Context, tx domain.QueuedTransaction, wallet domain.DecryptedWallet) (chain.TxPayload, error) {
	if len(tx.RawTransaction) > 0 {
		return chain.TxPayload{From: wallet.Address, Raw: tx.RawTransaction}, nil
	}
	if tx.Type != domain.TxTypeTransfer {
		return chain.TxPayload{}, fmt.Errorf("%w: %s on %s needs a prepared transaction", domain.ErrInvalidTransactionFormat, tx.Type, tx.Network)
	}
	if tx.Recipient == "" {
		return chain.TxPayload{}, fmt.Errorf("%w: transfer without recipient", domain.ErrInvalidTransactionFormat)
	}
	amount, err := parseAmount(tx.Amount)
	if err != nil {
		return chain.TxPayload{}, err
	}
	return chain.TxPayload{
		From:  wallet.Address,
		To:    tx.Recipient,
		Value: amount.Shift(b.decimalsOf(tx.Network)).BigInt(),
	}, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q: %v", domain.ErrInvalidTransactionFormat, s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative amount %s", domain.ErrInvalidTransactionFormat, s)
	}
	return d, nil
}

// estimatedCost is the native amount the wallet must hold. Sells spend a
// token, so only the fee counts.
func estimatedCost(tx domain.QueuedTransaction, gas domain.GasPrice) (decimal.Decimal, error) {
	if tx.Type == domain.TxTypeSell {
		return gas.NativeFee, nil
	}
	amount, err := parseAmount(tx.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Add(gas.NativeFee), nil
}

// knownFee returns the lane's gas snapshot, refreshing it first when no fee
// has been observed yet. A stale snapshot keeps its last known fee.
func (d *Dispatcher) knownFee(ctx context.Context, l *lane) (domain.GasPrice, error) {
	gas := l.gasPrice()
	if gas.NativeFee.IsPositive() {
		return gas, nil
	}
	l.refreshGas(ctx, d.cfg.GasTimeout)
	gas = l.gasPrice()
	if !gas.NativeFee.IsPositive() {
		return gas, fmt.Errorf("%w on %s", ErrFeeUnknown, l.network)
	}
	return gas, nil
}

func (d *Dispatcher) processTransaction(ctx context.Context, l *lane, tx domain.QueuedTransaction) (*domain.TxResult, error) {
	wallet, err := d.wallets.ResolveWallet(ctx, tx.UserID, tx.Network, tx.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet: %w", err)
	}
	if wallet == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrWalletNotFound, tx.WalletAddress)
	}

	raw, err := l.provider.GetBalance(ctx, wallet.Address)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	gas, err := d.knownFee(ctx, l)
	if err != nil {
		return nil, err
	}
	cost, err := estimatedCost(tx, gas)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(cost) {
		return nil, fmt.Errorf("%w: balance %s is below estimated cost %s", domain.ErrInsufficientBalance, balance, cost)
	}

	payload, err := d.builder.Build(ctx, tx, *wallet)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	signed, err := l.provider.SignTransaction(ctx, payload, wallet.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	d.log.Info("Submitting transaction", "id", tx.ID, "network", tx.Network, "hash", signed.Hash)
	receipt, err := l.provider.SendTransaction(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("send transaction %s: %w", signed.Hash, err)
	}
	return &domain.TxResult{
		Hash:        receipt.Hash,
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber,
		Wallet:      wallet.Address,
	}, nil
}
