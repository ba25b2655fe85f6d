package domain

import "errors"

var (
	// ErrConfiguration is returned when required configuration such as the encryption key is missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrUnsupportedNetwork is returned for networks with no registered provider or queue.
	ErrUnsupportedNetwork = errors.New("unsupported network")
	// ErrWalletNotFound is returned where an operation needs a wallet that does not exist.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrDecryptionFailure is returned for corrupt ciphertext or a wrong key.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrInsufficientBalance is returned when a wallet cannot cover a transaction's estimated cost.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidTransactionFormat is returned when a queued transaction misses required fields.
	ErrInvalidTransactionFormat = errors.New("invalid transaction format")
	// ErrAllRpcEndpointsFailed is returned when every endpoint of a pool failed its probe.
	ErrAllRpcEndpointsFailed = errors.New("all rpc endpoints failed")
	// ErrHealthCheckFailure is returned when a provider liveness probe fails.
	ErrHealthCheckFailure = errors.New("health check failure")
	// ErrCircuitOpen is returned when a breaker rejects a call without attempting it.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrProviderInitializationTimeout is returned when a provider does not initialize in time.
	ErrProviderInitializationTimeout = errors.New("provider initialization timeout")
)

// IsRetryLater reports whether err is a backpressure signal the caller should retry later.
func IsRetryLater(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
