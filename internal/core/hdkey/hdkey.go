// Package hdkey derives deterministic wallet keys from BIP-39 mnemonics.
//
// secp256k1 keys follow BIP-32 and ed25519 keys follow SLIP-10, which only
// defines hardened children.
package hdkey

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cosmos/go-bip39"
	"github.com/decred/dcrd/hdkeychain/v3"
)

// HardenedOffset is the first hardened child index.
const HardenedOffset uint32 = 0x80000000

// Derivation paths used by the providers.
const (
	PathEthereum = "m/44'/60'/0'/0/0"
	PathSolana   = "m/44'/501'/0'/0'"
)

var (
	ErrInvalidPath = errors.New("invalid derivation path")
	ErrInvalidKey  = errors.New("derived key is invalid")
	ErrNonHardened = errors.New("ed25519 derivation supports hardened children only")
	ErrBadMnemonic = errors.New("invalid mnemonic")
	ed25519Domain  = []byte("ed25519 seed")
)

// NewMnemonic returns a fresh BIP-39 mnemonic with the given entropy size (128 → 12 words, 256 → 24 words).
func NewMnemonic(bits int) (string, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("new entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// SeedFromMnemonic validates the mnemonic and returns its 64-byte seed.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrBadMnemonic
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}

// ParsePath parses paths like "m/44'/60'/0'/0/0". Both ' and h mark hardened indexes.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	indexes := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimRight(p, "'h")
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || uint32(n) >= HardenedOffset {
			return nil, fmt.Errorf("%w: segment %q", ErrInvalidPath, p)
		}
		idx := uint32(n)
		if hardened {
			idx += HardenedOffset
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// DeriveSecp256k1 derives a 32-byte secp256k1 private key along path (BIP-32).
func DeriveSecp256k1(seed []byte, path string) ([]byte, error) {
	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewMaster(seed, bip32Net{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	for _, idx := range indexes {
		// ChildBIP32Std keeps leading zero bytes of hardened parents, as BIP-32 requires.
		key, err = key.ChildBIP32Std(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: index %d: %v", ErrInvalidKey, idx, err)
		}
	}
	return key.SerializedPrivKey()
}

// bip32Net carries the Bitcoin mainnet extended-key versions. Only raw keys
// leave this package.
type bip32Net struct{}

func (bip32Net) HDPrivKeyVersion() [4]byte { return [4]byte{0x04, 0x88, 0xad, 0xe4} }
func (bip32Net) HDPubKeyVersion() [4]byte  { return [4]byte{0x04, 0x88, 0xb2, 0x1e} }

// DeriveEd25519 derives a 32-byte ed25519 seed along path (SLIP-10).
func DeriveEd25519(seed []byte, path string) ([]byte, error) {
	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	key, chainCode := split(hmacSHA512(ed25519Domain, seed))
	for _, idx := range indexes {
		if idx < HardenedOffset {
			return nil, ErrNonHardened
		}
		data := make([]byte, 0, 37)
		data = append(data, 0x00)
		data = append(data, key...)
		data = binary.BigEndian.AppendUint32(data, idx)
		key, chainCode = split(hmacSHA512(chainCode, data))
	}
	return key, nil
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func split(b []byte) ([]byte, []byte) {
	return b[:32], b[32:]
}
