package cipher

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/custody/internal/core/domain"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := New([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	return c
}

func TestNew_EmptyKey(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)

	var c *Cipher
	_, err = c.Encrypt("x")
	require.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = c.Decrypt("x")
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	inputs := []string{
		"a",
		"0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		"legal winner thank year wave sausage worth useful legal winner thank yellow",
		strings.Repeat("z", 4096),
	}
	for _, in := range inputs {
		enc, err := c.Encrypt(in)
		require.NoError(t, err)
		assert.NotContains(t, enc, in)

		out, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncrypt_FreshCiphertext(t *testing.T) {
	c := newTestCipher(t)
	a, err := c.Encrypt("secret")
	require.NoError(t, err)
	b, err := c.Encrypt("secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEmptyPassthrough(t *testing.T) {
	c := newTestCipher(t)

	enc, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestDecrypt_Garbage(t *testing.T) {
	c := newTestCipher(t)
	valid, err := c.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(valid)
	require.NoError(t, err)
	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0xff
	badVersion := append([]byte(nil), raw...)
	badVersion[0] = 9

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
		{"tampered tag", base64.StdEncoding.EncodeToString(flipped)},
		{"bad version", base64.StdEncoding.EncodeToString(badVersion)},
		{"random bytes", base64.StdEncoding.EncodeToString(make([]byte, 64))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Decrypt(tt.input)
			require.ErrorIs(t, err, domain.ErrDecryptionFailure)
			assert.Empty(t, out)
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	c := newTestCipher(t)
	enc, err := c.Encrypt("secret")
	require.NoError(t, err)

	other, err := New([]byte(strings.Repeat("o", 32)))
	require.NoError(t, err)
	_, err = other.Decrypt(enc)
	require.ErrorIs(t, err, domain.ErrDecryptionFailure)
}

func TestParseKey(t *testing.T) {
	generated, err := GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{"generated", generated, 32, false},
		{"hex", "hex:" + strings.Repeat("ab", 32), 32, false},
		{"raw", strings.Repeat("r", 40), 40, false},
		{"empty", "", 0, true},
		{"short", "hex:abcd", 0, true},
		{"bad hex", "hex:zz", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, tt.wantLen)
		})
	}
}
