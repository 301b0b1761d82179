package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrongNonceUnique(t *testing.T) {
	gen, err := NewNonceGenerator(NonceStrong, 0)
	require.NoError(t, err)
	require.Equal(t, DefaultNonceBits, gen.Bits())

	seen := make(map[string]struct{})
	for i := 0; i < 2000; i++ {
		tok, err := gen.Generate()
		require.NoError(t, err)
		require.Equal(t, DefaultNonceBits/8, tok.Len())
		key := string(tok.Bytes())
		_, dup := seen[key]
		require.False(t, dup, "token repeated after %d draws", i)
		seen[key] = struct{}{}
	}
}

func TestStrongNonceMinimumWidthStillUnique(t *testing.T) {
	gen, err := NewNonceGenerator(NonceStrong, MinNonceBits)
	require.NoError(t, err)

	a, err := gen.Generate()
	require.NoError(t, err)
	b, err := gen.Generate()
	require.NoError(t, err)
	require.Equal(t, MinNonceBits/8, a.Len())
	require.False(t, bytes.Equal(a.Bytes(), b.Bytes()))
}

func TestStrongNonceHasFullBitLength(t *testing.T) {
	for _, bits := range []int{MinNonceBits, DefaultNonceBits} {
		gen, err := NewNonceGenerator(NonceStrong, bits)
		require.NoError(t, err)
		for i := 0; i < 4000; i++ {
			tok, err := gen.Generate()
			require.NoError(t, err)
			require.Greater(t, tok.Int().BitLen(), bits-8, "bits=%d draw=%d", bits, i)
			tok.Release()
		}
	}
}

func TestNonceLengthBounds(t *testing.T) {
	for _, bits := range []int{64, 120, 128, 130, 2048} {
		_, err := NewNonceGenerator(NonceStrong, bits)
		assert.ErrorIs(t, err, ErrNonceLength, "bits=%d", bits)
	}
	for _, bits := range []int{MinNonceBits, 256, MaxNonceBits} {
		_, err := NewNonceGenerator(NonceStrong, bits)
		assert.NoError(t, err, "bits=%d", bits)
	}
}

func TestParseNonceMode(t *testing.T) {
	for in, want := range map[string]NonceMode{
		"":       NonceStrong,
		"Strong": NonceStrong,
		"fixed":  NonceFixed,
		"test":   NonceFixed,
		"weak":   NonceWeak,
		"legacy": NonceLegacy,
	} {
		got, err := ParseNonceMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseNonceMode("quantum")
	assert.Error(t, err)
}

func TestTokenRelease(t *testing.T) {
	gen, err := NewNonceGenerator(NonceStrong, 256)
	require.NoError(t, err)
	tok, err := gen.Generate()
	require.NoError(t, err)

	backing := tok.Bytes()
	tok.Release()
	assert.True(t, tok.Released())
	assert.Equal(t, make([]byte, len(backing)), backing)
	tok.Release()

	var nilTok *Token
	nilTok.Release()
	assert.False(t, tok.Equal(tok))
}
