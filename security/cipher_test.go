package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	clientCreds, _ := loadTestCredentials(t)
	priv, err := clientCreds.PrivateKey()
	require.NoError(t, err)

	for _, bits := range []int{MinNonceBits, DefaultNonceBits, MaxNonceBits} {
		gen, err := NewNonceGenerator(NonceStrong, bits)
		require.NoError(t, err)
		tok, err := gen.Generate()
		require.NoError(t, err)

		env, err := Encrypt(tok, &priv.PublicKey, SlotClientToken)
		require.NoError(t, err, "bits=%d", bits)
		assert.False(t, bytes.Equal(env.Ciphertext, tok.Bytes()))

		got, err := Decrypt(env, priv, SlotClientToken, tok.Len())
		require.NoError(t, err)
		assert.True(t, tok.Equal(got))

		got, err = Decrypt(env, priv, SlotClientToken, 0)
		require.NoError(t, err)
		assert.True(t, tok.Equal(got))
	}
}

func TestDecryptRejectsWrongSlotAndWidth(t *testing.T) {
	clientCreds, _ := loadTestCredentials(t)
	priv, err := clientCreds.PrivateKey()
	require.NoError(t, err)

	gen, err := NewNonceGenerator(NonceStrong, 256)
	require.NoError(t, err)
	tok, err := gen.Generate()
	require.NoError(t, err)
	env, err := Encrypt(tok, &priv.PublicKey, SlotServerToken)
	require.NoError(t, err)

	_, err = Decrypt(env, priv, SlotClientToken, tok.Len())
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	// The slot label is bound into the ciphertext.
	moved := &Envelope{Slot: SlotClientToken, Ciphertext: env.Ciphertext}
	_, err = Decrypt(moved, priv, SlotClientToken, tok.Len())
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = Decrypt(env, priv, SlotServerToken, tok.Len()+1)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Decrypt(nil, priv, SlotServerToken, tok.Len())
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	clientCreds, serverCreds := loadTestCredentials(t)
	clientKey, err := clientCreds.PrivateKey()
	require.NoError(t, err)
	serverKey, err := serverCreds.PrivateKey()
	require.NoError(t, err)

	gen, err := NewNonceGenerator(NonceStrong, 0)
	require.NoError(t, err)
	tok, err := gen.Generate()
	require.NoError(t, err)
	env, err := Encrypt(tok, &clientKey.PublicKey, SlotClientToken)
	require.NoError(t, err)

	_, err = Decrypt(env, serverKey, SlotClientToken, tok.Len())
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestEncryptReleasedToken(t *testing.T) {
	clientCreds, _ := loadTestCredentials(t)
	priv, err := clientCreds.PrivateKey()
	require.NoError(t, err)

	gen, err := NewNonceGenerator(NonceStrong, 0)
	require.NoError(t, err)
	tok, err := gen.Generate()
	require.NoError(t, err)
	tok.Release()

	_, err = Encrypt(tok, &priv.PublicKey, SlotClientToken)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestEnvelopeRelease(t *testing.T) {
	env := &Envelope{Slot: SlotClientToken, Ciphertext: []byte{1, 2, 3}}
	backing := env.Ciphertext
	env.Release()
	assert.Equal(t, []byte{0, 0, 0}, backing)
	assert.Zero(t, env.Len())

	var nilEnv *Envelope
	nilEnv.Release()
	assert.Zero(t, nilEnv.Len())
}
