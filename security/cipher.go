package security

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"

	"github.com/pkg/errors"
)

// TokenSlot says which token an envelope carries. It is bound into the
// ciphertext as the OAEP label, so an envelope cannot be replayed into the
// other slot.
type TokenSlot int

const (
	// SlotClientToken carries token A, generated by the client.
	SlotClientToken TokenSlot = iota + 1
	// SlotServerToken carries token B, generated by the server.
	SlotServerToken
)

func (s TokenSlot) label() []byte {
	switch s {
	case SlotClientToken:
		return []byte("uda-auth token A")
	case SlotServerToken:
		return []byte("uda-auth token B")
	}
	return nil
}

func (s TokenSlot) String() string {
	switch s {
	case SlotClientToken:
		return "A"
	case SlotServerToken:
		return "B"
	}
	return "?"
}

// MaxEnvelopeSize bounds ciphertexts accepted from the wire.
const MaxEnvelopeSize = 4096

// Envelope is a token encrypted under the recipient's public key.
type Envelope struct {
	Slot       TokenSlot
	Ciphertext []byte
}

// Len returns the ciphertext length.
func (e *Envelope) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Ciphertext)
}

// Release zeroes and drops the ciphertext. Safe on nil.
func (e *Envelope) Release() {
	if e == nil {
		return
	}
	wipe(e.Ciphertext)
	e.Ciphertext = nil
}

// Encrypt encrypts token under pub with RSA-OAEP-SHA256. It fails with
// ErrPoorEncryption if the ciphertext equals the plaintext, whether
// compared as bytes or as integers.
func Encrypt(token *Token, pub *rsa.PublicKey, slot TokenSlot) (*Envelope, error) {
	if token == nil || token.Released() {
		return nil, errors.Wrap(ErrSessionClosed, "encrypting a released token")
	}
	if pub == nil {
		return nil, errors.Wrap(ErrUnsupportedKey, "missing public key")
	}

	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, token.Bytes(), slot.label())
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "encrypting token %s: %v", slot, err)
	}

	if bytes.Equal(ct, token.Bytes()) || new(big.Int).SetBytes(ct).Cmp(token.Int()) == 0 {
		wipe(ct)
		return nil, ErrPoorEncryption
	}

	return &Envelope{Slot: slot, Ciphertext: ct}, nil
}

// Decrypt recovers a token of width bytes from env with priv. The envelope
// must be for slot. A width of zero or less accepts any token length the
// nonce generator can produce.
func Decrypt(env *Envelope, priv *rsa.PrivateKey, slot TokenSlot, width int) (*Token, error) {
	if env == nil || len(env.Ciphertext) == 0 {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "missing token %s", slot)
	}
	if env.Slot != slot {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "expected token %s, got %s", slot, env.Slot)
	}
	if priv == nil {
		return nil, errors.Wrap(ErrUnsupportedKey, "missing private key")
	}

	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, env.Ciphertext, slot.label())
	if err != nil {
		return nil, errors.Wrapf(ErrDecryption, "token %s", slot)
	}
	if width <= 0 {
		if len(pt) < MinNonceBits/8 || len(pt) > MaxNonceBits/8 {
			wipe(pt)
			return nil, errors.Wrapf(ErrMalformedEnvelope, "token %s has %d bytes", slot, len(pt))
		}
	} else if len(pt) != width {
		wipe(pt)
		return nil, errors.Wrapf(ErrMalformedEnvelope, "token %s has %d bytes, expected %d", slot, len(pt), width)
	}
	return newToken(pt), nil
}
