//go:build !udatestnonce

package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiagnosticNonceModesUnavailable(t *testing.T) {
	for _, mode := range []NonceMode{NonceFixed, NonceWeak, NonceLegacy} {
		_, err := NewNonceGenerator(mode, DefaultNonceBits)
		assert.ErrorIs(t, err, ErrNonceModeUnavailable, mode.String())
		assert.Equal(t, ErrKeyMaterial, ErrorKind(err))
	}
}
