//go:build udatestnonce

package security

import (
	"math/big"
	mrand "math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fixedNonceText is repeated to the requested width.
const fixedNonceText = "QWERTYqwerty0123456789"

func testNonceSource(mode NonceMode) (nonceSource, error) {
	switch mode {
	case NonceFixed:
		return fixedSource{}, nil
	case NonceWeak:
		return &weakSource{rng: mrand.New(mrand.NewSource(time.Now().UnixNano()))}, nil
	case NonceLegacy:
		return legacySource{}, nil
	}
	return nil, errors.Wrapf(ErrNonceModeUnavailable, "mode %s", mode)
}

type fixedSource struct{}

func (fixedSource) fill(b []byte) error {
	for i := range b {
		b[i] = fixedNonceText[i%len(fixedNonceText)]
	}
	return nil
}

type weakSource struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

func (s *weakSource) fill(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.rng.Read(b); err != nil {
		return err
	}
	fullWidth(b)
	return nil
}

// fullWidth keeps the token at its nominal bit length.
func fullWidth(b []byte) {
	if b[0] == 0 {
		b[0] = 1
	}
}

// legacySource multiplies the decimal start time by a pid-seeded byte
// string of values in [1, 255] and keeps the low-order bytes.
type legacySource struct{}

func (legacySource) fill(b []byte) error {
	rng := mrand.New(mrand.NewSource(int64(os.Getpid())))
	randBytes := make([]byte, len(b))
	for i := range randBytes {
		randBytes[i] = byte(1 + rng.Intn(255))
	}

	timeData := new(big.Int).SetBytes([]byte(strconv.FormatInt(time.Now().Unix(), 10)))
	product := new(big.Int).Mul(timeData, new(big.Int).SetBytes(randBytes))
	out := product.Bytes()
	if len(out) > len(b) {
		out = out[len(out)-len(b):]
	}
	for i := range b {
		b[i] = 0
	}
	copy(b[len(b)-len(out):], out)
	fullWidth(b)
	return nil
}
