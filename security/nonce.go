package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// NonceMode selects how session tokens are generated.
type NonceMode int

const (
	// NonceStrong is the only mode available in production builds.
	NonceStrong NonceMode = iota
	// NonceFixed always yields the same diagnostic value.
	NonceFixed
	// NonceWeak uses a non-cryptographic pseudo-random generator.
	NonceWeak
	// NonceLegacy mixes the process start time with a weak generator
	// seeded from the pid.
	NonceLegacy
)

// Token widths. The minimum leaves one byte ahead of the AES block so the
// leading byte can be non-zero.
const (
	DefaultNonceBits = 512
	MinNonceBits     = 136
	MaxNonceBits     = 1024
)

func (m NonceMode) String() string {
	switch m {
	case NonceStrong:
		return "strong"
	case NonceFixed:
		return "fixed"
	case NonceWeak:
		return "weak"
	case NonceLegacy:
		return "legacy"
	}
	return "unknown"
}

// ParseNonceMode maps a configuration string to a NonceMode. It does not
// check build availability; NewNonceGenerator does.
func ParseNonceMode(s string) (NonceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strong":
		return NonceStrong, nil
	case "fixed", "test":
		return NonceFixed, nil
	case "weak":
		return NonceWeak, nil
	case "legacy":
		return NonceLegacy, nil
	}
	return NonceStrong, errors.Errorf("unknown nonce mode %q", s)
}

// Token is a session token: an opaque large integer with a fixed byte
// width. A token is compared once and then released.
type Token struct {
	b []byte
}

func newToken(b []byte) *Token {
	return &Token{b: b}
}

// Bytes returns the fixed-width big-endian representation. The slice is
// owned by the token and becomes zero after Release.
func (t *Token) Bytes() []byte {
	return t.b
}

// Len returns the token width in bytes.
func (t *Token) Len() int {
	return len(t.b)
}

// Int returns a copy of the token as an integer.
func (t *Token) Int() *big.Int {
	return new(big.Int).SetBytes(t.b)
}

// Equal compares two tokens in constant time.
func (t *Token) Equal(other *Token) bool {
	if t == nil || other == nil || len(t.b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(t.b, other.b) == 1
}

// Released reports whether Release has been called.
func (t *Token) Released() bool {
	return t.b == nil
}

// Release zeroes the token. Safe on nil and idempotent.
func (t *Token) Release() {
	if t == nil || t.b == nil {
		return
	}
	wipe(t.b)
	t.b = nil
}

// nonceSource fills b with token material.
type nonceSource interface {
	fill(b []byte) error
}

// NonceGenerator produces fresh tokens of a fixed bit length.
type NonceGenerator struct {
	mode   NonceMode
	bits   int
	source nonceSource
}

// NewNonceGenerator returns a generator for mode producing tokens of bits
// bits. Modes other than NonceStrong fail with ErrNonceModeUnavailable
// unless the binary was built with the udatestnonce tag.
func NewNonceGenerator(mode NonceMode, bits int) (*NonceGenerator, error) {
	if bits == 0 {
		bits = DefaultNonceBits
	}
	if bits < MinNonceBits || bits > MaxNonceBits || bits%8 != 0 {
		return nil, errors.Wrapf(ErrNonceLength, "%d bits, want a multiple of 8 in [%d, %d]", bits, MinNonceBits, MaxNonceBits)
	}

	var source nonceSource
	if mode == NonceStrong {
		s, err := processStrongSource()
		if err != nil {
			return nil, err
		}
		source = s
	} else {
		s, err := testNonceSource(mode)
		if err != nil {
			return nil, err
		}
		source = s
	}

	return &NonceGenerator{mode: mode, bits: bits, source: source}, nil
}

// Mode returns the generator's mode.
func (g *NonceGenerator) Mode() NonceMode {
	return g.mode
}

// Bits returns the token length in bits.
func (g *NonceGenerator) Bits() int {
	return g.bits
}

// Generate returns a fresh token.
func (g *NonceGenerator) Generate() (*Token, error) {
	b := make([]byte, g.bits/8)
	if err := g.source.fill(b); err != nil {
		wipe(b)
		return nil, errors.Wrap(err, "nonce generation")
	}
	return newToken(b), nil
}

// strongSource encrypts a process-wide counter under a random AES key. AES
// is a permutation, so distinct counter values never produce the same
// block and no token repeats within the process. The block fills the last
// 16 bytes; the rest come from crypto/rand with a non-zero leading byte.
type strongSource struct {
	block   cipher.Block
	counter atomic.Uint64
}

var (
	strongOnce sync.Once
	strong     *strongSource
	strongErr  error
)

func processStrongSource() (*strongSource, error) {
	strongOnce.Do(func() {
		key := make([]byte, 16)
		defer wipe(key)
		if _, err := rand.Read(key); err != nil {
			strongErr = errors.Wrap(err, "seeding nonce generator")
			return
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			strongErr = errors.Wrap(err, "seeding nonce generator")
			return
		}
		strong = &strongSource{block: block}
	})
	return strong, strongErr
}

func (s *strongSource) fill(b []byte) error {
	var ctr [aes.BlockSize]byte
	binary.BigEndian.PutUint64(ctr[aes.BlockSize-8:], s.counter.Add(1))

	unique := b[len(b)-aes.BlockSize:]
	s.block.Encrypt(unique, ctr[:])

	head := b[:len(b)-aes.BlockSize]
	if _, err := rand.Read(head); err != nil {
		return err
	}
	for head[0] == 0 {
		if _, err := rand.Read(head[:1]); err != nil {
			return err
		}
	}
	return nil
}
