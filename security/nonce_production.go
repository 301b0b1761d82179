//go:build !udatestnonce

package security

import "github.com/pkg/errors"

// testNonceSource refuses every non-strong mode. Build with
// -tags udatestnonce to enable the fixed, weak and legacy generators.
func testNonceSource(mode NonceMode) (nonceSource, error) {
	return nil, errors.Wrapf(ErrNonceModeUnavailable, "mode %s", mode)
}
