package security

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Every failure returned by this package matches exactly one of
// these with errors.Is.
var (
	// ErrKeyMaterial covers missing or unreadable key files, insecure
	// permissions and failed key self-tests.
	ErrKeyMaterial = errors.New("key material error")

	// ErrCertificate covers certificate parse, validity window and issuer
	// signature failures.
	ErrCertificate = errors.New("certificate error")

	// ErrProtocol covers step mismatches, malformed envelopes and transport
	// failures mid-handshake.
	ErrProtocol = errors.New("protocol error")

	// ErrAuthentication is a decrypted token that does not match the token
	// originally issued: the peer does not hold the key it claims.
	ErrAuthentication = errors.New("authentication failed")
)

// Detailed causes.
var (
	ErrExposedKeyMaterial     = errors.New("exposed private key material")
	ErrKeySelfTest            = errors.New("private key self-test failed")
	ErrUnsupportedKey         = errors.New("unsupported key type")
	ErrCertificateParse       = errors.New("certificate parse failure")
	ErrCertificateExpired     = errors.New("certificate has expired")
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	ErrSignatureInvalid       = errors.New("certificate signature invalid")
	ErrKeyExtraction          = errors.New("public key extraction failure")
	ErrServerKeyMismatch      = errors.New("server certificate key does not match provisioned key")

	ErrStepInconsistency = errors.New("authentication step inconsistency")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrPoorEncryption    = errors.New("poor encryption: ciphertext equals plaintext")
	ErrDecryption        = errors.New("token decryption failed")
	ErrTransport         = errors.New("transport failure")
	ErrSessionClosed     = errors.New("session closed")

	ErrServerAuthenticationFailed = errors.New("server authentication failed")
	ErrClientAuthenticationFailed = errors.New("client authentication failed")

	ErrNonceModeUnavailable = errors.New("nonce mode not available in this build")
	ErrNonceLength          = errors.New("invalid nonce length")
)

// Role identifies which side of the handshake produced an error.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// AuthError reports a failed handshake or continuation round. It never
// carries token or key bytes.
type AuthError struct {
	Kind    error // One of ErrKeyMaterial, ErrCertificate, ErrProtocol, ErrAuthentication
	Role    Role
	Step    Step
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("security: %s handshake failed at step %d (%s): %s", e.Role, int(e.Step), e.Step, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the detailed cause.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches the error kind so callers can test errors.Is(err, ErrProtocol)
// without caring about the detailed cause.
func (e *AuthError) Is(target error) bool {
	return target == e.Kind
}

// proofFailure classifies a returned token that could not be recovered. A
// missing or malformed envelope stays a protocol error. A ciphertext the
// key cannot open means the peer does not hold the key it claims.
func proofFailure(err, failed error) error {
	if errors.Is(err, ErrDecryption) {
		return errors.Wrap(failed, err.Error())
	}
	return err
}

func newAuthError(kind error, role Role, step Step, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Role: role, Step: step, Message: message, Err: err}
}

// ErrorKind classifies err into one of ErrKeyMaterial, ErrCertificate,
// ErrProtocol or ErrAuthentication.
func ErrorKind(err error) error {
	switch {
	case errors.Is(err, ErrKeyMaterial):
		return ErrKeyMaterial
	case errors.Is(err, ErrCertificate):
		return ErrCertificate
	case errors.Is(err, ErrAuthentication):
		return ErrAuthentication
	case errors.Is(err, ErrExposedKeyMaterial),
		errors.Is(err, ErrKeySelfTest),
		errors.Is(err, ErrUnsupportedKey),
		errors.Is(err, ErrNonceModeUnavailable),
		errors.Is(err, ErrNonceLength):
		return ErrKeyMaterial
	case errors.Is(err, ErrCertificateParse),
		errors.Is(err, ErrCertificateExpired),
		errors.Is(err, ErrCertificateNotYetValid),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrKeyExtraction),
		errors.Is(err, ErrServerKeyMismatch):
		return ErrCertificate
	case errors.Is(err, ErrServerAuthenticationFailed),
		errors.Is(err, ErrClientAuthenticationFailed):
		return ErrAuthentication
	default:
		return ErrProtocol
	}
}
