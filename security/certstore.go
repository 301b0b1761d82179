package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Certificate is a parsed peer identity certificate. Raw holds the exact
// bytes received or read from disk.
type Certificate struct {
	Raw  []byte
	x509 *x509.Certificate
}

// Subject returns the certificate's subject distinguished name.
func (c *Certificate) Subject() string {
	return c.x509.Subject.String()
}

// CommonName returns the subject common name, falling back to the full
// subject when it has none.
func (c *Certificate) CommonName() string {
	if cn := c.x509.Subject.CommonName; cn != "" {
		return cn
	}
	return c.Subject()
}

// NotBefore returns the start of the validity window.
func (c *Certificate) NotBefore() time.Time {
	return c.x509.NotBefore
}

// NotAfter returns the end of the validity window.
func (c *Certificate) NotAfter() time.Time {
	return c.x509.NotAfter
}

// X509 returns the underlying parsed certificate.
func (c *Certificate) X509() *x509.Certificate {
	return c.x509
}

// ParseCertificate parses a DER certificate, or the first CERTIFICATE block
// of PEM input.
func ParseCertificate(data []byte) (*Certificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, errors.Wrapf(ErrCertificateParse, "unexpected PEM block %q", block.Type)
		}
		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(ErrCertificateParse, err.Error())
	}
	return &Certificate{Raw: append([]byte(nil), der...), x509: cert}, nil
}

// LoadCertificateFile reads and parses a certificate file.
func LoadCertificateFile(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrKeyMaterial, "reading certificate %s: %v", path, err)
	}
	cert, err := ParseCertificate(data)
	if err != nil {
		return nil, errors.Wrapf(err, "certificate %s", path)
	}
	return cert, nil
}

// ValidateDates checks that now lies within the certificate's validity window.
func ValidateDates(cert *Certificate, now time.Time) error {
	if now.Before(cert.x509.NotBefore) {
		return errors.Wrapf(ErrCertificateNotYetValid, "%s valid from %s", cert.Subject(), cert.x509.NotBefore.UTC().Format(time.RFC3339))
	}
	if now.After(cert.x509.NotAfter) {
		return errors.Wrapf(ErrCertificateExpired, "%s expired %s", cert.Subject(), cert.x509.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}

// VerifySignature checks that cert was signed by issuer.
func VerifySignature(issuer, cert *Certificate) error {
	if issuer == nil {
		return errors.Wrap(ErrSignatureInvalid, "no issuer certificate")
	}
	if err := cert.x509.CheckSignatureFrom(issuer.x509); err != nil {
		return errors.Wrapf(ErrSignatureInvalid, "%s not signed by %s: %v", cert.Subject(), issuer.Subject(), err)
	}
	return nil
}

// ExtractPublicKey returns the RSA public key embedded in cert.
func ExtractPublicKey(cert *Certificate) (*rsa.PublicKey, error) {
	pub, ok := cert.x509.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrKeyExtraction, "%s carries a %T key", cert.Subject(), cert.x509.PublicKey)
	}
	if err := checkPublicKey(pub); err != nil {
		return nil, errors.Wrapf(ErrKeyExtraction, "%s: %v", cert.Subject(), err)
	}
	return pub, nil
}

// ValidatePeerCertificate runs the date check, then the issuer signature
// check when ca is non-nil, and returns the embedded key only if both pass.
func ValidatePeerCertificate(cert, ca *Certificate, now time.Time) (*rsa.PublicKey, error) {
	if err := ValidateDates(cert, now); err != nil {
		return nil, err
	}
	if ca != nil {
		if err := VerifySignature(ca, cert); err != nil {
			return nil, err
		}
	}
	return ExtractPublicKey(cert)
}
