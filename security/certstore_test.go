package security

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCertificateDERAndPEM(t *testing.T) {
	der, err := os.ReadFile(filepath.Join(testStores.Client, ClientCertificateFile))
	require.NoError(t, err)

	cert, err := ParseCertificate(der)
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.CommonName())
	assert.Contains(t, cert.Subject(), "CN=alice")

	fromPEM, err := ParseCertificate(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, fromPEM.Raw)

	_, err = ParseCertificate([]byte("not a certificate"))
	assert.ErrorIs(t, err, ErrCertificateParse)
	assert.Equal(t, ErrCertificate, ErrorKind(err))
}

func TestValidateDates(t *testing.T) {
	cert, err := LoadCertificateFile(filepath.Join(testStores.Client, ClientCertificateFile))
	require.NoError(t, err)

	assert.NoError(t, ValidateDates(cert, time.Now()))
	assert.ErrorIs(t, ValidateDates(cert, cert.NotAfter().Add(time.Second)), ErrCertificateExpired)
	assert.ErrorIs(t, ValidateDates(cert, cert.NotBefore().Add(-time.Second)), ErrCertificateNotYetValid)
}

func TestVerifySignature(t *testing.T) {
	ca, err := LoadCertificateFile(filepath.Join(testStores.CA, CACertificateFile))
	require.NoError(t, err)
	client, err := LoadCertificateFile(filepath.Join(testStores.Client, ClientCertificateFile))
	require.NoError(t, err)
	server, err := LoadCertificateFile(filepath.Join(testStores.Server, ServerCertificateFile))
	require.NoError(t, err)

	assert.NoError(t, VerifySignature(ca, client))
	assert.ErrorIs(t, VerifySignature(server, client), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature(nil, client), ErrSignatureInvalid)
}

func TestValidatePeerCertificateWithForeignCA(t *testing.T) {
	other, err := ProvisionTrustStores(ProvisionOptions{Dir: t.TempDir(), CAName: "Other CA"})
	require.NoError(t, err)
	foreignCA, err := LoadCertificateFile(filepath.Join(other.CA, CACertificateFile))
	require.NoError(t, err)
	client, err := LoadCertificateFile(filepath.Join(testStores.Client, ClientCertificateFile))
	require.NoError(t, err)

	_, err = ValidatePeerCertificate(client, foreignCA, time.Now())
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	pub, err := ValidatePeerCertificate(client, nil, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pub.N.BitLen(), MinRSAKeyBits)
}
