package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// provisionExpiredClient writes stores whose client certificate stops being
// valid at notAfter. Everything else was issued two hours ago.
func provisionExpiredClient(t *testing.T, notAfter time.Time) *TrustStores {
	t.Helper()
	stores, err := provision(ProvisionOptions{
		Dir: t.TempDir(),
		Now: time.Now().Add(-2 * time.Hour),
	}, notAfter)
	require.NoError(t, err)
	return stores
}

func TestProvisionLayout(t *testing.T) {
	dir := t.TempDir()
	stores, err := ProvisionTrustStores(ProvisionOptions{Dir: dir, DelegatedName: "bob", OmitServerPublicKey: true})
	require.NoError(t, err)

	for _, path := range []string{
		filepath.Join(stores.CA, CAPrivateKeyFile),
		filepath.Join(stores.Server, ServerPrivateKeyFile),
		filepath.Join(stores.Client, ClientPrivateKeyFile),
		filepath.Join(stores.Delegated, delegatedSubdir, DelegatedCertFile),
	} {
		fi, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm(), path)
	}
	_, err = os.Stat(filepath.Join(stores.Client, ServerPublicKeyFile))
	assert.True(t, os.IsNotExist(err))
}

func TestProvisionRefusesExistingStores(t *testing.T) {
	dir := t.TempDir()
	_, err := ProvisionTrustStores(ProvisionOptions{Dir: dir})
	require.NoError(t, err)
	caKey := filepath.Join(dir, "ca", CAPrivateKeyFile)
	before, err := os.ReadFile(caKey)
	require.NoError(t, err)

	_, err = ProvisionTrustStores(ProvisionOptions{Dir: dir, CAName: "Replacement CA"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already")

	after, err := os.ReadFile(caKey)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// A leftover store file without a CA is refused as well, and left alone.
	dir = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "client"), 0o700))
	stale := filepath.Join(dir, "client", ClientPrivateKeyFile)
	require.NoError(t, os.WriteFile(stale, []byte("keep"), 0o600))
	_, err = ProvisionTrustStores(ProvisionOptions{Dir: dir})
	require.Error(t, err)
	data, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
	_, err = os.Stat(filepath.Join(dir, "ca", CAPrivateKeyFile))
	assert.True(t, os.IsNotExist(err))
}

func TestProvisionExpiredClient(t *testing.T) {
	notAfter := time.Now().Add(-time.Minute).Truncate(time.Second)
	stores := provisionExpiredClient(t, notAfter)

	_, err := LoadClientCredentials(ClientOptions{TrustStore: stores.Client})
	assert.ErrorIs(t, err, ErrCertificateExpired)

	creds, err := LoadClientCredentials(ClientOptions{
		TrustStore: stores.Client,
		Now:        func() time.Time { return notAfter.Add(-time.Second) },
	})
	require.NoError(t, err)
	defer creds.Release()
	assert.True(t, creds.Certificate.NotAfter().Equal(notAfter))
}
