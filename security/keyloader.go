package security

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Trust store file names.
const (
	ClientPrivateKeyFile  = "clientskey.pem"
	ServerPublicKeyFile   = "serverpkey.pem"
	ClientCertificateFile = "clientX509.der"
	ServerCertificateFile = "serverX509.der"
	ServerPrivateKeyFile  = "serverskey.pem"
	CACertificateFile     = "carootX509.der"
	DelegatedCertFile     = "client2X509.der"
	delegatedSubdir       = "client"
)

// Environment variables naming trust store directories.
const (
	EnvClientTrustStore    = "UDA_CLIENT_CERTIFICATE"
	EnvServerTrustStore    = "UDA_SERVER_CERTIFICATE"
	EnvDelegatedTrustStore = "UDA_CLIENT2_CERTIFICATE"
)

// MinRSAKeyBits is the smallest modulus accepted for any principal.
const MinRSAKeyBits = 2048

// ResolveTrustStore returns the trust store directory for role: override
// if set, else the role's environment variable, else $HOME/.uda/<role>.
func ResolveTrustStore(role Role, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	env := EnvClientTrustStore
	if role == RoleServer {
		env = EnvServerTrustStore
	}
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(ErrKeyMaterial, "no trust store configured and no home directory: %v", err)
	}
	return filepath.Join(home, ".uda", string(role)), nil
}

// CheckKeyFilePermissions fails with ErrExposedKeyMaterial if path or its
// containing directory grants any group or other permission bit.
func CheckKeyFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(ErrKeyMaterial, "stat %s: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		return errors.Wrapf(ErrKeyMaterial, "%s is not a regular file", path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return errors.Wrapf(ErrExposedKeyMaterial, "%s has mode %#o", path, perm)
	}
	return checkDirPermissions(filepath.Dir(path))
}

func checkDirPermissions(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(ErrKeyMaterial, "stat %s: %v", dir, err)
	}
	if !info.IsDir() {
		return errors.Wrapf(ErrKeyMaterial, "%s is not a directory", dir)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return errors.Wrapf(ErrExposedKeyMaterial, "directory %s has mode %#o", dir, perm)
	}
	return nil
}

// readProtectedFile checks permissions and then reads path.
func readProtectedFile(path string) ([]byte, error) {
	if err := CheckKeyFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrKeyMaterial, "reading %s: %v", path, err)
	}
	return data, nil
}

// LoadPrivateKeyFile reads an RSA private key in PKCS#1, PKCS#8 or OpenSSH
// PEM form, after checking file permissions.
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := readProtectedFile(path)
	if err != nil {
		return nil, err
	}
	defer wipe(data)

	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, errors.Wrapf(err, "private key %s", path)
	}
	return key, nil
}

// ParsePrivateKey parses PEM-encoded RSA private key material.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Wrap(ErrKeyMaterial, "no PEM block found")
	}
	defer wipe(block.Bytes)

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedKey, "%T", parsed)
		}
		return key, nil
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, errors.Wrapf(ErrKeyMaterial, "unrecognised private key (%s): %v", block.Type, err)
	}
	switch key := raw.(type) {
	case *rsa.PrivateKey:
		return key, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedKey, "%T", raw)
	}
}

// LoadPublicKeyFile reads an RSA public key in PKIX PEM, PKCS#1 PEM or
// authorized_keys form, after checking file permissions.
func LoadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := readProtectedFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicKey(data)
	if err != nil {
		return nil, errors.Wrapf(err, "public key %s", path)
	}
	return pub, nil
}

// ParsePublicKey parses encoded RSA public key material.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	var pub interface{}
	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case "RSA PUBLIC KEY":
			k, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(ErrKeyMaterial, err.Error())
			}
			pub = k
		default:
			k, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(ErrKeyMaterial, err.Error())
			}
			pub = k
		}
	} else {
		sshKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, errors.Wrap(ErrKeyMaterial, "unrecognised public key encoding")
		}
		cpk, ok := sshKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedKey, "%s", sshKey.Type())
		}
		pub = cpk.CryptoPublicKey()
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedKey, "%T", pub)
	}
	if err := checkPublicKey(rsaPub); err != nil {
		return nil, err
	}
	return rsaPub, nil
}

func checkPublicKey(pub *rsa.PublicKey) error {
	if pub.N == nil || pub.N.BitLen() < MinRSAKeyBits {
		return errors.Wrapf(ErrUnsupportedKey, "RSA modulus below %d bits", MinRSAKeyBits)
	}
	// An exponent of 1 makes encryption the identity.
	if pub.E < 3 {
		return errors.Wrapf(ErrUnsupportedKey, "RSA exponent %d", pub.E)
	}
	return nil
}

// SelfTestPrivateKey validates key and round-trips a random value through
// it before the key is accepted.
func SelfTestPrivateKey(key *rsa.PrivateKey) error {
	if err := checkPublicKey(&key.PublicKey); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return errors.Wrap(ErrKeySelfTest, err.Error())
	}

	sample := make([]byte, 32)
	defer wipe(sample)
	if _, err := rand.Read(sample); err != nil {
		return errors.Wrap(ErrKeySelfTest, err.Error())
	}
	label := []byte("uda-auth self-test")
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &key.PublicKey, sample, label)
	if err != nil {
		return errors.Wrap(ErrKeySelfTest, err.Error())
	}
	if bytes.Equal(ct, sample) {
		return errors.Wrap(ErrKeySelfTest, ErrPoorEncryption.Error())
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, key, ct, label)
	if err != nil {
		return errors.Wrap(ErrKeySelfTest, "round trip decryption failed")
	}
	defer wipe(pt)
	if !bytes.Equal(pt, sample) {
		return errors.Wrap(ErrKeySelfTest, "round trip mismatch")
	}
	return nil
}

// releasePrivateKey is a best-effort wipe. It zeroes the big.Int values
// reachable from key and drops the precomputed values. crypto/rsa keeps its
// own copy of the key material behind Precomputed, which cannot be cleared
// from here and stays in memory until collected.
func releasePrivateKey(key *rsa.PrivateKey) {
	if key == nil {
		return
	}
	zeroInt(key.D)
	for _, p := range key.Primes {
		zeroInt(p)
	}
	zeroInt(key.Precomputed.Dp)
	zeroInt(key.Precomputed.Dq)
	zeroInt(key.Precomputed.Qinv)
	key.Precomputed = rsa.PrecomputedValues{}
}

func zeroInt(i *big.Int) {
	if i == nil {
		return
	}
	words := i.Bits()
	for j := range words {
		words[j] = 0
	}
	i.SetInt64(0)
}

// ClientOptions locates the client's trust material.
type ClientOptions struct {
	// TrustStore overrides the client trust store directory.
	TrustStore string
	// DelegatedTrustStore names a second principal's store whose
	// client/client2X509.der is forwarded to the server.
	DelegatedTrustStore string
	// RequireServerCA rejects a provisioned server key unless the server
	// certificate validates against carootX509.der.
	RequireServerCA bool
	// Now is the clock used for certificate dates. Defaults to time.Now.
	Now func() time.Time
}

// ClientCredentials is the client's long-lived trust material. It is
// loaded once, shared read-only by every session and released by
// housekeeping at shutdown.
type ClientCredentials struct {
	TrustStore           string
	Certificate          *Certificate
	DelegatedCertificate *Certificate
	ServerCertificate    *Certificate
	CA                   *Certificate

	mu        sync.RWMutex
	key       *rsa.PrivateKey
	serverKey *rsa.PublicKey
}

// LoadClientCredentials loads and checks the client trust store. The
// private key is permission-checked and self-tested before anything else
// is read.
func LoadClientCredentials(opts ClientOptions) (*ClientCredentials, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	dir, err := ResolveTrustStore(RoleClient, opts.TrustStore)
	if err != nil {
		return nil, err
	}
	if err := checkDirPermissions(dir); err != nil {
		return nil, err
	}

	key, err := LoadPrivateKeyFile(filepath.Join(dir, ClientPrivateKeyFile))
	if err != nil {
		return nil, err
	}
	creds := &ClientCredentials{TrustStore: dir, key: key}
	fail := func(err error) (*ClientCredentials, error) {
		creds.Release()
		return nil, err
	}

	if err := SelfTestPrivateKey(key); err != nil {
		return fail(err)
	}

	creds.Certificate, err = loadProtectedCertificate(filepath.Join(dir, ClientCertificateFile))
	if err != nil {
		return fail(err)
	}
	if err := ValidateDates(creds.Certificate, now()); err != nil {
		return fail(err)
	}
	if !key.PublicKey.Equal(creds.Certificate.X509().PublicKey) {
		return fail(errors.Wrap(ErrKeyMaterial, "client certificate does not match client private key"))
	}

	if delegated := delegatedTrustStore(opts.DelegatedTrustStore); delegated != "" {
		creds.DelegatedCertificate, err = loadProtectedCertificate(filepath.Join(delegated, delegatedSubdir, DelegatedCertFile))
		if err != nil {
			return fail(err)
		}
	}

	creds.serverKey, err = creds.resolveServerKey(dir, opts.RequireServerCA, now())
	if err != nil {
		return fail(err)
	}
	return creds, nil
}

func delegatedTrustStore(override string) string {
	if override != "" {
		return override
	}
	return os.Getenv(EnvDelegatedTrustStore)
}

// resolveServerKey decides which server public key the client trusts.
// With a CA and server certificate present the certificate must validate
// and, if a provisioned key also exists, carry that same key.
func (c *ClientCredentials) resolveServerKey(dir string, requireCA bool, now time.Time) (*rsa.PublicKey, error) {
	var provisioned *rsa.PublicKey
	if path := filepath.Join(dir, ServerPublicKeyFile); fileExists(path) {
		k, err := LoadPublicKeyFile(path)
		if err != nil {
			return nil, err
		}
		provisioned = k
	}

	if path := filepath.Join(dir, ServerCertificateFile); fileExists(path) {
		cert, err := loadProtectedCertificate(path)
		if err != nil {
			return nil, err
		}
		c.ServerCertificate = cert
	}
	if path := filepath.Join(dir, CACertificateFile); fileExists(path) {
		ca, err := loadProtectedCertificate(path)
		if err != nil {
			return nil, err
		}
		c.CA = ca
	}

	if requireCA && (c.CA == nil || c.ServerCertificate == nil) {
		return nil, errors.Wrapf(ErrKeyMaterial, "server CA validation required but %s or %s is missing", CACertificateFile, ServerCertificateFile)
	}

	if c.ServerCertificate == nil {
		if provisioned == nil {
			return nil, errors.Wrapf(ErrKeyMaterial, "neither %s nor %s present in %s", ServerPublicKeyFile, ServerCertificateFile, dir)
		}
		return provisioned, nil
	}

	certKey, err := ValidatePeerCertificate(c.ServerCertificate, c.CA, now)
	if err != nil {
		return nil, err
	}
	if provisioned != nil && !provisioned.Equal(certKey) {
		return nil, ErrServerKeyMismatch
	}
	return certKey, nil
}

// PrivateKey returns the client private key, or ErrSessionClosed after Release.
func (c *ClientCredentials) PrivateKey() (*rsa.PrivateKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == nil {
		return nil, ErrSessionClosed
	}
	return c.key, nil
}

// ServerKey returns the trusted server public key.
func (c *ClientCredentials) ServerKey() (*rsa.PublicKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverKey == nil {
		return nil, ErrSessionClosed
	}
	return c.serverKey, nil
}

// Release wipes the private key on a best-effort basis and drops all key
// handles. Idempotent.
func (c *ClientCredentials) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	releasePrivateKey(c.key)
	c.key = nil
	c.serverKey = nil
}

// ServerOptions locates the server's trust material.
type ServerOptions struct {
	TrustStore string
	Now        func() time.Time
}

// ServerCredentials is the server's long-lived trust material, shared
// read-only by every connection.
type ServerCredentials struct {
	TrustStore  string
	CA          *Certificate
	Certificate *Certificate

	mu  sync.RWMutex
	key *rsa.PrivateKey
}

// LoadServerCredentials loads and checks the server trust store.
func LoadServerCredentials(opts ServerOptions) (*ServerCredentials, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	dir, err := ResolveTrustStore(RoleServer, opts.TrustStore)
	if err != nil {
		return nil, err
	}
	if err := checkDirPermissions(dir); err != nil {
		return nil, err
	}

	key, err := LoadPrivateKeyFile(filepath.Join(dir, ServerPrivateKeyFile))
	if err != nil {
		return nil, err
	}
	creds := &ServerCredentials{TrustStore: dir, key: key}
	fail := func(err error) (*ServerCredentials, error) {
		creds.Release()
		return nil, err
	}

	if err := SelfTestPrivateKey(key); err != nil {
		return fail(err)
	}

	creds.CA, err = loadProtectedCertificate(filepath.Join(dir, CACertificateFile))
	if err != nil {
		return fail(err)
	}
	if err := ValidateDates(creds.CA, now()); err != nil {
		return fail(err)
	}

	if path := filepath.Join(dir, ServerCertificateFile); fileExists(path) {
		creds.Certificate, err = loadProtectedCertificate(path)
		if err != nil {
			return fail(err)
		}
		if !key.PublicKey.Equal(creds.Certificate.X509().PublicKey) {
			return fail(errors.Wrap(ErrKeyMaterial, "server certificate does not match server private key"))
		}
	}
	return creds, nil
}

// PrivateKey returns the server private key, or ErrSessionClosed after Release.
func (c *ServerCredentials) PrivateKey() (*rsa.PrivateKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == nil {
		return nil, ErrSessionClosed
	}
	return c.key, nil
}

// Release wipes the private key on a best-effort basis. Idempotent.
func (c *ServerCredentials) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	releasePrivateKey(c.key)
	c.key = nil
}

func loadProtectedCertificate(path string) (*Certificate, error) {
	data, err := readProtectedFile(path)
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificate(data)
	if err != nil {
		return nil, errors.Wrapf(err, "certificate %s", path)
	}
	return cert, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
