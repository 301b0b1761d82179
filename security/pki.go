// Copyright 2025 Morgridge Institute for Research
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// CA key file written next to the stores by ProvisionTrustStores.
const CAPrivateKeyFile = "carootskey.pem"

// ProvisionOptions describes a set of trust stores to generate.
type ProvisionOptions struct {
	// Dir receives the ca, client, server and delegate subdirectories.
	Dir string

	CAName        string
	ServerName    string
	ClientName    string
	DelegatedName string // empty skips the delegated store

	KeyBits  int
	Lifetime time.Duration
	Now      time.Time

	// OmitServerPublicKey leaves serverpkey.pem out of the client store so
	// the client must rely on the CA-validated server certificate.
	OmitServerPublicKey bool
}

// TrustStores names the directories written by ProvisionTrustStores.
type TrustStores struct {
	CA        string
	Client    string
	Server    string
	Delegated string
}

type issued struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	der  []byte
}

// ProvisionTrustStores generates a CA, a server identity and a client
// identity (plus an optional delegated identity) and lays them out as the
// loaders expect, with 0700 directories and 0600 files. It refuses to
// replace any file of an existing store.
func ProvisionTrustStores(opts ProvisionOptions) (*TrustStores, error) {
	return provision(opts, time.Time{})
}

// provision is ProvisionTrustStores with the client certificate expiring
// at clientNotAfter when that is set.
func provision(opts ProvisionOptions, clientNotAfter time.Time) (*TrustStores, error) {
	if opts.Dir == "" {
		return nil, errors.New("provision: no output directory")
	}
	if opts.KeyBits == 0 {
		opts.KeyBits = MinRSAKeyBits
	}
	if opts.Lifetime == 0 {
		opts.Lifetime = 365 * 24 * time.Hour
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.CAName == "" {
		opts.CAName = "UDA Root CA"
	}
	if opts.ServerName == "" {
		opts.ServerName = "uda-server"
	}
	if opts.ClientName == "" {
		opts.ClientName = "uda-client"
	}

	stores := &TrustStores{
		CA:     filepath.Join(opts.Dir, "ca"),
		Client: filepath.Join(opts.Dir, "client"),
		Server: filepath.Join(opts.Dir, "server"),
	}
	if _, err := os.Lstat(filepath.Join(stores.CA, CAPrivateKeyFile)); err == nil {
		return nil, errors.Errorf("provision: %s already holds a CA", opts.Dir)
	}
	for _, dir := range []string{opts.Dir, stores.CA, stores.Client, stores.Server} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrap(err, "provision")
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return nil, errors.Wrap(err, "provision")
		}
	}

	notAfter := opts.Now.Add(opts.Lifetime)
	ca, err := issue(opts.CAName, nil, opts.KeyBits, opts.Now, notAfter)
	if err != nil {
		return nil, err
	}
	server, err := issue(opts.ServerName, ca, opts.KeyBits, opts.Now, notAfter)
	if err != nil {
		return nil, err
	}
	clientNotBefore := opts.Now
	if clientNotAfter.IsZero() {
		clientNotAfter = notAfter
	} else if !clientNotBefore.Before(clientNotAfter) {
		clientNotBefore = clientNotAfter.Add(-time.Hour)
	}
	client, err := issue(opts.ClientName, ca, opts.KeyBits, clientNotBefore, clientNotAfter)
	if err != nil {
		return nil, err
	}

	files := map[string][]byte{
		filepath.Join(stores.CA, CACertificateFile): ca.der,
		filepath.Join(stores.CA, CAPrivateKeyFile):  privateKeyPEM(ca.key),

		filepath.Join(stores.Server, ServerPrivateKeyFile):  privateKeyPEM(server.key),
		filepath.Join(stores.Server, ServerCertificateFile): server.der,
		filepath.Join(stores.Server, CACertificateFile):     ca.der,

		filepath.Join(stores.Client, ClientPrivateKeyFile):  privateKeyPEM(client.key),
		filepath.Join(stores.Client, ClientCertificateFile): client.der,
		filepath.Join(stores.Client, ServerCertificateFile): server.der,
		filepath.Join(stores.Client, CACertificateFile):     ca.der,
	}
	if !opts.OmitServerPublicKey {
		pub, err := publicKeyPEM(&server.key.PublicKey)
		if err != nil {
			return nil, err
		}
		files[filepath.Join(stores.Client, ServerPublicKeyFile)] = pub
	}

	if opts.DelegatedName != "" {
		stores.Delegated = filepath.Join(opts.Dir, "delegate")
		sub := filepath.Join(stores.Delegated, delegatedSubdir)
		for _, dir := range []string{stores.Delegated, sub} {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, errors.Wrap(err, "provision")
			}
		}
		delegated, err := issue(opts.DelegatedName, ca, opts.KeyBits, opts.Now, notAfter)
		if err != nil {
			return nil, err
		}
		files[filepath.Join(sub, DelegatedCertFile)] = delegated.der
	}

	for path := range files {
		if _, err := os.Lstat(path); err == nil {
			return nil, errors.Errorf("provision: %s already exists", path)
		}
	}
	for path, data := range files {
		if err := writeNew(path, data); err != nil {
			return nil, errors.Wrap(err, "provision")
		}
	}
	return stores, nil
}

// writeNew creates path with mode 0600, failing if it already exists.
func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// issue creates a key and a certificate for name, signed by parent or
// self-signed as a CA when parent is nil.
func issue(name string, parent *issued, bits int, notBefore, notAfter time.Time) (*issued, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate RSA key")
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"UDA"},
			CommonName:   name,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
	}

	signer, signerKey := template, key
	if parent == nil {
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
		signer, signerKey = parent.cert, parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signerKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse certificate")
	}
	return &issued{key: key, cert: cert, der: der}, nil
}

func privateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func publicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
