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

// Package config implements the configuration of the uda-auth client and
// server. Configuration is read once at startup.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/uda-project/udaauth/security"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultListenAddress    = "127.0.0.1:56000"
	defaultDialTimeout      = 10 * time.Second
	defaultIdleTimeout      = 5 * time.Minute
	defaultHandshakesPerSec = 50
	defaultHandshakeBurst   = 100
	defaultMaxConnections   = 256
)

// Format selects the configuration syntax.
type Format int

const (
	TOML Format = iota
	YAML
)

// FormatForPath picks the syntax from a file extension. Anything other
// than .yaml or .yml is TOML.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	}
	return TOML
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool `yaml:"Disable"`

	// File specifies the log file, if omitted stdout will be used.
	File string `yaml:"File"`

	// Level specifies the log level.
	Level string `yaml:"Level"`
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return errors.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Nonce selects the session token generator.
type Nonce struct {
	// Mode is strong, or fixed, weak or legacy in diagnostic builds.
	Mode string `yaml:"Mode"`

	// Bits is the token length.
	Bits int `yaml:"Bits"`
}

func (nCfg *Nonce) validate() error {
	mode, err := security.ParseNonceMode(nCfg.Mode)
	if err != nil {
		return errors.Wrap(err, "config: Nonce")
	}
	nCfg.Mode = mode.String()
	if nCfg.Bits == 0 {
		nCfg.Bits = security.DefaultNonceBits
	}
	if _, err := security.NewNonceGenerator(mode, nCfg.Bits); err != nil {
		return errors.Wrap(err, "config: Nonce")
	}
	return nil
}

// Generator builds the configured nonce generator.
func (nCfg *Nonce) Generator() (*security.NonceGenerator, error) {
	mode, err := security.ParseNonceMode(nCfg.Mode)
	if err != nil {
		return nil, err
	}
	return security.NewNonceGenerator(mode, nCfg.Bits)
}

// Client is the client configuration.
type Client struct {
	// TrustStore is the client trust store directory. Empty falls back to
	// UDA_CLIENT_CERTIFICATE, then $HOME/.uda/client.
	TrustStore string `yaml:"TrustStore"`

	// Client2TrustStore names a delegated principal's store.
	Client2TrustStore string `yaml:"Client2TrustStore"`

	// ServerAddress is the host:port of the server.
	ServerAddress string `yaml:"ServerAddress"`

	// RequireServerCA refuses to trust a provisioned server key that is
	// not backed by a CA-validated server certificate.
	RequireServerCA bool `yaml:"RequireServerCA"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"DialTimeout"`
}

func (cCfg *Client) validate() error {
	if cCfg.ServerAddress != "" {
		if _, _, err := net.SplitHostPort(cCfg.ServerAddress); err != nil {
			return errors.Errorf("config: Client: ServerAddress '%v' is invalid: %v", cCfg.ServerAddress, err)
		}
	}
	if cCfg.DialTimeout < 0 {
		return errors.New("config: Client: DialTimeout is negative")
	}
	if cCfg.DialTimeout == 0 {
		cCfg.DialTimeout = defaultDialTimeout
	}
	return nil
}

// Options converts the section to credential loading options.
func (cCfg *Client) Options() security.ClientOptions {
	return security.ClientOptions{
		TrustStore:          cCfg.TrustStore,
		DelegatedTrustStore: cCfg.Client2TrustStore,
		RequireServerCA:     cCfg.RequireServerCA,
	}
}

// Server is the server configuration.
type Server struct {
	// TrustStore is the server trust store directory. Empty falls back to
	// UDA_SERVER_CERTIFICATE, then $HOME/.uda/server.
	TrustStore string `yaml:"TrustStore"`

	// ListenAddress is the TCP address to accept connections on.
	ListenAddress string `yaml:"ListenAddress"`

	// IdleTimeout closes a connection with no traffic for this long.
	IdleTimeout time.Duration `yaml:"IdleTimeout"`

	// MaxHandshakesPerSecond and HandshakeBurst bound handshake admission.
	MaxHandshakesPerSecond float64 `yaml:"MaxHandshakesPerSecond"`
	HandshakeBurst         int     `yaml:"HandshakeBurst"`

	// MaxConnections bounds concurrently served connections.
	MaxConnections int `yaml:"MaxConnections"`

	// MetricsAddress, if set, serves Prometheus metrics over HTTP.
	MetricsAddress string `yaml:"MetricsAddress"`

	// DataDir, if set, is served read-only to authenticated clients.
	DataDir string `yaml:"DataDir"`

	// TicketLifetime is the validity of the authorization ticket.
	TicketLifetime time.Duration `yaml:"TicketLifetime"`
}

func (sCfg *Server) validate() error {
	if sCfg.ListenAddress == "" {
		sCfg.ListenAddress = defaultListenAddress
	}
	if _, _, err := net.SplitHostPort(sCfg.ListenAddress); err != nil {
		return errors.Errorf("config: Server: ListenAddress '%v' is invalid: %v", sCfg.ListenAddress, err)
	}
	if sCfg.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(sCfg.MetricsAddress); err != nil {
			return errors.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	if sCfg.IdleTimeout < 0 || sCfg.TicketLifetime < 0 {
		return errors.New("config: Server: negative duration")
	}
	if sCfg.IdleTimeout == 0 {
		sCfg.IdleTimeout = defaultIdleTimeout
	}
	if sCfg.TicketLifetime == 0 {
		sCfg.TicketLifetime = security.DefaultTicketLifetime
	}
	if sCfg.MaxHandshakesPerSecond < 0 || sCfg.HandshakeBurst < 0 || sCfg.MaxConnections < 0 {
		return errors.New("config: Server: negative limit")
	}
	if sCfg.MaxHandshakesPerSecond == 0 {
		sCfg.MaxHandshakesPerSecond = defaultHandshakesPerSec
	}
	if sCfg.HandshakeBurst == 0 {
		sCfg.HandshakeBurst = defaultHandshakeBurst
	}
	if sCfg.MaxConnections == 0 {
		sCfg.MaxConnections = defaultMaxConnections
	}
	if sCfg.DataDir != "" {
		info, err := os.Stat(sCfg.DataDir)
		if err != nil {
			return errors.Wrap(err, "config: Server: DataDir")
		}
		if !info.IsDir() {
			return errors.Errorf("config: Server: DataDir '%v' is not a directory", sCfg.DataDir)
		}
	}
	return nil
}

// Options converts the section to credential loading options.
func (sCfg *Server) Options() security.ServerOptions {
	return security.ServerOptions{TrustStore: sCfg.TrustStore}
}

// Config is the top level configuration.
type Config struct {
	Logging *Logging `yaml:"Logging"`
	Client  *Client  `yaml:"Client"`
	Server  *Server  `yaml:"Server"`
	Nonce   *Nonce   `yaml:"Nonce"`
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if cfg.Nonce == nil {
		cfg.Nonce = &Nonce{}
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Nonce.validate(); err != nil {
		return err
	}
	if err := cfg.Client.validate(); err != nil {
		return err
	}
	return cfg.Server.validate()
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.FixupAndValidate(); err != nil {
		panic("config: defaults are invalid: " + err.Error())
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte, format Format) (*Config, error) {
	if b == nil {
		return nil, errors.New("no nil buffer as config file")
	}

	cfg := new(Config)
	switch format {
	case YAML:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrap(err, "config: yaml")
		}
	default:
		md, err := toml.Decode(string(b), cfg)
		if err != nil {
			return nil, errors.Wrap(err, "config: toml")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("config: unknown keys %v", undecoded)
		}
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b, FormatForPath(f))
}

// Store writes cfg to fileName as TOML.
func Store(cfg *Config, fileName string) error {
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
