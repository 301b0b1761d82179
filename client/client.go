// Package client dials a uda-auth server, authenticates mutually with it
// and issues authenticated requests.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/uda-project/udaauth/addresses"
	"github.com/uda-project/udaauth/commands"
	ulog "github.com/uda-project/udaauth/log"
	"github.com/uda-project/udaauth/message"
	"github.com/uda-project/udaauth/security"
	"github.com/uda-project/udaauth/stream"
)

// Options configures a Client.
type Options struct {
	Credentials *security.ClientCredentials
	Nonce       *security.NonceGenerator
	Claim       security.ClientClaim
	Logger      *logging.Logger
	Metrics     *security.Metrics

	// DialTimeout bounds connection establishment. Zero means no bound
	// beyond the context.
	DialTimeout time.Duration
	// IdleTimeout, if set, bounds each frame read and write.
	IdleTimeout time.Duration
}

// Client is an authenticated connection to a server. Requests on one
// Client are serialized.
type Client struct {
	stream  *stream.Stream
	session *security.ClientSession
	log     *logging.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to address and completes the handshake. The address may
// pin the expected server certificate name; see addresses.ParseServerAddress.
func Dial(ctx context.Context, address string, opts Options) (*Client, error) {
	if opts.Credentials == nil {
		return nil, errors.New("client: no credentials")
	}
	addr, err := addresses.ParseServerAddress(address)
	if err != nil {
		return nil, err
	}
	if addr.ServerName != "" {
		cert := opts.Credentials.ServerCertificate
		if cert == nil {
			return nil, errors.Errorf("client: server name %q requested but no server certificate is trusted", addr.ServerName)
		}
		if cert.CommonName() != addr.ServerName {
			return nil, errors.Errorf("client: trusted server is %q, not %q", cert.CommonName(), addr.ServerName)
		}
	}

	dialCtx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr.HostPort)
	if err != nil {
		return nil, errors.Wrapf(err, "client: dial %s", addr.HostPort)
	}

	c, err := NewClient(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient authenticates over an established connection.
func NewClient(ctx context.Context, conn net.Conn, opts Options) (*Client, error) {
	l := opts.Logger
	if l == nil {
		l = ulog.Discard("client")
	}

	st := stream.NewStream(conn)
	if opts.IdleTimeout > 0 {
		if err := st.SetTimeout(opts.IdleTimeout); err != nil {
			return nil, errors.Wrap(err, "client: setting timeout")
		}
	}

	sess, err := security.NewClientSession(opts.Credentials, security.ClientSessionOptions{
		Nonce:   opts.Nonce,
		Claim:   opts.Claim,
		Logger:  l,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Handshake(ctx, st); err != nil {
		sess.Close()
		return nil, err
	}
	st.SetAuthenticated(true)
	l.Debugf("authenticated to %s", st.GetPeerAddr())

	return &Client{stream: st, session: sess, log: l}, nil
}

// Request sends payload and returns the server's response. Each request
// is a continuation round, so the server proves its identity again.
func (c *Client) Request(ctx context.Context, payload []byte) (*security.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, security.ErrSessionClosed
	}
	return c.session.Request(ctx, c.stream, payload)
}

// Authorization returns what the server granted during the handshake.
func (c *Client) Authorization() (security.Authorization, error) {
	return c.session.Authorization()
}

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() string {
	return c.stream.GetPeerAddr()
}

// Close tells the server the connection is finished, releases the
// session and closes the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.session.State() == security.ClientAuthenticated {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		m := message.NewMessageForStream(c.stream)
		if err := m.PutInt(ctx, commands.PROTOCOL_CLOSEDOWN); err == nil {
			if err := m.FinishMessage(ctx); err != nil {
				c.log.Debugf("closedown: %v", err)
			}
		}
		cancel()
	}
	c.session.Close()
	return c.stream.Close()
}
