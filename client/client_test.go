package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uda-project/udaauth/commands"
	"github.com/uda-project/udaauth/message"
	"github.com/uda-project/udaauth/security"
	"github.com/uda-project/udaauth/server"
	"github.com/uda-project/udaauth/stream"
)

var stores *security.TrustStores

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "uda-client-test")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	stores, err = security.ProvisionTrustStores(security.ProvisionOptions{
		Dir:        dir,
		ClientName: "alice",
		ServerName: "uda.example.org",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func clientCredentials(t *testing.T) *security.ClientCredentials {
	t.Helper()
	creds, err := security.LoadClientCredentials(security.ClientOptions{TrustStore: stores.Client})
	require.NoError(t, err)
	t.Cleanup(creds.Release)
	return creds
}

func serverCredentials(t *testing.T) *security.ServerCredentials {
	t.Helper()
	creds, err := security.LoadServerCredentials(security.ServerOptions{TrustStore: stores.Server})
	require.NoError(t, err)
	t.Cleanup(creds.Release)
	return creds
}

// servePipe runs the server side of one connection and reports every
// protocol id it reads after the handshake.
func servePipe(t *testing.T, conn net.Conn) <-chan int {
	t.Helper()
	sess, err := security.NewServerSession(serverCredentials(t), security.ServerSessionOptions{PeerAddr: "pipe"})
	require.NoError(t, err)

	seen := make(chan int, 8)
	go func() {
		defer close(seen)
		defer sess.Close()
		st := stream.NewStream(conn)
		defer st.Close()

		ctx := context.Background()
		if err := sess.Handshake(ctx, st); err != nil {
			return
		}
		for {
			m := message.NewMessageFromStream(st)
			protocol, err := m.GetInt(ctx)
			if err != nil {
				return
			}
			seen <- protocol
			if protocol != commands.PROTOCOL_REQUEST_BLOCK {
				return
			}
			payload, reply, err := sess.OpenRequest(ctx, m)
			if err != nil {
				return
			}
			resp := &security.Response{Status: security.StatusOK, Payload: append([]byte("got "), payload...)}
			if err := security.WriteResponse(ctx, st, reply, resp); err != nil {
				return
			}
		}
	}()
	return seen
}

func TestNewClientOverPipe(t *testing.T) {
	a, b := net.Pipe()
	seen := servePipe(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := NewClient(ctx, a, Options{Credentials: clientCredentials(t)})
	require.NoError(t, err)

	auth, err := c.Authorization()
	require.NoError(t, err)
	assert.Equal(t, "alice", auth.User)
	assert.NotEmpty(t, auth.Ticket)
	assert.Equal(t, "pipe", c.RemoteAddr())

	resp, err := c.Request(ctx, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "got ping", string(resp.Payload))
	assert.Equal(t, commands.PROTOCOL_REQUEST_BLOCK, <-seen)

	require.NoError(t, c.Close())
	assert.Equal(t, commands.PROTOCOL_CLOSEDOWN, <-seen)
	require.NoError(t, c.Close())

	_, err = c.Request(ctx, []byte("again"))
	assert.ErrorIs(t, err, security.ErrSessionClosed)
}

func TestNewClientRejectedHandshake(t *testing.T) {
	a, b := net.Pipe()
	go func() {
		// Read the first block and hang up.
		st := stream.NewStream(b)
		defer st.Close()
		_, _ = security.ReadSecurityBlock(context.Background(), st)
	}()

	_, err := NewClient(context.Background(), a, Options{Credentials: clientCredentials(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrProtocol)
}

func TestDial(t *testing.T) {
	srv, err := server.New(server.Options{
		Credentials: serverCredentials(t),
		Handler: server.HandlerFunc(func(_ context.Context, peer security.Peer, payload []byte) *security.Response {
			return &security.Response{Status: security.StatusOK, Payload: []byte(peer.CommonName)}
		}),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	address := fmt.Sprintf("<%s?name=uda.example.org>", ln.Addr())
	c, err := Dial(ctx, address, Options{Credentials: clientCredentials(t), DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Request(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", string(resp.Payload))
}

func TestDialErrors(t *testing.T) {
	ctx := context.Background()
	creds := clientCredentials(t)

	_, err := Dial(ctx, "127.0.0.1:1", Options{})
	assert.Error(t, err, "no credentials")

	_, err = Dial(ctx, "127.0.0.1:bad", Options{Credentials: creds})
	assert.Error(t, err, "bad port")

	_, err = Dial(ctx, "127.0.0.1:1?name=other.example.org", Options{Credentials: creds})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other.example.org")

	// Nothing listens on the port of a closed listener.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	_, err = Dial(ctx, addr, Options{Credentials: creds, DialTimeout: time.Second})
	assert.Error(t, err)
}
