package security

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uda-project/udaauth/message"
	"github.com/uda-project/udaauth/stream"
)

// testStores is provisioned once for the package; RSA key generation
// dominates test time otherwise.
var testStores *TrustStores

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "uda-security-test")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	testStores, err = ProvisionTrustStores(ProvisionOptions{
		Dir:           dir,
		ClientName:    "alice",
		ServerName:    "uda.example.org",
		DelegatedName: "bob",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func loadTestCredentials(t *testing.T) (*ClientCredentials, *ServerCredentials) {
	t.Helper()
	client, err := LoadClientCredentials(ClientOptions{TrustStore: testStores.Client})
	require.NoError(t, err)
	server, err := LoadServerCredentials(ServerOptions{TrustStore: testStores.Server})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Release()
		server.Release()
	})
	return client, server
}

func newTestSessions(t *testing.T) (*ClientSession, *ServerSession) {
	t.Helper()
	clientCreds, serverCreds := loadTestCredentials(t)
	client, err := NewClientSession(clientCreds, ClientSessionOptions{})
	require.NoError(t, err)
	server, err := NewServerSession(serverCreds, ServerSessionOptions{PeerAddr: "pipe"})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// pipeStreams returns two framed streams joined by an in-memory connection.
func pipeStreams(t *testing.T) (*stream.Stream, *stream.Stream) {
	t.Helper()
	a, b := net.Pipe()
	sa, sb := stream.NewStream(a), stream.NewStream(b)
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

// frameQueue is a loopback StreamInterface: frames written are read back
// in order.
type frameQueue struct {
	frames [][]byte
	eoms   []bool
}

func (q *frameQueue) WriteFrame(_ context.Context, data []byte, isEOM bool) error {
	q.frames = append(q.frames, append([]byte(nil), data...))
	q.eoms = append(q.eoms, isEOM)
	return nil
}

func (q *frameQueue) ReadFrame(_ context.Context) ([]byte, bool, error) {
	if len(q.frames) == 0 {
		return nil, false, fmt.Errorf("no frames")
	}
	data, eom := q.frames[0], q.eoms[0]
	q.frames, q.eoms = q.frames[1:], q.eoms[1:]
	return data, eom, nil
}

// cloneBlock round-trips b through the wire codec without releasing it.
func cloneBlock(t *testing.T, b *SecurityBlock) *SecurityBlock {
	t.Helper()
	ctx := context.Background()
	q := &frameQueue{}
	m := message.NewMessageForStream(q)
	require.NoError(t, b.Encode(ctx, m))
	require.NoError(t, m.FinishMessage(ctx))
	out, err := DecodeSecurityBlock(ctx, message.NewMessageFromStream(q))
	require.NoError(t, err)
	return out
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
