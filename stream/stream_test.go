package stream

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func newBufferStream() (*Stream, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Stream{reader: &buf, writer: &buf}, &buf
}

func TestMessageFraming(t *testing.T) {
	ctx := context.Background()
	stream, _ := newBufferStream()

	testFrame := []byte("security block")
	if err := stream.SendMessage(ctx, testFrame); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	received, err := stream.ReceiveFrame(ctx)
	if err != nil {
		t.Fatalf("Failed to receive message: %v", err)
	}
	if !bytes.Equal(testFrame, received) {
		t.Errorf("Message mismatch: sent %q, received %q", testFrame, received)
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	ctx := context.Background()
	stream, buf := newBufferStream()

	if err := stream.SendPartialMessage(ctx, []byte("abc")); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	want := []byte{EndFlagPartial, 0, 0, 0, 3, 'a', 'b', 'c'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("Unexpected frame bytes: got %x, want %x", buf.Bytes(), want)
	}
}

func TestEmptyMessage(t *testing.T) {
	ctx := context.Background()
	stream, _ := newBufferStream()

	if err := stream.SendMessage(ctx, []byte{}); err != nil {
		t.Fatalf("Failed to send empty message: %v", err)
	}

	received, err := stream.ReceiveFrame(ctx)
	if err != nil {
		t.Fatalf("Failed to receive empty message: %v", err)
	}
	if len(received) != 0 {
		t.Errorf("Expected empty message, got %d bytes", len(received))
	}
}

func TestMessageTooLarge(t *testing.T) {
	stream, _ := newBufferStream()

	err := stream.SendMessage(context.Background(), make([]byte, MaxMessageSize+1))
	if err == nil {
		t.Fatal("Expected error for oversized message")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestInvalidEndFlag(t *testing.T) {
	stream, buf := newBufferStream()
	buf.Write([]byte{7, 0, 0, 0, 0})

	if _, err := stream.ReceiveFrame(context.Background()); err == nil {
		t.Fatal("Expected error for invalid end flag")
	}
}

func TestMultiFrameMessages(t *testing.T) {
	ctx := context.Background()
	stream, _ := newBufferStream()

	parts := [][]byte{[]byte("first "), []byte("second "), []byte("third")}
	for i, part := range parts {
		if err := stream.WriteFrame(ctx, part, i == len(parts)-1); err != nil {
			t.Fatalf("WriteFrame %d failed: %v", i, err)
		}
	}

	complete, err := stream.ReceiveCompleteMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveCompleteMessage failed: %v", err)
	}
	if string(complete) != "first second third" {
		t.Errorf("Unexpected message: %q", complete)
	}
}

func TestReadFrameEOM(t *testing.T) {
	ctx := context.Background()
	stream, _ := newBufferStream()

	_ = stream.WriteFrame(ctx, []byte("a"), false)
	_ = stream.WriteFrame(ctx, []byte("b"), true)

	_, eom, err := stream.ReadFrame(ctx)
	if err != nil || eom {
		t.Fatalf("First frame: eom=%v err=%v", eom, err)
	}
	_, eom, err = stream.ReadFrame(ctx)
	if err != nil || !eom {
		t.Fatalf("Second frame: eom=%v err=%v", eom, err)
	}
}

func TestEchoOverPipe(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = server.Close() }()
	defer func() { _ = client.Close() }()

	serverStream := NewStream(server)
	clientStream := NewStream(client)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		msg, err := serverStream.ReceiveCompleteMessage(ctx)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- serverStream.SendMessage(ctx, msg)
	}()

	if err := clientStream.SendMessage(ctx, []byte("ping")); err != nil {
		t.Fatalf("Client send failed: %v", err)
	}
	reply, err := clientStream.ReceiveCompleteMessage(ctx)
	if err != nil {
		t.Fatalf("Client receive failed: %v", err)
	}
	if string(reply) != "ping" {
		t.Errorf("Unexpected echo: %q", reply)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Server error: %v", err)
	}
}

func TestStreamPeerAddr(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = server.Close() }()
	defer func() { _ = client.Close() }()

	serverStream := NewStream(server)
	if serverStream.GetPeerAddr() == "" {
		t.Error("Expected peer address to be captured")
	}

	serverStream.SetPeerAddr("192.168.1.100:56565")
	if serverStream.GetPeerAddr() != "192.168.1.100:56565" {
		t.Errorf("SetPeerAddr not applied: %s", serverStream.GetPeerAddr())
	}

	if NewStream(nil).GetPeerAddr() != "" {
		t.Error("Expected empty peer address for nil connection")
	}
}

func TestIdleTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = server.Close() }()
	defer func() { _ = client.Close() }()

	clientStream := NewStream(client)
	if err := clientStream.SetTimeout(100 * time.Millisecond); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	if clientStream.GetTimeout() != 100*time.Millisecond {
		t.Errorf("Unexpected timeout %v", clientStream.GetTimeout())
	}

	start := time.Now()
	_, err := clientStream.ReceiveFrame(context.Background())
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Timeout took too long: %v", elapsed)
	}
}

func TestContextCancelClosesStream(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = server.Close() }()

	clientStream := NewStream(client)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := clientStream.ReceiveFrame(ctx)
	if err == nil {
		t.Fatal("Expected cancellation error")
	}

	// Close is idempotent after cancellation already closed the connection.
	_ = clientStream.Close()
	_ = clientStream.Close()
}
