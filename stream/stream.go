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

// Package stream provides length-framed, ordered message delivery over a
// reliable connection.
//
// Every frame on the wire is
//
//	[1 byte: end flag] [4 bytes: payload length, network order] [payload]
//
// and a logical message is one or more frames, the last of which carries
// EndFlagComplete.
package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Stream is a framed message stream over a net.Conn.
type Stream struct {
	conn   net.Conn
	reader io.Reader
	writer io.Writer

	peerAddr string

	authenticated bool

	// timeout is re-armed as a connection deadline before every frame read
	// and write. Zero disables it.
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

const (
	// HeaderSize is the size of the frame header.
	HeaderSize = 5

	// MaxMessageSize bounds a single frame payload.
	MaxMessageSize = 1024 * 1024

	// MaxAssembledSize bounds a message assembled from several frames.
	MaxAssembledSize = 16 * MaxMessageSize

	EndFlagPartial  = 0 // More frames follow
	EndFlagComplete = 1 // Last frame in message
)

// NewStream creates a stream over conn.
func NewStream(conn net.Conn) *Stream {
	peerAddr := ""
	if conn != nil && conn.RemoteAddr() != nil {
		peerAddr = conn.RemoteAddr().String()
	}

	return &Stream{
		conn:     conn,
		reader:   conn,
		writer:   conn,
		peerAddr: peerAddr,
	}
}

// writeWithContext runs the write in a goroutine and closes the connection
// if ctx is cancelled first, which unblocks the write.
func (s *Stream) writeWithContext(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	type writeResult struct {
		n   int
		err error
	}

	done := make(chan writeResult, 1)
	go func() {
		n, err := s.writer.Write(data)
		done <- writeResult{n: n, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = s.Close()
		<-done
		return ctx.Err()
	case result := <-done:
		if result.err != nil {
			return result.err
		}
		if result.n != len(data) {
			return fmt.Errorf("short write: wrote %d of %d bytes", result.n, len(data))
		}
		return nil
	}
}

// readWithContext fills data, closing the connection if ctx is cancelled
// before the read completes.
func (s *Stream) readWithContext(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	type readResult struct {
		n   int
		err error
	}

	done := make(chan readResult, 1)
	go func() {
		n, err := io.ReadFull(s.reader, data)
		done <- readResult{n: n, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = s.Close()
		<-done
		return ctx.Err()
	case result := <-done:
		return result.err
	}
}

// armDeadline applies the idle timeout to the underlying connection.
func (s *Stream) armDeadline() error {
	if s.conn == nil || s.timeout <= 0 {
		return nil
	}
	return s.conn.SetDeadline(time.Now().Add(s.timeout))
}

// SendMessage sends data as a complete single-frame message.
func (s *Stream) SendMessage(ctx context.Context, data []byte) error {
	return s.sendFrame(ctx, data, EndFlagComplete)
}

// SendPartialMessage sends data as a frame with more frames to follow.
func (s *Stream) SendPartialMessage(ctx context.Context, data []byte) error {
	return s.sendFrame(ctx, data, EndFlagPartial)
}

func (s *Stream) sendFrame(ctx context.Context, data []byte, end byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}
	if err := s.armDeadline(); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	frame := make([]byte, HeaderSize+len(data))
	frame[0] = end
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(len(data)))
	copy(frame[HeaderSize:], data)

	if err := s.writeWithContext(ctx, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReceiveFrame receives a single frame and returns its payload.
func (s *Stream) ReceiveFrame(ctx context.Context) ([]byte, error) {
	data, _, err := s.ReceiveFrameWithEnd(ctx)
	return data, err
}

// ReceiveFrameWithEnd receives a single frame and returns its payload and
// end flag.
func (s *Stream) ReceiveFrameWithEnd(ctx context.Context) ([]byte, byte, error) {
	if err := s.armDeadline(); err != nil {
		return nil, 0, fmt.Errorf("failed to set deadline: %w", err)
	}

	header := make([]byte, HeaderSize)
	if err := s.readWithContext(ctx, header); err != nil {
		return nil, 0, fmt.Errorf("failed to read frame header: %w", err)
	}

	endFlag := header[0]
	length := binary.BigEndian.Uint32(header[1:HeaderSize])

	if length > MaxMessageSize {
		return nil, 0, fmt.Errorf("message too large: %d bytes (max %d)", length, MaxMessageSize)
	}
	if endFlag != EndFlagPartial && endFlag != EndFlagComplete {
		return nil, 0, fmt.Errorf("invalid end flag: %d", endFlag)
	}
	if length == 0 {
		return []byte{}, endFlag, nil
	}

	data := make([]byte, length)
	if err := s.readWithContext(ctx, data); err != nil {
		return nil, 0, fmt.Errorf("failed to read message data: %w", err)
	}
	return data, endFlag, nil
}

// ReceiveCompleteMessage reads frames until one carries EndFlagComplete and
// returns the concatenated payload.
func (s *Stream) ReceiveCompleteMessage(ctx context.Context) ([]byte, error) {
	var complete []byte
	for {
		data, endFlag, err := s.ReceiveFrameWithEnd(ctx)
		if err != nil {
			return nil, err
		}
		if len(complete)+len(data) > MaxAssembledSize {
			return nil, fmt.Errorf("assembled message exceeds %d bytes", MaxAssembledSize)
		}
		complete = append(complete, data...)
		if endFlag == EndFlagComplete {
			return complete, nil
		}
	}
}

// ReadFrame reads a single frame and reports whether it ended the message.
func (s *Stream) ReadFrame(ctx context.Context) ([]byte, bool, error) {
	data, endFlag, err := s.ReceiveFrameWithEnd(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, endFlag == EndFlagComplete, nil
}

// WriteFrame writes a single frame, marking the end of message when isEOM.
func (s *Stream) WriteFrame(ctx context.Context, data []byte, isEOM bool) error {
	if isEOM {
		return s.SendMessage(ctx, data)
	}
	return s.SendPartialMessage(ctx, data)
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
	})
	return s.closeErr
}

// GetPeerAddr returns the remote address of the connection.
func (s *Stream) GetPeerAddr() string {
	return s.peerAddr
}

// SetPeerAddr overrides the remote address reported by GetPeerAddr.
func (s *Stream) SetPeerAddr(addr string) {
	s.peerAddr = addr
}

// IsAuthenticated reports whether mutual authentication completed on this stream.
func (s *Stream) IsAuthenticated() bool {
	return s.authenticated
}

// SetAuthenticated records the authentication status of the stream.
func (s *Stream) SetAuthenticated(authenticated bool) {
	s.authenticated = authenticated
}

// SetTimeout sets the idle timeout applied to every frame read and write.
// A timeout of 0 clears any deadline.
func (s *Stream) SetTimeout(duration time.Duration) error {
	s.timeout = duration
	if s.conn == nil {
		return nil
	}
	if duration > 0 {
		return s.conn.SetDeadline(time.Now().Add(duration))
	}
	return s.conn.SetDeadline(time.Time{})
}

// GetTimeout returns the idle timeout.
func (s *Stream) GetTimeout() time.Duration {
	return s.timeout
}
