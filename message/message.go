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

// Package message provides typed encoding of protocol messages on top of
// stream frames.
//
// Wire types:
//   - Integers: 64-bit values in network (big-endian) byte order
//   - Strings: NUL-terminated
//   - Blobs: 64-bit length followed by raw bytes
//   - ClassAds: expression count, "attr = value" strings, MyType, TargetType
//
// A Message may span several frames. Readers pull frames from the stream
// as needed; writers flush a partial frame when the buffer grows past
// TargetFrameSize and a final frame on FinishMessage.
package message

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// ErrStringSizeExceeded is returned when a string exceeds the maximum allowed size.
type ErrStringSizeExceeded struct {
	Length  int
	MaxSize int
}

func (e *ErrStringSizeExceeded) Error() string {
	return fmt.Sprintf("string length (%d bytes) exceeds maximum allowed size (%d bytes)", e.Length, e.MaxSize)
}

// ErrBlobSizeExceeded is returned when a length-prefixed blob announces more
// bytes than the caller allows.
type ErrBlobSizeExceeded struct {
	Length  int
	MaxSize int
}

func (e *ErrBlobSizeExceeded) Error() string {
	return fmt.Sprintf("blob length (%d bytes) outside allowed range [0, %d]", e.Length, e.MaxSize)
}

const (
	// IntSize is the number of bytes for integers on the wire.
	IntSize = 8
	// MaxFrameSize is the maximum payload of a single frame.
	MaxFrameSize = 1024 * 1024
	// TargetFrameSize is the buffer size at which a partial frame is flushed.
	TargetFrameSize = 16 * 1024
	// DefaultMaxStringSize bounds strings read with GetString.
	DefaultMaxStringSize = 64 * 1024
)

// CodingDirection represents the message direction (encode vs decode)
type CodingDirection int

const (
	CodingEncode CodingDirection = iota
	CodingDecode
)

// StreamInterface is what a Message needs from the transport.
type StreamInterface interface {
	ReadFrame(ctx context.Context) ([]byte, bool, error) // data, isEOM, error
	WriteFrame(ctx context.Context, data []byte, isEOM bool) error
}

// Message is a logical protocol message that may span multiple frames.
type Message struct {
	stream    StreamInterface
	buffer    *bytes.Buffer
	direction CodingDirection
	isEOM     bool
	finished  bool
}

// NewMessageFromStream creates a message for reading from a stream.
func NewMessageFromStream(stream StreamInterface) *Message {
	return &Message{
		stream:    stream,
		buffer:    &bytes.Buffer{},
		direction: CodingDecode,
	}
}

// NewMessageForStream creates a message for writing to a stream.
func NewMessageForStream(stream StreamInterface) *Message {
	return &Message{
		stream:    stream,
		buffer:    &bytes.Buffer{},
		direction: CodingEncode,
	}
}

// ensureData reads frames until at least needed bytes are buffered or the
// message ends.
func (m *Message) ensureData(ctx context.Context, needed int) error {
	for m.buffer.Len() < needed && !m.isEOM {
		frameData, isEOM, err := m.stream.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if len(frameData) > 0 {
			m.buffer.Write(frameData)
		}
		m.isEOM = isEOM
	}

	if m.buffer.Len() < needed {
		m.finished = true
		return io.EOF
	}
	return nil
}

// IsEncode returns true if in encode mode
func (m *Message) IsEncode() bool {
	return m.direction == CodingEncode
}

// IsDecode returns true if in decode mode
func (m *Message) IsDecode() bool {
	return m.direction == CodingDecode
}

// Finished reports whether the whole message has been consumed.
func (m *Message) Finished() bool {
	return m.isEOM && m.buffer.Len() == 0
}

// Drain discards whatever remains of the message being read so the stream
// is positioned at the next message.
func (m *Message) Drain(ctx context.Context) error {
	if m.direction != CodingDecode {
		return fmt.Errorf("can only drain in decode mode")
	}
	for !m.isEOM {
		_, isEOM, err := m.stream.ReadFrame(ctx)
		if err != nil {
			return err
		}
		m.isEOM = isEOM
	}
	m.buffer.Reset()
	m.finished = true
	return nil
}

// FlushFrame sends the current buffer as a frame.
func (m *Message) FlushFrame(ctx context.Context, isEOM bool) error {
	if m.direction != CodingEncode {
		return fmt.Errorf("can only flush frames in encode mode")
	}
	if err := m.stream.WriteFrame(ctx, m.buffer.Bytes(), isEOM); err != nil {
		return err
	}
	m.buffer.Reset()
	return nil
}

// FinishMessage sends any buffered data with the end-of-message flag.
func (m *Message) FinishMessage(ctx context.Context) error {
	if m.direction != CodingEncode {
		return fmt.Errorf("can only finish messages in encode mode")
	}
	return m.FlushFrame(ctx, true)
}

func (m *Message) reserve(ctx context.Context, n int) error {
	if m.buffer.Len() > 0 && m.buffer.Len()+n > TargetFrameSize {
		return m.FlushFrame(ctx, false)
	}
	return nil
}

//
// READ OPERATIONS
//

// GetChar reads a single byte.
func (m *Message) GetChar(ctx context.Context) (byte, error) {
	if err := m.ensureData(ctx, 1); err != nil {
		return 0, err
	}
	return m.buffer.ReadByte()
}

// GetInt reads a 64-bit integer.
func (m *Message) GetInt(ctx context.Context) (int, error) {
	v, err := m.GetInt64(ctx)
	return int(v), err
}

// GetInt64 reads a 64-bit integer.
func (m *Message) GetInt64(ctx context.Context) (int64, error) {
	if err := m.ensureData(ctx, IntSize); err != nil {
		return 0, err
	}
	var buf [IntSize]byte
	if _, err := io.ReadFull(m.buffer, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// GetInt32 reads a 64-bit integer and narrows it to int32.
func (m *Message) GetInt32(ctx context.Context) (int32, error) {
	v, err := m.GetInt64(ctx)
	return int32(v), err
}

// GetBool reads an integer and reports whether it is non-zero.
func (m *Message) GetBool(ctx context.Context) (bool, error) {
	v, err := m.GetInt64(ctx)
	return v != 0, err
}

// GetString reads a NUL-terminated string of at most DefaultMaxStringSize bytes.
func (m *Message) GetString(ctx context.Context) (string, error) {
	return m.GetStringWithMaxSize(ctx, DefaultMaxStringSize)
}

// GetStringWithMaxSize reads a NUL-terminated string. It never buffers more
// than maxSize bytes of string data; a longer string returns the truncated
// prefix with an ErrStringSizeExceeded.
func (m *Message) GetStringWithMaxSize(ctx context.Context, maxSize int) (string, error) {
	if maxSize <= 0 {
		return "", nil
	}

	var result []byte
	for {
		if err := m.ensureData(ctx, 1); err != nil {
			if err == io.EOF {
				if len(result) > 0 {
					return string(result), &ErrStringSizeExceeded{Length: len(result), MaxSize: maxSize}
				}
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		b, err := m.buffer.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(result), nil
		}
		if len(result) >= maxSize {
			return string(result), &ErrStringSizeExceeded{Length: -1, MaxSize: maxSize}
		}
		result = append(result, b)
	}
}

// GetBytes reads exactly numBytes raw bytes.
func (m *Message) GetBytes(ctx context.Context, numBytes int) ([]byte, error) {
	if m.direction != CodingDecode {
		return nil, fmt.Errorf("can only get bytes in decode mode")
	}
	if numBytes <= 0 {
		return []byte{}, nil
	}
	if err := m.ensureData(ctx, numBytes); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	data := make([]byte, numBytes)
	if _, err := io.ReadFull(m.buffer, data); err != nil {
		return nil, err
	}
	return data, nil
}

// GetBlob reads a length-prefixed byte string of at most maxSize bytes.
// A zero length yields a nil slice.
func (m *Message) GetBlob(ctx context.Context, maxSize int) ([]byte, error) {
	length, err := m.GetInt64(ctx)
	if err != nil {
		return nil, err
	}
	if length < 0 || length > int64(maxSize) {
		return nil, &ErrBlobSizeExceeded{Length: int(length), MaxSize: maxSize}
	}
	if length == 0 {
		return nil, nil
	}
	return m.GetBytes(ctx, int(length))
}

//
// WRITE OPERATIONS
//

// PutChar writes a single byte.
func (m *Message) PutChar(ctx context.Context, c byte) error {
	if err := m.reserve(ctx, 1); err != nil {
		return err
	}
	return m.buffer.WriteByte(c)
}

// PutInt writes an int as a 64-bit value.
func (m *Message) PutInt(ctx context.Context, value int) error {
	return m.PutInt64(ctx, int64(value))
}

// PutInt32 writes an int32 as a 64-bit value.
func (m *Message) PutInt32(ctx context.Context, value int32) error {
	return m.PutInt64(ctx, int64(value))
}

// PutInt64 writes a 64-bit value.
func (m *Message) PutInt64(ctx context.Context, value int64) error {
	if err := m.reserve(ctx, IntSize); err != nil {
		return err
	}
	var buf [IntSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	_, err := m.buffer.Write(buf[:])
	return err
}

// PutBool writes 1 or 0.
func (m *Message) PutBool(ctx context.Context, value bool) error {
	if value {
		return m.PutInt64(ctx, 1)
	}
	return m.PutInt64(ctx, 0)
}

// PutString writes s with a NUL terminator. A string containing NUL is
// truncated at the first NUL.
func (m *Message) PutString(ctx context.Context, s string) error {
	if i := bytes.IndexByte([]byte(s), 0); i >= 0 {
		s = s[:i]
	}
	return m.PutBytes(ctx, []byte(s+"\x00"))
}

// PutBytes writes raw bytes without a length prefix, splitting across
// frames as needed.
func (m *Message) PutBytes(ctx context.Context, data []byte) error {
	if m.direction != CodingEncode {
		return fmt.Errorf("can only put bytes in encode mode")
	}

	for len(data) > 0 {
		if err := m.reserve(ctx, len(data)); err != nil {
			return err
		}
		chunk := data
		if len(chunk) > MaxFrameSize-m.buffer.Len() {
			chunk = chunk[:MaxFrameSize-m.buffer.Len()]
		}
		if _, err := m.buffer.Write(chunk); err != nil {
			return err
		}
		data = data[len(chunk):]
		if len(data) > 0 {
			if err := m.FlushFrame(ctx, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutBlob writes a 64-bit length followed by data.
func (m *Message) PutBlob(ctx context.Context, data []byte) error {
	if err := m.PutInt64(ctx, int64(len(data))); err != nil {
		return err
	}
	return m.PutBytes(ctx, data)
}
