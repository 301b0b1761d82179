package security

import (
	"context"

	"github.com/pkg/errors"

	"github.com/uda-project/udaauth/commands"
	"github.com/uda-project/udaauth/message"
)

// MaxPayloadSize bounds the application payload of one request or response.
const MaxPayloadSize = 4 * 1024 * 1024

// Response status codes.
const (
	StatusOK       = 0
	StatusError    = 1
	StatusNotFound = 2
	StatusDenied   = 3
)

// Response is the server's answer to one continuation request.
type Response struct {
	Status  int
	Payload []byte
	Error   string
}

// SendRequest starts a continuation round and sends payload with it as a
// PROTOCOL_REQUEST_BLOCK message.
func (c *ClientSession) SendRequest(ctx context.Context, st message.StreamInterface, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return errors.Errorf("request payload of %d bytes exceeds %d", len(payload), MaxPayloadSize)
	}
	block, err := c.Advance(nil)
	if err != nil {
		return err
	}
	defer block.Release()

	m := message.NewMessageForStream(st)
	if err := m.PutInt(ctx, commands.PROTOCOL_REQUEST_BLOCK); err != nil {
		return c.abort(StepContinuation, "sending request", errors.Wrap(ErrTransport, err.Error()))
	}
	if err := block.Encode(ctx, m); err != nil {
		return c.abort(StepContinuation, "sending request", errors.Wrap(ErrTransport, err.Error()))
	}
	if err := m.PutBlob(ctx, payload); err != nil {
		return c.abort(StepContinuation, "sending request", errors.Wrap(ErrTransport, err.Error()))
	}
	if err := m.FinishMessage(ctx); err != nil {
		return c.abort(StepContinuation, "sending request", errors.Wrap(ErrTransport, err.Error()))
	}
	return nil
}

// ReceiveResponse reads the PROTOCOL_DATA_BLOCK answering the last request
// and checks the server's proof before returning the payload.
func (c *ClientSession) ReceiveResponse(ctx context.Context, st message.StreamInterface) (*Response, error) {
	m := message.NewMessageFromStream(st)
	protocol, err := m.GetInt(ctx)
	if err != nil {
		return nil, c.abort(StepContinuation, "receiving response", errors.Wrap(ErrTransport, err.Error()))
	}
	if protocol != commands.PROTOCOL_DATA_BLOCK {
		return nil, c.abort(StepContinuation, "receiving response",
			errors.Wrapf(ErrMalformedEnvelope, "unexpected %s", commands.GetCommandName(protocol)))
	}
	block, err := DecodeSecurityBlock(ctx, m)
	if err != nil {
		return nil, c.abort(StepContinuation, "receiving response", err)
	}

	resp := &Response{}
	if resp.Status, err = m.GetInt(ctx); err == nil {
		if resp.Payload, err = m.GetBlob(ctx, MaxPayloadSize); err == nil {
			resp.Error, err = m.GetString(ctx)
		}
	}
	if err != nil {
		block.Release()
		return nil, c.abort(StepContinuation, "receiving response", errors.Wrap(ErrMalformedEnvelope, err.Error()))
	}

	if _, err := c.Advance(block); err != nil {
		return nil, err
	}
	return resp, nil
}

// Request runs one continuation round trip.
func (c *ClientSession) Request(ctx context.Context, st message.StreamInterface, payload []byte) (*Response, error) {
	if err := c.SendRequest(ctx, st, payload); err != nil {
		return nil, err
	}
	return c.ReceiveResponse(ctx, st)
}

// OpenRequest decodes the body of a PROTOCOL_REQUEST_BLOCK message whose
// protocol identifier has already been read, verifies the client's proof
// and returns the payload with the reply block to send back.
func (s *ServerSession) OpenRequest(ctx context.Context, m *message.Message) ([]byte, *SecurityBlock, error) {
	block, err := DecodeSecurityBlock(ctx, m)
	if err != nil {
		return nil, nil, s.abort(StepContinuation, "receiving request", err)
	}
	payload, err := m.GetBlob(ctx, MaxPayloadSize)
	if err != nil {
		block.Release()
		return nil, nil, s.abort(StepContinuation, "receiving request", errors.Wrap(ErrMalformedEnvelope, err.Error()))
	}
	reply, err := s.Advance(block)
	if err != nil {
		return nil, nil, err
	}
	return payload, reply, nil
}

// WriteResponse sends resp with the reply block from OpenRequest and
// releases the block.
func WriteResponse(ctx context.Context, st message.StreamInterface, reply *SecurityBlock, resp *Response) error {
	defer reply.Release()
	m := message.NewMessageForStream(st)
	if err := m.PutInt(ctx, commands.PROTOCOL_DATA_BLOCK); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := reply.Encode(ctx, m); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := m.PutInt(ctx, resp.Status); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := m.PutBlob(ctx, resp.Payload); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := m.PutString(ctx, resp.Error); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := m.FinishMessage(ctx); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}
