package security

import (
	"context"
	"testing"

	"github.com/PelicanPlatform/classad/classad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uda-project/udaauth/commands"
	"github.com/uda-project/udaauth/message"
)

func TestSecurityBlockWire(t *testing.T) {
	ctx := context.Background()
	claim := ClientClaim{User: "alice", OSName: "linux", DOI: "10.1234/x", Pid: 42}

	in := newBlock(StepClientIssueToken)
	in.ClientToken = &Envelope{Slot: SlotClientToken, Ciphertext: []byte{1, 2, 3, 4}}
	in.Certificates = [][]byte{{0x30, 0x01}}
	in.Ad = claim.ad()

	q := &frameQueue{}
	require.NoError(t, WriteSecurityBlock(ctx, q, in))
	assert.Nil(t, in.ClientToken, "WriteSecurityBlock releases the block")

	out, err := ReadSecurityBlock(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, StepClientIssueToken, out.Step)
	assert.Equal(t, []byte{1, 2, 3, 4}, out.ClientToken.Ciphertext)
	assert.Nil(t, out.ServerToken)
	assert.Equal(t, [][]byte{{0x30, 0x01}}, out.Certificates)

	got := claimFromAd(out.Ad)
	assert.Equal(t, claim, got)
}

func TestServerAdWhitelist(t *testing.T) {
	ad := classad.New()
	_ = ad.Set("MyType", ServerBlockType)
	_ = ad.Set(AttrReturnCode, ReturnAuthorized)
	_ = ad.Set("Secret", "must not travel")

	b := newBlock(StepServerVerifyToken)
	b.Ad = ad
	out := cloneBlock(t, b)

	rc, ok := out.Ad.EvaluateAttrString(AttrReturnCode)
	assert.True(t, ok)
	assert.Equal(t, ReturnAuthorized, rc)
	_, ok = out.Ad.EvaluateAttrString("Secret")
	assert.False(t, ok)
}

func encodeRaw(t *testing.T, fields func(m *message.Message)) *frameQueue {
	t.Helper()
	q := &frameQueue{}
	m := message.NewMessageForStream(q)
	fields(m)
	require.NoError(t, m.FinishMessage(context.Background()))
	return q
}

func TestDecodeRejectsMalformedBlocks(t *testing.T) {
	ctx := context.Background()
	header := func(m *message.Message, version, method, step int) {
		_ = m.PutInt(ctx, commands.PROTOCOL_SECURITY_BLOCK)
		_ = m.PutInt(ctx, version)
		_ = m.PutInt(ctx, method)
		_ = m.PutInt(ctx, step)
	}

	cases := map[string]func(m *message.Message){
		"old version": func(m *message.Message) {
			header(m, 6, commands.ENCRYPTION_RSA_OAEP_SHA256, 1)
		},
		"unknown method": func(m *message.Message) {
			header(m, commands.UDA_SECURITY_VERSION, 99, 1)
		},
		"delegated slot used": func(m *message.Message) {
			header(m, commands.UDA_SECURITY_VERSION, commands.ENCRYPTION_RSA_OAEP_SHA256, 1)
			_ = m.PutBlob(ctx, nil)
			_ = m.PutBlob(ctx, nil)
			_ = m.PutBlob(ctx, []byte{9})
		},
		"oversized envelope": func(m *message.Message) {
			header(m, commands.UDA_SECURITY_VERSION, commands.ENCRYPTION_RSA_OAEP_SHA256, 1)
			_ = m.PutBlob(ctx, make([]byte, MaxEnvelopeSize+1))
		},
		"too many certificates": func(m *message.Message) {
			header(m, commands.UDA_SECURITY_VERSION, commands.ENCRYPTION_RSA_OAEP_SHA256, 1)
			_ = m.PutBlob(ctx, nil)
			_ = m.PutBlob(ctx, nil)
			_ = m.PutBlob(ctx, nil)
			_ = m.PutInt(ctx, 3)
		},
		"truncated": func(m *message.Message) {
			header(m, commands.UDA_SECURITY_VERSION, commands.ENCRYPTION_RSA_OAEP_SHA256, 1)
		},
		"wrong protocol": func(m *message.Message) {
			_ = m.PutInt(ctx, commands.PROTOCOL_DATA_BLOCK)
		},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadSecurityBlock(ctx, encodeRaw(t, fields))
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
			assert.Equal(t, ErrProtocol, ErrorKind(err))
		})
	}
}

func TestStepNames(t *testing.T) {
	assert.Equal(t, "CLIENT_ISSUE_TOKEN", StepClientIssueToken.String())
	assert.Equal(t, "HOUSEKEEPING", StepHousekeeping.String())
	assert.Equal(t, "STEP_42", Step(42).String())
}
