package security

import (
	"context"

	"github.com/PelicanPlatform/classad/classad"
	"github.com/pkg/errors"

	"github.com/uda-project/udaauth/commands"
	"github.com/uda-project/udaauth/message"
)

const (
	// MaxCertificateSize bounds a certificate received on the wire.
	MaxCertificateSize = 16 * 1024
	// MaxCertificates is the primary plus one delegated certificate.
	MaxCertificates = 2

	maxAdAttrs = 32
	maxAdValue = 8 * 1024
)

// Attribute names of the identity claim and authorization ads.
const (
	AttrVersion       = "Version"
	AttrPid           = "Pid"
	AttrUser          = "User"
	AttrUser2         = "User2"
	AttrOSName        = "OSName"
	AttrDOI           = "DOI"
	AttrReturnCode    = "ReturnCode"
	AttrTicket        = "Ticket"
	AttrDelegatedUser = "DelegatedUser"

	ClientBlockType  = "ClientBlock"
	ServerBlockType  = "ServerBlock"
	ReturnAuthorized = "AUTHORIZED"
)

var (
	clientAdWhitelist = []string{AttrVersion, AttrPid, AttrUser, AttrUser2, AttrOSName, AttrDOI}
	serverAdWhitelist = []string{AttrVersion, AttrReturnCode, AttrUser, AttrDelegatedUser, AttrTicket}
)

// SecurityBlock is one round of the exchange: a step number, up to two
// token envelopes, the client certificates on the first message only, and
// an optional ClassAd.
type SecurityBlock struct {
	Version      int
	Method       int
	Step         Step
	ClientToken  *Envelope
	ServerToken  *Envelope
	Certificates [][]byte
	Ad           *classad.ClassAd
}

func newBlock(step Step) *SecurityBlock {
	return &SecurityBlock{
		Version: commands.UDA_SECURITY_VERSION,
		Method:  commands.ENCRYPTION_RSA_OAEP_SHA256,
		Step:    step,
	}
}

// Release zeroes both envelopes and drops the certificate copies. Safe on nil.
func (b *SecurityBlock) Release() {
	if b == nil {
		return
	}
	b.ClientToken.Release()
	b.ServerToken.Release()
	b.ClientToken = nil
	b.ServerToken = nil
	b.Certificates = nil
}

// Encode writes the block body. The protocol identifier is written by the
// caller so that requests and replies can carry a block too.
func (b *SecurityBlock) Encode(ctx context.Context, m *message.Message) error {
	if err := m.PutInt(ctx, b.Version); err != nil {
		return err
	}
	if err := m.PutInt(ctx, b.Method); err != nil {
		return err
	}
	if err := m.PutInt(ctx, int(b.Step)); err != nil {
		return err
	}
	for _, env := range []*Envelope{b.ClientToken, b.ServerToken, nil} {
		var ct []byte
		if env != nil {
			ct = env.Ciphertext
		}
		if err := m.PutBlob(ctx, ct); err != nil {
			return err
		}
	}
	if err := m.PutInt(ctx, len(b.Certificates)); err != nil {
		return err
	}
	for _, cert := range b.Certificates {
		if err := m.PutBlob(ctx, cert); err != nil {
			return err
		}
	}
	if err := m.PutBool(ctx, b.Ad != nil); err != nil {
		return err
	}
	if b.Ad != nil {
		whitelist := serverAdWhitelist
		if t, _ := b.Ad.EvaluateAttrString("MyType"); t == ClientBlockType {
			whitelist = clientAdWhitelist
		}
		if err := m.PutClassAdWithOptions(ctx, b.Ad, &message.PutClassAdConfig{Whitelist: whitelist}); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSecurityBlock reads a block body written by Encode. Any framing or
// bounds violation is ErrMalformedEnvelope.
func DecodeSecurityBlock(ctx context.Context, m *message.Message) (*SecurityBlock, error) {
	b := &SecurityBlock{}
	malformed := func(what string, err error) (*SecurityBlock, error) {
		b.Release()
		return nil, errors.Wrapf(ErrMalformedEnvelope, "%s: %v", what, err)
	}

	var err error
	if b.Version, err = m.GetInt(ctx); err != nil {
		return malformed("version", err)
	}
	if b.Version < commands.UDA_SECURITY_VERSION {
		return malformed("version", errors.Errorf("%d predates mutual authentication", b.Version))
	}
	if b.Method, err = m.GetInt(ctx); err != nil {
		return malformed("encryption method", err)
	}
	if b.Method != commands.ENCRYPTION_RSA_OAEP_SHA256 {
		return malformed("encryption method", errors.Errorf("unsupported method %d", b.Method))
	}
	step, err := m.GetInt(ctx)
	if err != nil {
		return malformed("step", err)
	}
	b.Step = Step(step)

	slots := []TokenSlot{SlotClientToken, SlotServerToken, 0}
	for _, slot := range slots {
		ct, err := m.GetBlob(ctx, MaxEnvelopeSize)
		if err != nil {
			return malformed("envelope", err)
		}
		if len(ct) == 0 {
			continue
		}
		switch slot {
		case SlotClientToken:
			b.ClientToken = &Envelope{Slot: slot, Ciphertext: ct}
		case SlotServerToken:
			b.ServerToken = &Envelope{Slot: slot, Ciphertext: ct}
		default:
			// The delegated slot is reserved and must be empty.
			wipe(ct)
			return malformed("envelope", errors.New("delegated token slot is not supported"))
		}
	}

	count, err := m.GetInt(ctx)
	if err != nil {
		return malformed("certificate count", err)
	}
	if count < 0 || count > MaxCertificates {
		return malformed("certificate count", errors.Errorf("%d", count))
	}
	for i := 0; i < count; i++ {
		cert, err := m.GetBlob(ctx, MaxCertificateSize)
		if err != nil {
			return malformed("certificate", err)
		}
		if len(cert) == 0 {
			return malformed("certificate", errors.New("empty"))
		}
		b.Certificates = append(b.Certificates, cert)
	}

	hasAd, err := m.GetBool(ctx)
	if err != nil {
		return malformed("ad flag", err)
	}
	if hasAd {
		if b.Ad, err = m.GetClassAdWithMaxSize(ctx, maxAdAttrs, maxAdValue); err != nil {
			return malformed("ad", err)
		}
	}
	return b, nil
}

// WriteSecurityBlock sends b as a complete PROTOCOL_SECURITY_BLOCK message
// and releases it.
func WriteSecurityBlock(ctx context.Context, st message.StreamInterface, b *SecurityBlock) error {
	defer b.Release()
	m := message.NewMessageForStream(st)
	if err := m.PutInt(ctx, commands.PROTOCOL_SECURITY_BLOCK); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := b.Encode(ctx, m); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := m.FinishMessage(ctx); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

// ReadSecurityBlock receives one PROTOCOL_SECURITY_BLOCK message.
func ReadSecurityBlock(ctx context.Context, st message.StreamInterface) (*SecurityBlock, error) {
	m := message.NewMessageFromStream(st)
	protocol, err := m.GetInt(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	if protocol != commands.PROTOCOL_SECURITY_BLOCK {
		_ = m.Drain(ctx)
		return nil, errors.Wrapf(ErrMalformedEnvelope, "expected %s, got protocol %d",
			commands.GetCommandName(commands.PROTOCOL_SECURITY_BLOCK), protocol)
	}
	b, err := DecodeSecurityBlock(ctx, m)
	if err != nil {
		return nil, err
	}
	if !m.Finished() {
		b.Release()
		return nil, errors.Wrap(ErrMalformedEnvelope, "trailing data after security block")
	}
	return b, nil
}
