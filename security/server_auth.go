package security

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/PelicanPlatform/classad/classad"
	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/uda-project/udaauth/commands"
	ulog "github.com/uda-project/udaauth/log"
	"github.com/uda-project/udaauth/message"
)

// ServerState is the position of a server session in the exchange.
type ServerState int

const (
	ServerInit ServerState = iota
	ServerAwaitClientProof
	ServerAuthenticated
	ServerClosed
	ServerAborted
)

func (s ServerState) String() string {
	switch s {
	case ServerInit:
		return "init"
	case ServerAwaitClientProof:
		return "await-client-proof"
	case ServerAuthenticated:
		return "authenticated"
	case ServerClosed:
		return "closed"
	case ServerAborted:
		return "aborted"
	}
	return "unknown"
}

// Peer is the authenticated client as seen by the server.
type Peer struct {
	Subject          string
	CommonName       string
	DelegatedSubject string
	Claim            ClientClaim
	Addr             string
	Ticket           string
}

// ServerSessionOptions configures a ServerSession.
type ServerSessionOptions struct {
	Nonce          *NonceGenerator
	Logger         *logging.Logger
	Metrics        *Metrics
	Now            func() time.Time
	PeerAddr       string
	TicketLifetime time.Duration
}

// ServerSession drives the server side of one connection.
type ServerSession struct {
	creds          *ServerCredentials
	nonce          *NonceGenerator
	log            *logging.Logger
	metrics        *Metrics
	now            func() time.Time
	addr           string
	ticketLifetime time.Duration

	mu        sync.Mutex
	state     ServerState
	started   time.Time
	clientPub *rsa.PublicKey
	b         *Token // server token the client must return
	peer      Peer
	err       error
}

// NewServerSession prepares a session for one accepted connection.
func NewServerSession(creds *ServerCredentials, opts ServerSessionOptions) (*ServerSession, error) {
	if creds == nil {
		return nil, errors.Wrap(ErrKeyMaterial, "no server credentials")
	}
	nonce := opts.Nonce
	if nonce == nil {
		var err error
		if nonce, err = NewNonceGenerator(NonceStrong, DefaultNonceBits); err != nil {
			return nil, err
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := opts.Logger
	if l == nil {
		l = ulog.Discard("uda/auth/server")
	}
	return &ServerSession{
		creds:          creds,
		nonce:          nonce,
		log:            l,
		metrics:        opts.Metrics,
		now:            now,
		addr:           opts.PeerAddr,
		ticketLifetime: opts.TicketLifetime,
	}, nil
}

// State returns the current state.
func (s *ServerSession) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the authenticated client identity.
func (s *ServerSession) Peer() (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case ServerAuthenticated:
		return s.peer, nil
	case ServerAborted:
		return Peer{}, s.err
	}
	return Peer{}, errors.Wrapf(ErrSessionClosed, "session is %s", s.state)
}

// Advance consumes one block from the client and returns the reply. Advance
// owns in and releases it.
func (s *ServerSession) Advance(in *SecurityBlock) (*SecurityBlock, error) {
	defer in.Release()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ServerInit:
		if err := s.expect(in, StepClientIssueToken); err != nil {
			return nil, err
		}
		return s.answerClientToken(in)
	case ServerAwaitClientProof:
		if err := s.expect(in, StepClientEncryptServerToken); err != nil {
			return nil, err
		}
		return s.verifyClient(in)
	case ServerAuthenticated:
		if err := s.expect(in, StepContinuation); err != nil {
			return nil, err
		}
		return s.continuation(in)
	case ServerAborted:
		return nil, s.err
	}
	return nil, newAuthError(ErrProtocol, RoleServer, StepHousekeeping, "session closed", ErrSessionClosed)
}

func (s *ServerSession) expect(in *SecurityBlock, want Step) error {
	if in == nil {
		return s.fail(want, "missing block", ErrMalformedEnvelope)
	}
	if in.Step != want {
		return s.fail(in.Step, "expected "+want.String(), ErrStepInconsistency)
	}
	return nil
}

func (s *ServerSession) fail(step Step, msg string, err error) error {
	authErr := newAuthError(ErrorKind(err), RoleServer, step, msg, err)
	if s.addr != "" {
		s.log.Warningf("%s: handshake aborted: %v", s.addr, authErr)
	} else {
		s.log.Warningf("handshake aborted: %v", authErr)
	}

	if s.state < ServerAuthenticated {
		s.metrics.handshakeDone(RoleServer, s.started, authErr)
	} else {
		s.metrics.continuationDone(RoleServer, authErr)
	}
	s.b.Release()
	s.b = nil
	s.clientPub = nil
	s.state = ServerAborted
	s.err = authErr
	return authErr
}

// answerClientToken covers steps 2 to 4: validate the client certificate,
// recover A, return it under the client key, and issue B.
func (s *ServerSession) answerClientToken(in *SecurityBlock) (*SecurityBlock, error) {
	s.started = s.now()
	now := s.now()

	if len(in.Certificates) == 0 {
		return nil, s.fail(StepClientIssueToken, "no client certificate", ErrMalformedEnvelope)
	}
	cert, err := ParseCertificate(in.Certificates[0])
	if err != nil {
		return nil, s.fail(StepClientIssueToken, "client certificate", err)
	}
	clientPub, err := ValidatePeerCertificate(cert, s.creds.CA, now)
	if err != nil {
		return nil, s.fail(StepClientIssueToken, "client certificate", err)
	}

	var delegated *Certificate
	if len(in.Certificates) > 1 {
		if delegated, err = ParseCertificate(in.Certificates[1]); err != nil {
			return nil, s.fail(StepClientIssueToken, "delegated certificate", err)
		}
		if _, err := ValidatePeerCertificate(delegated, s.creds.CA, now); err != nil {
			return nil, s.fail(StepClientIssueToken, "delegated certificate", err)
		}
	}

	priv, err := s.creds.PrivateKey()
	if err != nil {
		return nil, s.fail(StepServerDecryptClientToken, "loading key", err)
	}
	a, err := Decrypt(in.ClientToken, priv, SlotClientToken, 0)
	if err != nil {
		return nil, s.fail(StepServerDecryptClientToken, "decrypting token A", err)
	}
	envA, err := Encrypt(a, clientPub, SlotClientToken)
	a.Release()
	if err != nil {
		return nil, s.fail(StepServerEncryptClientToken, "encrypting token A", err)
	}

	b, err := s.nonce.Generate()
	if err != nil {
		envA.Release()
		return nil, s.fail(StepServerIssueToken, "generating token B", err)
	}
	envB, err := Encrypt(b, clientPub, SlotServerToken)
	if err != nil {
		envA.Release()
		b.Release()
		return nil, s.fail(StepServerIssueToken, "encrypting token B", err)
	}

	s.clientPub = clientPub
	s.b = b
	s.peer = Peer{
		Subject:    cert.Subject(),
		CommonName: cert.CommonName(),
		Claim:      claimFromAd(in.Ad),
		Addr:       s.addr,
	}
	if delegated != nil {
		s.peer.DelegatedSubject = delegated.Subject()
	}

	s.log.Debugf("step %d: %s presented a valid certificate", StepServerIssueToken, s.peer.Subject)
	out := newBlock(StepServerIssueToken)
	out.ClientToken = envA
	out.ServerToken = envB
	s.state = ServerAwaitClientProof
	return out, nil
}

// verifyClient is step 7: the client must have returned B.
func (s *ServerSession) verifyClient(in *SecurityBlock) (*SecurityBlock, error) {
	priv, err := s.creds.PrivateKey()
	if err != nil {
		return nil, s.fail(StepServerVerifyToken, "loading key", err)
	}
	if err := s.checkServerToken(priv, in.ServerToken, StepServerVerifyToken); err != nil {
		return nil, err
	}

	envB, err := s.issueServerToken(StepServerVerifyToken)
	if err != nil {
		return nil, err
	}

	ticket, err := IssueTicket(priv, s.issuer(), s.peer.Subject, s.peer.DelegatedSubject, s.now(), s.ticketLifetime)
	if err != nil {
		envB.Release()
		return nil, s.fail(StepServerVerifyToken, "issuing ticket", err)
	}
	s.peer.Ticket = ticket

	out := newBlock(StepServerVerifyToken)
	out.ServerToken = envB
	out.Ad = s.authorizationAd(ticket)

	s.log.Noticef("authenticated %s (%s)", s.peer.Subject, s.addr)
	s.metrics.handshakeDone(RoleServer, s.started, nil)
	s.state = ServerAuthenticated
	return out, nil
}

// continuation verifies B_n, returns A_n under the client key and issues
// B_n+1.
func (s *ServerSession) continuation(in *SecurityBlock) (*SecurityBlock, error) {
	priv, err := s.creds.PrivateKey()
	if err != nil {
		return nil, s.fail(StepContinuation, "loading key", err)
	}
	if err := s.checkServerToken(priv, in.ServerToken, StepContinuation); err != nil {
		return nil, err
	}

	a, err := Decrypt(in.ClientToken, priv, SlotClientToken, 0)
	if err != nil {
		return nil, s.fail(StepContinuation, "decrypting token A", err)
	}
	envA, err := Encrypt(a, s.clientPub, SlotClientToken)
	a.Release()
	if err != nil {
		return nil, s.fail(StepContinuation, "encrypting token A", err)
	}

	envB, err := s.issueServerToken(StepContinuation)
	if err != nil {
		envA.Release()
		return nil, err
	}

	s.metrics.continuationDone(RoleServer, nil)
	out := newBlock(StepContinuation)
	out.ClientToken = envA
	out.ServerToken = envB
	return out, nil
}

// checkServerToken decrypts the returned B and compares it with the token
// issued. Either failure means the client does not hold its key.
func (s *ServerSession) checkServerToken(priv *rsa.PrivateKey, env *Envelope, step Step) error {
	returned, err := Decrypt(env, priv, SlotServerToken, s.b.Len())
	if err != nil {
		return s.fail(step, "decrypting returned token B", proofFailure(err, ErrClientAuthenticationFailed))
	}
	match := s.b.Equal(returned)
	returned.Release()
	s.b.Release()
	s.b = nil
	if !match {
		return s.fail(step, "returned token B does not match", ErrClientAuthenticationFailed)
	}
	return nil
}

func (s *ServerSession) issueServerToken(step Step) (*Envelope, error) {
	b, err := s.nonce.Generate()
	if err != nil {
		return nil, s.fail(step, "generating token B", err)
	}
	env, err := Encrypt(b, s.clientPub, SlotServerToken)
	if err != nil {
		b.Release()
		return nil, s.fail(step, "encrypting token B", err)
	}
	s.b = b
	return env, nil
}

func (s *ServerSession) issuer() string {
	if s.creds.Certificate != nil {
		return s.creds.Certificate.Subject()
	}
	return s.creds.CA.Subject()
}

func (s *ServerSession) authorizationAd(ticket string) *classad.ClassAd {
	ad := classad.New()
	_ = ad.Set("MyType", ServerBlockType)
	_ = ad.Set(AttrVersion, commands.UDA_SECURITY_VERSION)
	_ = ad.Set(AttrReturnCode, ReturnAuthorized)
	_ = ad.Set(AttrUser, s.peer.CommonName)
	if s.peer.DelegatedSubject != "" {
		_ = ad.Set(AttrDelegatedUser, s.peer.DelegatedSubject)
	}
	_ = ad.Set(AttrTicket, ticket)
	return ad
}

// Handshake reads the client's blocks and answers them until the session
// is authenticated. On failure nothing is sent; the caller closes the
// connection.
func (s *ServerSession) Handshake(ctx context.Context, st message.StreamInterface) error {
	for s.State() != ServerAuthenticated {
		in, err := ReadSecurityBlock(ctx, st)
		if err != nil {
			return s.abort(StepNone, "receiving block", err)
		}
		out, err := s.Advance(in)
		if err != nil {
			return err
		}
		step := out.Step
		if err := WriteSecurityBlock(ctx, st, out); err != nil {
			return s.abort(step, "sending block", err)
		}
	}
	return nil
}

func (s *ServerSession) abort(step Step, msg string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ServerAborted {
		return s.err
	}
	return s.fail(step, msg, err)
}

// Close is the housekeeping step for the connection. Idempotent.
func (s *ServerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.Release()
	s.b = nil
	s.clientPub = nil
	if s.state != ServerAborted {
		s.state = ServerClosed
	}
	return nil
}
