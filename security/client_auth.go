package security

import (
	"context"
	"crypto/rsa"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/PelicanPlatform/classad/classad"
	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/uda-project/udaauth/commands"
	ulog "github.com/uda-project/udaauth/log"
	"github.com/uda-project/udaauth/message"
)

// ClientState is the position of a client session in the exchange.
type ClientState int

const (
	ClientInit ClientState = iota
	ClientAwaitServerToken
	ClientAwaitConfirmation
	ClientAuthenticated
	ClientAwaitResponse
	ClientClosed
	ClientAborted
)

func (s ClientState) String() string {
	switch s {
	case ClientInit:
		return "init"
	case ClientAwaitServerToken:
		return "await-server-token"
	case ClientAwaitConfirmation:
		return "await-confirmation"
	case ClientAuthenticated:
		return "authenticated"
	case ClientAwaitResponse:
		return "await-response"
	case ClientClosed:
		return "closed"
	case ClientAborted:
		return "aborted"
	}
	return "unknown"
}

// ClientClaim is the identity the client asserts in its first block.
type ClientClaim struct {
	User   string
	User2  string
	OSName string
	DOI    string
	Pid    int
}

func (c ClientClaim) ad() *classad.ClassAd {
	ad := classad.New()
	_ = ad.Set("MyType", ClientBlockType)
	_ = ad.Set(AttrVersion, commands.UDA_SECURITY_VERSION)
	_ = ad.Set(AttrPid, c.Pid)
	_ = ad.Set(AttrUser, c.User)
	if c.User2 != "" {
		_ = ad.Set(AttrUser2, c.User2)
	}
	_ = ad.Set(AttrOSName, c.OSName)
	if c.DOI != "" {
		_ = ad.Set(AttrDOI, c.DOI)
	}
	return ad
}

func claimFromAd(ad *classad.ClassAd) ClientClaim {
	var c ClientClaim
	if ad == nil {
		return c
	}
	c.User, _ = ad.EvaluateAttrString(AttrUser)
	c.User2, _ = ad.EvaluateAttrString(AttrUser2)
	c.OSName, _ = ad.EvaluateAttrString(AttrOSName)
	c.DOI, _ = ad.EvaluateAttrString(AttrDOI)
	if pid, ok := ad.EvaluateAttrInt(AttrPid); ok {
		c.Pid = int(pid)
	}
	return c
}

// Authorization is what the client learns once the server has proved
// itself and accepted the client.
type Authorization struct {
	User          string
	DelegatedUser string
	Ticket        string
	ExpiresAt     time.Time
	ServerSubject string
}

// ClientSessionOptions configures a ClientSession. Zero values select the
// strong nonce generator, a discarding logger, no metrics and time.Now.
type ClientSessionOptions struct {
	Nonce   *NonceGenerator
	Claim   ClientClaim
	Logger  *logging.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// ClientSession drives the client side of one connection. Each state
// accepts exactly one step from the server; anything else aborts the
// session and releases its tokens.
type ClientSession struct {
	creds   *ClientCredentials
	nonce   *NonceGenerator
	claim   ClientClaim
	log     *logging.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	state   ClientState
	started time.Time
	a       *Token // outstanding client token
	b       *Token // server token to return in the next request
	auth    Authorization
	err     error
}

// NewClientSession prepares a session over shared client credentials.
func NewClientSession(creds *ClientCredentials, opts ClientSessionOptions) (*ClientSession, error) {
	if creds == nil {
		return nil, errors.Wrap(ErrKeyMaterial, "no client credentials")
	}
	nonce := opts.Nonce
	if nonce == nil {
		var err error
		if nonce, err = NewNonceGenerator(NonceStrong, DefaultNonceBits); err != nil {
			return nil, err
		}
	}
	claim := opts.Claim
	if claim.User == "" && creds.Certificate != nil {
		claim.User = creds.Certificate.CommonName()
	}
	if claim.User2 == "" && creds.DelegatedCertificate != nil {
		claim.User2 = creds.DelegatedCertificate.CommonName()
	}
	if claim.OSName == "" {
		claim.OSName = runtime.GOOS
	}
	if claim.Pid == 0 {
		claim.Pid = os.Getpid()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := opts.Logger
	if l == nil {
		l = ulog.Discard("uda/auth/client")
	}
	return &ClientSession{
		creds:   creds,
		nonce:   nonce,
		claim:   claim,
		log:     l,
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

// State returns the current state.
func (c *ClientSession) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authorization returns the server's grant. It is only meaningful once
// the session is authenticated.
func (c *ClientSession) Authorization() (Authorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ClientAuthenticated, ClientAwaitResponse:
		return c.auth, nil
	case ClientAborted:
		return Authorization{}, c.err
	}
	return Authorization{}, errors.Wrapf(ErrSessionClosed, "session is %s", c.state)
}

// Advance consumes the server's last block and returns the next block to
// send, or nil when there is nothing to send. Advance owns in and releases
// it. From ClientInit and ClientAuthenticated, in must be nil.
func (c *ClientSession) Advance(in *SecurityBlock) (*SecurityBlock, error) {
	defer in.Release()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case ClientInit:
		if in != nil {
			return nil, c.fail(in.Step, "unsolicited block", ErrStepInconsistency)
		}
		return c.issueToken()
	case ClientAwaitServerToken:
		if err := c.expect(in, StepServerIssueToken); err != nil {
			return nil, err
		}
		return c.answerServerToken(in)
	case ClientAwaitConfirmation:
		if err := c.expect(in, StepServerVerifyToken); err != nil {
			return nil, err
		}
		return nil, c.confirm(in)
	case ClientAuthenticated:
		if in != nil {
			return nil, c.fail(in.Step, "unsolicited block", ErrStepInconsistency)
		}
		return c.continuationRequest()
	case ClientAwaitResponse:
		if err := c.expect(in, StepContinuation); err != nil {
			return nil, err
		}
		return nil, c.continuationResponse(in)
	case ClientAborted:
		return nil, c.err
	}
	return nil, newAuthError(ErrProtocol, RoleClient, StepHousekeeping, "session closed", ErrSessionClosed)
}

func (c *ClientSession) expect(in *SecurityBlock, want Step) error {
	if in == nil {
		return c.fail(want, "missing block", ErrMalformedEnvelope)
	}
	if in.Step != want {
		return c.fail(in.Step, "expected "+want.String(), ErrStepInconsistency)
	}
	return nil
}

// fail aborts the session and returns the classified error.
func (c *ClientSession) fail(step Step, msg string, err error) error {
	kind := ErrorKind(err)
	authErr := newAuthError(kind, RoleClient, step, msg, err)
	c.log.Warningf("handshake aborted: %v", authErr)

	if c.state < ClientAuthenticated {
		c.metrics.handshakeDone(RoleClient, c.started, authErr)
	} else {
		c.metrics.continuationDone(RoleClient, authErr)
	}
	c.releaseTokens()
	c.state = ClientAborted
	c.err = authErr
	return authErr
}

func (c *ClientSession) releaseTokens() {
	c.a.Release()
	c.b.Release()
	c.a = nil
	c.b = nil
}

func (c *ClientSession) keys() (*rsa.PrivateKey, *rsa.PublicKey, error) {
	priv, err := c.creds.PrivateKey()
	if err != nil {
		return nil, nil, err
	}
	pub, err := c.creds.ServerKey()
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// issueToken is step 1: generate A and send it under the server key with
// the client certificates and identity claim.
func (c *ClientSession) issueToken() (*SecurityBlock, error) {
	c.started = c.now()
	_, serverPub, err := c.keys()
	if err != nil {
		return nil, c.fail(StepClientIssueToken, "loading keys", err)
	}

	a, err := c.nonce.Generate()
	if err != nil {
		return nil, c.fail(StepClientIssueToken, "generating token A", err)
	}
	env, err := Encrypt(a, serverPub, SlotClientToken)
	if err != nil {
		a.Release()
		return nil, c.fail(StepClientIssueToken, "encrypting token A", err)
	}
	c.a = a

	out := newBlock(StepClientIssueToken)
	out.ClientToken = env
	out.Certificates = append(out.Certificates, c.creds.Certificate.Raw)
	if c.creds.DelegatedCertificate != nil {
		out.Certificates = append(out.Certificates, c.creds.DelegatedCertificate.Raw)
	}
	out.Ad = c.claim.ad()

	c.log.Debugf("step %d: issued %d-bit token A", StepClientIssueToken, a.Len()*8)
	c.state = ClientAwaitServerToken
	return out, nil
}

// answerServerToken covers steps 5 and 6: prove the server decrypted A,
// then return B under the server key.
func (c *ClientSession) answerServerToken(in *SecurityBlock) (*SecurityBlock, error) {
	priv, serverPub, err := c.keys()
	if err != nil {
		return nil, c.fail(StepClientDecryptServerToken, "loading keys", err)
	}

	echoed, err := Decrypt(in.ClientToken, priv, SlotClientToken, c.a.Len())
	if err != nil {
		return nil, c.fail(StepClientDecryptServerToken, "decrypting returned token A",
			proofFailure(err, ErrServerAuthenticationFailed))
	}
	match := c.a.Equal(echoed)
	echoed.Release()
	c.a.Release()
	c.a = nil
	if !match {
		return nil, c.fail(StepClientDecryptServerToken, "returned token A does not match", ErrServerAuthenticationFailed)
	}

	b, err := Decrypt(in.ServerToken, priv, SlotServerToken, 0)
	if err != nil {
		return nil, c.fail(StepClientDecryptServerToken, "decrypting token B", err)
	}
	env, err := Encrypt(b, serverPub, SlotServerToken)
	b.Release()
	if err != nil {
		return nil, c.fail(StepClientEncryptServerToken, "encrypting token B", err)
	}

	c.log.Debugf("step %d: server proved possession of its key", StepClientDecryptServerToken)
	out := newBlock(StepClientEncryptServerToken)
	out.ServerToken = env
	c.state = ClientAwaitConfirmation
	return out, nil
}

// confirm handles the server's verdict: a fresh token B for the first
// continuation and a signed authorization ticket.
func (c *ClientSession) confirm(in *SecurityBlock) error {
	priv, serverPub, err := c.keys()
	if err != nil {
		return c.fail(StepServerVerifyToken, "loading keys", err)
	}

	if in.Ad == nil {
		return c.fail(StepServerVerifyToken, "no authorization ad", ErrMalformedEnvelope)
	}
	if rc, _ := in.Ad.EvaluateAttrString(AttrReturnCode); rc != ReturnAuthorized {
		return c.fail(StepServerVerifyToken, "server refused authorization "+rc, ErrClientAuthenticationFailed)
	}
	ticket, _ := in.Ad.EvaluateAttrString(AttrTicket)
	claims, err := VerifyTicket(ticket, serverPub, c.now())
	if err != nil {
		return c.fail(StepServerVerifyToken, "verifying ticket", err)
	}
	if claims.Subject != c.creds.Certificate.Subject() {
		return c.fail(StepServerVerifyToken, "ticket issued for another subject", ErrServerAuthenticationFailed)
	}

	b, err := Decrypt(in.ServerToken, priv, SlotServerToken, 0)
	if err != nil {
		return c.fail(StepServerVerifyToken, "decrypting next token B", err)
	}
	c.b = b

	user, _ := in.Ad.EvaluateAttrString(AttrUser)
	delegated, _ := in.Ad.EvaluateAttrString(AttrDelegatedUser)
	c.auth = Authorization{
		User:          user,
		DelegatedUser: delegated,
		Ticket:        ticket,
		ServerSubject: claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		c.auth.ExpiresAt = claims.ExpiresAt.Time
	}

	c.log.Infof("authenticated as %s", user)
	c.metrics.handshakeDone(RoleClient, c.started, nil)
	c.state = ClientAuthenticated
	return nil
}

// continuationRequest starts a round: a fresh A_n plus the held B_n, both
// under the server key.
func (c *ClientSession) continuationRequest() (*SecurityBlock, error) {
	_, serverPub, err := c.keys()
	if err != nil {
		return nil, c.fail(StepContinuation, "loading keys", err)
	}
	if c.b == nil {
		return nil, c.fail(StepContinuation, "no server token held", ErrSessionClosed)
	}

	envB, err := Encrypt(c.b, serverPub, SlotServerToken)
	c.b.Release()
	c.b = nil
	if err != nil {
		return nil, c.fail(StepContinuation, "encrypting token B", err)
	}

	a, err := c.nonce.Generate()
	if err != nil {
		envB.Release()
		return nil, c.fail(StepContinuation, "generating token A", err)
	}
	envA, err := Encrypt(a, serverPub, SlotClientToken)
	if err != nil {
		a.Release()
		envB.Release()
		return nil, c.fail(StepContinuation, "encrypting token A", err)
	}
	c.a = a

	out := newBlock(StepContinuation)
	out.ClientToken = envA
	out.ServerToken = envB
	c.state = ClientAwaitResponse
	return out, nil
}

func (c *ClientSession) continuationResponse(in *SecurityBlock) error {
	priv, _, err := c.keys()
	if err != nil {
		return c.fail(StepContinuation, "loading keys", err)
	}

	echoed, err := Decrypt(in.ClientToken, priv, SlotClientToken, c.a.Len())
	if err != nil {
		return c.fail(StepContinuation, "decrypting returned token A",
			proofFailure(err, ErrServerAuthenticationFailed))
	}
	match := c.a.Equal(echoed)
	echoed.Release()
	c.a.Release()
	c.a = nil
	if !match {
		return c.fail(StepContinuation, "returned token A does not match", ErrServerAuthenticationFailed)
	}

	b, err := Decrypt(in.ServerToken, priv, SlotServerToken, 0)
	if err != nil {
		return c.fail(StepContinuation, "decrypting next token B", err)
	}
	c.b = b
	c.metrics.continuationDone(RoleClient, nil)
	c.state = ClientAuthenticated
	return nil
}

// Handshake runs steps 1 through 7 over st.
func (c *ClientSession) Handshake(ctx context.Context, st message.StreamInterface) error {
	out, err := c.Advance(nil)
	for err == nil && out != nil {
		step := out.Step
		if werr := WriteSecurityBlock(ctx, st, out); werr != nil {
			return c.abort(step, "sending block", werr)
		}
		in, rerr := ReadSecurityBlock(ctx, st)
		if rerr != nil {
			return c.abort(step, "receiving block", rerr)
		}
		out, err = c.Advance(in)
	}
	return err
}

func (c *ClientSession) abort(step Step, msg string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ClientAborted {
		return c.err
	}
	return c.fail(step, msg, err)
}

// Close is the housekeeping step: it releases every token the session
// holds. The shared credentials are not touched. Idempotent.
func (c *ClientSession) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseTokens()
	if c.state != ClientAborted {
		c.state = ClientClosed
	}
	return nil
}
