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

// Package server accepts connections, runs the server side of the mutual
// authentication handshake on each, and then answers continuation
// requests through a Handler.
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"

	"github.com/uda-project/udaauth/commands"
	ulog "github.com/uda-project/udaauth/log"
	"github.com/uda-project/udaauth/message"
	"github.com/uda-project/udaauth/security"
	"github.com/uda-project/udaauth/stream"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server: closed")

// Handler answers one authenticated request.
type Handler interface {
	Serve(ctx context.Context, peer security.Peer, payload []byte) *security.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peer security.Peer, payload []byte) *security.Response

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, peer security.Peer, payload []byte) *security.Response {
	return f(ctx, peer, payload)
}

// Options configures a Server.
type Options struct {
	Credentials *security.ServerCredentials
	Handler     Handler
	Nonce       *security.NonceGenerator
	Logger      *logging.Logger
	Metrics     *security.Metrics

	IdleTimeout            time.Duration
	TicketLifetime         time.Duration
	MaxHandshakesPerSecond float64
	HandshakeBurst         int
	MaxConnections         int
}

// Server serves authenticated connections. Credentials are shared
// read-only by every connection; each connection has its own session.
type Server struct {
	opts    Options
	log     *logging.Logger
	limiter *rate.Limiter
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New returns a server. Credentials and Handler are required.
func New(opts Options) (*Server, error) {
	if opts.Credentials == nil {
		return nil, errors.New("server: no credentials")
	}
	if opts.Handler == nil {
		return nil, errors.New("server: no handler")
	}
	if opts.Nonce == nil {
		gen, err := security.NewNonceGenerator(security.NonceStrong, security.DefaultNonceBits)
		if err != nil {
			return nil, err
		}
		opts.Nonce = gen
	}
	l := opts.Logger
	if l == nil {
		l = ulog.Discard("server")
	}

	limit := rate.Inf
	if opts.MaxHandshakesPerSecond > 0 {
		limit = rate.Limit(opts.MaxHandshakesPerSecond)
	}
	burst := opts.HandshakeBurst
	if burst <= 0 {
		burst = 1
	}
	var slots chan struct{}
	if opts.MaxConnections > 0 {
		slots = make(chan struct{}, opts.MaxConnections)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		log:       l,
		limiter:   rate.NewLimiter(limit, burst),
		slots:     slots,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on the TCP address addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "server: listen %s", addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It always returns a
// non-nil error; after Close that error is ErrServerClosed, returned only
// once every accepted connection has finished, so the shared credentials
// may be released afterwards.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	s.log.Noticef("listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warningf("accept: %v", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "server: accept")
		}

		if !s.limiter.Allow() {
			s.log.Warningf("%s: handshake rate exceeded, dropping connection", conn.RemoteAddr())
			conn.Close()
			continue
		}
		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			default:
				s.log.Warningf("%s: connection limit reached, dropping connection", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}
		if !s.trackConn(conn, true) {
			conn.Close()
			s.wg.Wait()
			return ErrServerClosed
		}

		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			if s.slots != nil {
				defer func() { <-s.slots }()
			}
			s.handleConn(conn)
		}()
	}
}

// Addrs returns the addresses of the active listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var addrs []net.Addr
	for ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

func (s *Server) handleConn(conn net.Conn) {
	st := stream.NewStream(conn)
	defer st.Close()
	addr := st.GetPeerAddr()
	if s.opts.IdleTimeout > 0 {
		if err := st.SetTimeout(s.opts.IdleTimeout); err != nil {
			s.log.Errorf("%s: setting timeout: %v", addr, err)
			return
		}
	}

	sess, err := security.NewServerSession(s.opts.Credentials, security.ServerSessionOptions{
		Nonce:          s.opts.Nonce,
		Logger:         s.log,
		Metrics:        s.opts.Metrics,
		PeerAddr:       addr,
		TicketLifetime: s.opts.TicketLifetime,
	})
	if err != nil {
		s.log.Errorf("%s: %v", addr, err)
		return
	}
	defer sess.Close()

	if err := sess.Handshake(s.ctx, st); err != nil {
		s.log.Warningf("%s: %v", addr, err)
		return
	}
	peer, err := sess.Peer()
	if err != nil {
		return
	}
	st.SetAuthenticated(true)
	s.log.Infof("%s: authenticated %s", addr, peer.Subject)

	for {
		m := message.NewMessageFromStream(st)
		protocol, err := m.GetInt(s.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !s.isClosed() {
				s.log.Debugf("%s: read: %v", addr, err)
			}
			return
		}

		switch protocol {
		case commands.PROTOCOL_CLOSEDOWN:
			s.log.Debugf("%s: closedown", addr)
			return
		case commands.PROTOCOL_REQUEST_BLOCK:
			payload, reply, err := sess.OpenRequest(s.ctx, m)
			if err != nil {
				s.log.Warningf("%s: %v", addr, err)
				return
			}
			resp := s.opts.Handler.Serve(s.ctx, peer, payload)
			if resp == nil {
				resp = &security.Response{Status: security.StatusError, Error: "no response"}
			}
			if err := security.WriteResponse(s.ctx, st, reply, resp); err != nil {
				s.log.Warningf("%s: write response: %v", addr, err)
				return
			}
		default:
			s.log.Warningf("%s: unexpected %s after authentication", addr, commands.GetCommandName(protocol))
			return
		}
	}
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

// trackConn registers conn with the wait group under the same lock Close
// takes, so Close never waits on a group that is still growing.
func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.wg.Add(1)
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every listener, closes open connections and waits for their
// sessions to be released. The shared credentials are left to the caller.
// Every call waits, including repeated ones.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	for ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
