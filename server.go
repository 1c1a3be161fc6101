// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kpax/ntlmforwarder/log"
)

// serverState is the NEW -> STARTED -> CLOSED lifecycle spec.md §5 implies for the
// listening socket: Serve may only run once, and Close is idempotent.
type serverState int

const (
	serverNew serverState = iota
	serverStarted
	serverClosed
)

// Server implements C7 (AcceptorLoop & worker dispatch): it binds the local
// listening socket and hands each accepted connection to a goroutine that parses
// the request head and routes it to TunnelNegotiator (CONNECT) or RelayHandler
// (everything else), per spec.md §2's control-flow paragraph. There is no bounded
// worker pool: every accepted connection gets its own goroutine, since Go's
// scheduler makes that the natural elastic equivalent of the original's "0 core /
// unbounded max / 60s idle" thread pool (see DESIGN.md).
type Server struct {
	cfg      *SystemConfig
	upstream string // proxyHost:proxyPort, the single upstream authority this instance forwards through.

	pool     *ConnectionPool
	creds    *CredentialsStore
	tunnel   *TunnelNegotiator
	relay    *RelayHandler
	log      log.Logger
	metrics  *metrics
	registry *prometheus.Registry

	mu    sync.Mutex
	state serverState
	ln    net.Listener
	wg    sync.WaitGroup
}

// NewServer wires C1/C4/C5/C6/C11 together per SPEC_FULL.md §4.13's bootstrap
// ordering: the credentials store, connection pool, eviction ticker and metrics
// registry are all constructed (and, for credentials, validated) before Serve
// ever binds a socket.
func NewServer(userCfg *UserConfig, sysCfg *SystemConfig, logger log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.NopLogger
	}
	if err := userCfg.Validate(); err != nil {
		return nil, NewConfigurationError("invalid user configuration", err)
	}

	creds := NewCredentialsStore(userCfg)
	if _, err := creds.Get(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := newMetrics(registry)

	dialCfg := DefaultDialConfig()
	dialCfg.SocketBufferSize = sysCfg.SocketBufferSize
	pool := NewConnectionPool(sysCfg, NewDialer(dialCfg), logger)
	pool.metrics = m

	upstream := net.JoinHostPort(userCfg.ProxyHost, strconv.Itoa(userCfg.ProxyPort))

	return &Server{
		cfg:      sysCfg,
		upstream: upstream,
		pool:     pool,
		creds:    creds,
		tunnel:   NewTunnelNegotiator(pool, creds, logger).WithMetrics(m),
		relay:    NewRelayHandler(pool, creds, sysCfg, logger).WithMetrics(m),
		log:      logger,
		metrics:  m,
		registry: registry,
	}, nil
}

// Registry exposes the dedicated prometheus.Registry this server's metrics are
// registered on, for the ops HTTP surface (C12) to serve through /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Serve binds addr and runs the accept loop until ctx is canceled or Close is
// called. It returns nil on a clean shutdown. Serve may be called at most once
// per Server.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.mu.Lock()
	if s.state != serverNew {
		s.mu.Unlock()
		return NewConfigurationError("Server.Serve called more than once", nil)
	}
	ln, err := Listen("tcp", addr, s.cfg.ServerSocketBufferSize)
	if err != nil {
		s.mu.Unlock()
		return NewConfigurationError("failed to bind listener", err)
	}
	s.ln = ln
	s.state = serverStarted
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.state == serverClosed
			s.mu.Unlock()
			if closed {
				// Connections already accepted keep draining in their own
				// goroutines; Shutdown (not Serve) is responsible for waiting on
				// them with a bounded deadline.
				return nil
			}
			return NewUpstreamIOError("accept failed", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close shuts down the listener, unblocking Accept; it is safe to call more than
// once and safe to call before Serve. In-flight connections keep running in their
// own goroutines; Close does not wait for them, and neither does Serve (Shutdown
// does, with a deadline).
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == serverClosed {
		return nil
	}
	prevState := s.state
	s.state = serverClosed
	if prevState == serverStarted {
		return s.ln.Close()
	}
	return nil
}

// Addr reports the bound listener's address; only valid once Serve has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Ready reports whether the listener is bound and accepting connections, for
// C12's /readyz to distinguish "process alive" from "ready to take traffic".
func (s *Server) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == serverStarted
}

// handleConn implements one worker's lifetime per spec.md §5: parse the request
// head, dispatch to TunnelNegotiator+SocketBridge for CONNECT or RelayHandler
// otherwise, and close the client socket once that exchange is done. HTTP/1.1
// keep-alive on the client side is intentionally not implemented: the original
// treats every accepted socket as a single exchange, and RelayHandler already
// owns any reuse on the upstream leg via the pool.
func (s *Server) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()

	br := bufio.NewReader(client)
	head, err := ParseHead(br)
	if err != nil {
		writeErrorResponse(client, err)
		return
	}

	if strings.EqualFold(head.Method, http.MethodConnect) {
		s.handleConnect(ctx, client, head)
		return
	}
	s.handleRelay(ctx, client, br, head)
}

func (s *Server) handleConnect(ctx context.Context, client net.Conn, head *RequestHead) {
	target, portStr, err := net.SplitHostPort(head.Target)
	if err != nil {
		target = head.Target
	}
	port, _ := strconv.Atoi(portStr)

	upstream, err := s.tunnel.Tunnel(ctx, s.upstream, target, port, head.Proto, client)
	if err != nil {
		s.log.Debugf("tunnel to %s failed: %v", head.Target, err)
		writeErrorResponse(client, err)
		return
	}

	bridge := NewSocketBridge()
	if err := bridge.Bridge(client, upstream); err != nil {
		s.log.Debugf("tunnel bridge for %s ended: %v", head.Target, err)
	}
}

func (s *Server) handleRelay(ctx context.Context, client net.Conn, br *bufio.Reader, head *RequestHead) {
	body, err := NewStreamingRequestBody(br, head.ContentLength)
	if err != nil {
		writeErrorResponse(client, err)
		return
	}

	if started, err := s.relay.Relay(ctx, s.upstream, head, body, client); err != nil {
		s.log.Debugf("relay of %s %s failed: %v", head.Method, head.Target, err)
		if !started {
			writeErrorResponse(client, err)
		}
	}
}

// writeErrorResponse writes a minimal status line back to the client for an error
// that occurred before any upstream response byte was forwarded, per spec.md §7's
// propagation policy. Failures writing it are ignored: the client may already
// have gone away. A TunnelRefusedError carrying a Proxy-Authenticate challenge
// has it echoed back so the client can retry the CONNECT with credentials.
func writeErrorResponse(w net.Conn, err error) {
	code := statusCodeFor(err)
	fields := Fields{{Name: "Connection", Value: "close"}}
	var tre *TunnelRefusedError
	if errors.As(err, &tre) && tre.ProxyAuthenticate != "" {
		fields = append(fields, HeaderField{Name: "Proxy-Authenticate", Value: tre.ProxyAuthenticate})
	}
	statusLine := "HTTP/1.1 " + strconv.Itoa(code) + " " + http.StatusText(code)
	_ = WriteStatusLine(w, statusLine, fields)
}

// Shutdown blocks until all in-flight connections handled by Serve have
// completed, or ctx is canceled first.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.creds.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
