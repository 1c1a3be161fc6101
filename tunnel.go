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
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kpax/ntlmforwarder/log"
	"github.com/kpax/ntlmforwarder/ntlm"
)

// TunnelNegotiator implements C4: it opens a TCP socket to the upstream proxy and
// loops CONNECT + NTLM challenge-response until success or terminal failure, per
// spec.md §4.4, grounded on CustomProxyClient.java's tunnel() method.
type TunnelNegotiator struct {
	pool    *ConnectionPool
	creds   *CredentialsStore
	log     log.Logger
	metrics *metrics
}

func NewTunnelNegotiator(pool *ConnectionPool, creds *CredentialsStore, logger log.Logger) *TunnelNegotiator {
	if logger == nil {
		logger = log.NopLogger
	}
	return &TunnelNegotiator{pool: pool, creds: creds, log: logger}
}

// WithMetrics attaches C11 observability to t, returning t for chaining at
// construction time.
func (t *TunnelNegotiator) WithMetrics(m *metrics) *TunnelNegotiator {
	t.metrics = m
	return t
}

// Tunnel performs the multi-round NTLM handshake against proxyAddr for a CONNECT
// to target:port, writes the upstream's final status line and headers to
// clientOut, and returns the raw upstream socket ready for SocketBridge (C8).
func (t *TunnelNegotiator) Tunnel(ctx context.Context, proxyAddr, target string, port int, protoVersion string, clientOut io.Writer) (net.Conn, error) {
	start := time.Now()
	conn, err := t.tunnelOnce(ctx, proxyAddr, target, port, protoVersion, clientOut)

	result := "success"
	if err != nil {
		result = "error"
		var tre *TunnelRefusedError
		if errors.As(err, &tre) {
			result = "refused"
		}
	}
	t.metrics.observeTunnel(result, time.Since(start))

	return conn, err
}

func (t *TunnelNegotiator) tunnelOnce(ctx context.Context, proxyAddr, target string, port int, protoVersion string, clientOut io.Writer) (net.Conn, error) {
	if port <= 0 {
		port = 80
	}
	host := fmt.Sprintf("%s:%d", target, port)

	creds, err := t.creds.Get()
	if err != nil {
		return nil, err
	}
	state := ntlm.New(creds.Domain, creds.Workstation, creds.Username, creds.Password)

	var conn net.Conn
	var pbr *bufio.Reader
	var pbw *bufio.Writer
	var nextAuthHeader string

	defer func() {
		// Only reached on error paths; the success path nils this out by returning early.
		if conn != nil {
			conn.Close()
		}
	}()

	var resp *http.Response

	for {
		if conn == nil {
			conn, err = t.pool.Dial(ctx, proxyAddr)
			if err != nil {
				return nil, err
			}
			pbr = bufio.NewReader(conn)
			pbw = bufio.NewWriter(conn)
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Host: host},
			Host:   host,
			Header: http.Header{},
			Proto:  protoVersion,
		}
		req.Header.Set("User-Agent", "")
		if nextAuthHeader != "" {
			req.Header.Set("Proxy-Authorization", nextAuthHeader)
		}

		if err := req.Write(pbw); err != nil {
			return nil, NewUpstreamIOError("failed to write CONNECT request", err)
		}
		if err := pbw.Flush(); err != nil {
			return nil, NewUpstreamIOError("failed to flush CONNECT request", err)
		}

		resp, err = readResponseCtx(ctx, pbr, req)
		if err != nil {
			return nil, NewUpstreamIOError("failed to read CONNECT response", err)
		}

		t.log.Debugf("tunnel status code: %d", resp.StatusCode)

		if resp.StatusCode < 200 {
			resp.Body.Close()
			return nil, NewUpstreamProtocolError(fmt.Sprintf("unexpected response to CONNECT request: %s", resp.Status), nil)
		}

		challenge, hasChallenge := proxyAuthenticateNTLM(resp.Header)
		if resp.StatusCode/100 == 2 && !hasChallenge {
			break
		}
		if !hasChallenge {
			// No auth requested but not a 2xx either: terminal, nothing more to do.
			break
		}

		next, authErr := nextNTLMMessage(state, challenge)
		if authErr != nil {
			t.metrics.observeNTLMRound("error")
			resp.Body.Close()
			return nil, NewAuthExhaustedError("NTLM handshake failed", authErr)
		}
		if next == "" {
			// No further challenge material could be produced.
			t.metrics.observeNTLMRound("error")
			break
		}
		t.metrics.observeNTLMRound("success")

		if keepAliveFromResponse(resp) {
			t.log.Debugf("now consume entity")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		} else {
			t.log.Debugf("close tunnel connection")
			resp.Body.Close()
			conn.Close()
			conn = nil
			pbr, pbw = nil, nil
		}

		nextAuthHeader = next
	}

	if resp.StatusCode > 299 {
		// Read (and discard) up to maxHeadSize of the response content, then close per spec.md §4.4 step 4.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxHeadSize))
		resp.Body.Close()
		conn.Close()
		conn = nil
		_ = body
		proxyAuth := resp.Header.Get("Proxy-Authenticate")
		return nil, NewTunnelRefusedError(resp.Status, proxyAuth, resp.StatusCode)
	}

	// Write the status line and headers back to the client. Errors here are
	// swallowed (debug only) because the client may already have closed its read
	// side, per spec.md §4.4 step 5 / §7.
	if err := writeResponseHead(clientOut, resp); err != nil {
		t.log.Debugf("error writing tunnel response headers: %v", err)
	}

	ret := conn
	conn = nil // ownership passes to the caller; don't close it in the deferred cleanup.
	return ret, nil
}

// readResponseCtx reads an HTTP response from pbr while honoring ctx
// cancellation, grounded on dialvia/http.go's HTTPProxyDialer.DialContextR.
func readResponseCtx(ctx context.Context, pbr *bufio.Reader, req *http.Request) (*http.Response, error) {
	resCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		res, err := http.ReadResponse(pbr, req) //nolint:bodyclose // caller is responsible for closing the response body
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, err
	case res := <-resCh:
		return res, nil
	}
}

func writeResponseHead(w io.Writer, resp *http.Response) error {
	statusLine := fmt.Sprintf("%s %s", resp.Proto, resp.Status)
	var fields Fields
	for name, values := range resp.Header {
		for _, v := range values {
			fields = append(fields, HeaderField{Name: name, Value: v})
		}
	}
	return WriteStatusLine(w, statusLine, fields)
}

// proxyAuthenticateNTLM extracts the NTLM scheme's payload (if any) from a
// Proxy-Authenticate header, per RFC 4559-style framing (spec.md §6).
func proxyAuthenticateNTLM(h http.Header) (string, bool) {
	for _, v := range h.Values("Proxy-Authenticate") {
		if !strings.HasPrefix(strings.ToUpper(v), "NTLM") {
			continue
		}
		rest := strings.TrimSpace(v[len("NTLM"):])
		return rest, true
	}
	return "", false
}

// nextNTLMMessage advances the state machine and returns the full
// "NTLM <base64>" header value to send on the next round, or "" when no further
// challenge can be produced (spec.md §4.4 step 3d).
func nextNTLMMessage(state *ntlm.State, challenge string) (string, error) {
	if challenge == "" {
		if state.Phase() != ntlm.Unchallenged {
			return "", nil
		}
		msg, err := state.Negotiate()
		if err != nil {
			return "", err
		}
		return "NTLM " + msg, nil
	}

	if state.Phase() == ntlm.Handshake {
		msg, err := state.Challenge(challenge)
		if err != nil {
			return "", err
		}
		return "NTLM " + msg, nil
	}

	return "", nil
}

// keepAliveFromResponse reports whether the connection may be reused for the next
// NTLM round, per spec.md §3 TunnelSession invariant.
func keepAliveFromResponse(resp *http.Response) bool {
	if resp.Close {
		return false
	}
	if resp.ProtoAtLeast(1, 1) {
		return !strings.EqualFold(resp.Header.Get("Connection"), "close")
	}
	return strings.EqualFold(resp.Header.Get("Connection"), "keep-alive")
}
