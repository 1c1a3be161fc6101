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
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kpax/ntlmforwarder/conntrack"
	"github.com/kpax/ntlmforwarder/header"
	"github.com/kpax/ntlmforwarder/internal/customerror"
	"github.com/kpax/ntlmforwarder/log"
	"github.com/kpax/ntlmforwarder/ntlm"
)

// RelayHandler implements C5: for non-CONNECT methods, it replays the client's
// request through the upstream proxy, authenticating with NTLM the same way
// TunnelNegotiator does, and streams the response back. Since NTLM authenticates
// a connection rather than a request, a pooled connection the upstream has
// already authenticated answers round 0 directly, so the request is sent exactly
// once; ConnectionPool.Get's authenticated flag itself is not consulted.
type RelayHandler struct {
	pool    *ConnectionPool
	creds   *CredentialsStore
	cfg     *SystemConfig
	log     log.Logger
	metrics *metrics
}

func NewRelayHandler(pool *ConnectionPool, creds *CredentialsStore, cfg *SystemConfig, logger log.Logger) *RelayHandler {
	if logger == nil {
		logger = log.NopLogger
	}
	return &RelayHandler{pool: pool, creds: creds, cfg: cfg, log: logger}
}

// WithMetrics attaches C11 observability to h, returning h for chaining at
// construction time.
func (h *RelayHandler) WithMetrics(m *metrics) *RelayHandler {
	h.metrics = m
	return h
}

// Relay builds an upstream request mirroring head/body, executes it against
// proxyAddr (retrying through the NTLM challenge when the connection isn't
// already authenticated), and streams the upstream's status line, headers, and
// body back through clientOut, per spec.md §4.5. clientStarted reports whether
// any response byte reached clientOut, so the caller knows not to write a
// second, corrupting status line of its own on error.
func (h *RelayHandler) Relay(ctx context.Context, proxyAddr string, head *RequestHead, body *StreamingRequestBody, clientOut io.Writer) (clientStarted bool, err error) {
	clientStarted, err = h.relayOnce(ctx, proxyAddr, head, body, clientOut, false)

	// ProxyContext.getHttpClientBuilder(retries): a single retry against a
	// fresh connection for an idempotent method whose request never got as far
	// as a response, matching HttpClient's automatic-retry default.
	if err != nil && !clientStarted && h.cfg.Retries && isIdempotent(head.Method) && isRetryableIOError(err) && body.Repeatable() {
		clientStarted, err = h.relayOnce(ctx, proxyAddr, head, body, clientOut, true)
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	h.metrics.observeRelay(result)

	return clientStarted, err
}

func (h *RelayHandler) relayOnce(ctx context.Context, proxyAddr string, head *RequestHead, body *StreamingRequestBody, clientOut io.Writer, fresh bool) (bool, error) {
	outHeader := head.Header.StripHopByHop()
	outHeader, err := applyRequestHeaderRules(h.cfg.RequestHeaders, outHeader)
	if err != nil {
		return false, err
	}

	creds, err := h.creds.Get()
	if err != nil {
		return false, err
	}
	state := ntlm.New(creds.Domain, creds.Workstation, creds.Username, creds.Password)

	var conn net.Conn
	ok := false
	if !fresh {
		conn, _, ok = h.pool.Get(proxyAddr)
	}
	if !ok {
		conn, err = h.pool.Dial(ctx, proxyAddr)
		if err != nil {
			return false, err
		}
	}

	// Relayed requests don't half-close (unlike a bridged CONNECT tunnel), so
	// wrapping with conntrack's byte-counting net.Conn costs nothing here.
	var observer *conntrack.Observer
	conn, observer = trackedConn(conn, nil)
	defer func() {
		h.log.Debugf("relay connection to %s: %d bytes sent, %d bytes received", proxyAddr, observer.Tx(), observer.Rx())
	}()

	pbr := bufio.NewReader(conn)
	pbw := bufio.NewWriter(conn)

	var resp *http.Response
	var nextAuthHeader string

	// Round 0 sends the request as-is. If the connection is already
	// NTLM-authenticated (from a prior relay on this same pooled connection) the
	// upstream answers directly and the loop exits after one round; otherwise it
	// answers 407 and the loop replays the request with each successive NTLM
	// token, exactly as CustomProxyClient.java's tunnel() does for CONNECT.
	for round := 0; ; round++ {
		if round > 0 && !body.Repeatable() {
			conn.Close()
			return false, NewAuthExhaustedError("upstream requires NTLM authentication but the request body cannot be replayed", nil)
		}

		roundHeader := outHeader
		if nextAuthHeader != "" {
			roundHeader = roundHeader.WithoutHeaders("Proxy-Authorization")
			roundHeader = append(roundHeader, HeaderField{Name: "Proxy-Authorization", Value: nextAuthHeader})
		}

		reqHead := &RequestHead{Method: head.Method, Target: head.Target, Proto: head.Proto, Header: roundHeader}
		if err := reqHead.WriteTo(pbw); err != nil {
			conn.Close()
			return false, NewUpstreamIOError("failed to write relayed request head", err)
		}

		bodyReader, err := bodyReaderForRound(body)
		if err != nil {
			conn.Close()
			return false, err
		}
		if bodyReader != nil {
			if _, err := io.Copy(pbw, bodyReader); err != nil {
				conn.Close()
				return false, NewUpstreamIOError("failed to write relayed request body", err)
			}
		}
		if err := pbw.Flush(); err != nil {
			conn.Close()
			return false, NewUpstreamIOError("failed to flush relayed request", err)
		}

		resp, err = readResponseCtx(ctx, pbr, &http.Request{Method: head.Method})
		if err != nil {
			conn.Close()
			return false, NewUpstreamIOError("failed to read relayed response", err)
		}

		challenge, hasChallenge := proxyAuthenticateNTLM(resp.Header)
		if !hasChallenge {
			break
		}

		next, authErr := nextNTLMMessage(state, challenge)
		if authErr != nil || next == "" {
			h.metrics.observeNTLMRound("error")
			break
		}
		h.metrics.observeNTLMRound("success")

		if keepAliveFromResponse(resp) {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		} else {
			resp.Body.Close()
			conn.Close()
			if conn, err = h.pool.Dial(ctx, proxyAddr); err != nil {
				return false, err
			}
			conn, observer = trackedConn(conn, nil)
			pbr = bufio.NewReader(conn)
			pbw = bufio.NewWriter(conn)
		}
		nextAuthHeader = next
	}

	authenticated := resp.StatusCode != http.StatusProxyAuthRequired
	keepAlive := KeepAliveDuration(headerToFields(resp.Header), h.cfg.MaxConnectionIdle)
	if !keepAliveFromResponse(resp) {
		keepAlive = 0
	}

	if err := h.cfg.ResponseHeaders.ModifyResponse(resp); err != nil {
		h.pool.Put(proxyAddr, conn, 0, false)
		return false, NewUpstreamProtocolError("failed to apply response header rules", err)
	}

	// started reports whether the status line (and thus at least the first
	// response byte) reached clientOut; once true, the caller must not write a
	// second, conflicting status line of its own on error.
	started, err := writeRelayedResponse(clientOut, resp)
	if err != nil {
		h.pool.Put(proxyAddr, conn, 0, false)
		return started, NewUpstreamIOError("failed to write relayed response to client", err)
	}

	h.pool.Put(proxyAddr, conn, keepAlive, authenticated)
	return true, nil
}

// isIdempotent reports whether method may be safely retried against a fresh
// connection without risking a duplicate side effect upstream.
func isIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	default:
		return false
	}
}

// isRetryableIOError reports whether err came from a transport-level failure
// (dial/write/read) rather than an upstream protocol response, the class of
// failure HttpClient's automatic retries cover.
func isRetryableIOError(err error) bool {
	var ce *customerror.CustomError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == codeUpstreamIOError
}

// bodyReaderForRound returns the reader to send for this round of the relay
// loop, or nil when there is no body at all.
func bodyReaderForRound(body *StreamingRequestBody) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	if body.ContentLength() == 0 {
		return nil, nil
	}
	if getBody := body.GetBody(); getBody != nil {
		rc, err := getBody()
		if err != nil {
			return nil, NewUpstreamIOError("failed to rewind relayed request body", err)
		}
		return rc, nil
	}
	return body, nil
}

// applyRequestHeaderRules runs rules against a synthetic *http.Request wrapping
// fields, since header.Header only knows how to modify the stdlib request/response
// types, not this package's own Fields representation.
func applyRequestHeaderRules(rules header.Headers, fields Fields) (Fields, error) {
	if len(rules) == 0 {
		return fields, nil
	}
	req := &http.Request{Header: make(http.Header)}
	for _, f := range fields {
		req.Header.Add(f.Name, f.Value)
	}
	if err := rules.ModifyRequest(req); err != nil {
		return nil, NewUpstreamProtocolError("failed to apply request header rules", err)
	}
	return headerToFields(req.Header), nil
}

func headerToFields(h http.Header) Fields {
	var f Fields
	for name, values := range h {
		for _, v := range values {
			f = append(f, HeaderField{Name: name, Value: v})
		}
	}
	return f
}

// writeRelayedResponse streams the upstream's status line, headers (minus
// hop-by-hop), and body back to the client, per spec.md §4.5. The returned
// bool reports whether the status line was written before any error, i.e.
// whether the client has already received the start of a response.
func writeRelayedResponse(w io.Writer, resp *http.Response) (bool, error) {
	statusLine := resp.Proto + " " + resp.Status
	fields := headerToFields(resp.Header).StripHopByHop()
	if err := WriteStatusLine(w, statusLine, fields); err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, err := io.Copy(w, resp.Body)
	return true, err
}
