// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/kpax/ntlmforwarder/log"
)

func newTestRelayHandler(addr string) (*RelayHandler, *ConnectionPool) {
	cfg := DefaultSystemConfig()
	cfg.EvictionEnabled = false
	pool := NewConnectionPool(cfg, NewDialer(DefaultDialConfig()), log.NopLogger)
	creds := NewCredentialsStore(&UserConfig{
		Username:  "alice",
		Password:  "secret",
		Domain:    "CORP",
		ProxyHost: "proxy.internal",
		ProxyPort: 8080,
		LocalPort: 3128,
	})
	return NewRelayHandler(pool, creds, cfg, log.NopLogger), pool
}

func parseHeadOf(t *testing.T, raw string) (*RequestHead, *StreamingRequestBody) {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(raw))
	head, err := ParseHead(br)
	if err != nil {
		t.Fatalf("ParseHead error = %v", err)
	}
	body, err := NewStreamingRequestBody(br, head.ContentLength)
	if err != nil {
		t.Fatalf("NewStreamingRequestBody error = %v", err)
	}
	return head, body
}

// TestRelaySmallPOST covers S3: a small repeatable body, relayed once and the
// upstream's status/headers/body streamed straight back.
func TestRelaySmallPOST(t *testing.T) {
	addr := startFakeProxy(t, []canned{
		{raw: "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nhey"},
	})

	head, body := parseHeadOf(t, "POST http://example.com/submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 10\r\n\r\n0123456789")
	if !body.Repeatable() {
		t.Fatal("expected a 10-byte body to be repeatable")
	}

	h, pool := newTestRelayHandler(addr)
	defer pool.Close()

	var out bytes.Buffer
	if _, err := h.Relay(context.Background(), addr, head, body, &out); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if !strings.HasSuffix(out.String(), "hey") {
		t.Errorf("client output = %q, want it to end with %q", out.String(), "hey")
	}
	if !strings.Contains(out.String(), "200 OK") {
		t.Errorf("client output = %q, want a 200 OK status line", out.String())
	}
}

// TestRelayLargeNonRepeatablePOST covers S4: a body over the 100 KiB threshold
// streams straight through when the upstream answers without any challenge.
func TestRelayLargeNonRepeatablePOST(t *testing.T) {
	const size = 250_000
	payload := strings.Repeat("a", size)

	addr := startFakeProxy(t, []canned{
		{raw: "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"},
	})

	raw := "POST http://example.com/upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: " +
		strconv.Itoa(size) + "\r\n\r\n" + payload
	head, body := parseHeadOf(t, raw)
	if body.Repeatable() {
		t.Fatal("expected a 250000-byte body to be non-repeatable")
	}

	h, pool := newTestRelayHandler(addr)
	defer pool.Close()

	var out bytes.Buffer
	if _, err := h.Relay(context.Background(), addr, head, body, &out); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if !strings.Contains(out.String(), "200 OK") {
		t.Errorf("client output = %q, want a 200 OK status line", out.String())
	}
}

// TestRelayAuthExhaustedOnNonRepeatableBody covers the edge case noted in
// spec.md §4.5/§3: a non-repeatable body can't survive an NTLM challenge round.
func TestRelayAuthExhaustedOnNonRepeatableBody(t *testing.T) {
	// Round 0's 407 carries a bare "NTLM" scheme (no token yet), exactly as a
	// real upstream's first challenge does; the negotiator reacts by building a
	// Type-1 message for round 1, which is where the non-repeatable body fails
	// to replay.
	addr := startFakeProxy(t, []canned{
		{raw: "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: NTLM\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"},
	})

	payload := strings.Repeat("a", 250_000)
	raw := "POST http://example.com/upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: " +
		strconv.Itoa(len(payload)) + "\r\n\r\n" + payload
	head, body := parseHeadOf(t, raw)

	h, pool := newTestRelayHandler(addr)
	defer pool.Close()

	var out bytes.Buffer
	_, err := h.Relay(context.Background(), addr, head, body, &out)
	if err == nil {
		t.Fatal("Relay() expected an error for a non-repeatable body under NTLM challenge")
	}
}

// TestRelayRetriesIdempotentRequestOnTransportFailure covers SystemConfig.Retries:
// a GET whose first attempt fails before any response byte arrives gets one
// automatic retry against a fresh connection, per
// ProxyContext.getHttpClientBuilder(retries).
func TestRelayRetriesIdempotentRequestOnTransportFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake proxy: %v", err)
	}
	defer ln.Close()

	go func() {
		// First connection: read the request, then hang up with no response,
		// simulating an upstream IO failure before anything is sent back.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		bufio.NewReader(conn).ReadString('\n')
		conn.Close()

		// Second connection: answer normally.
		conn, err = ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		req.Body.Close()
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	addr := ln.Addr().String()
	head, body := parseHeadOf(t, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")

	h, pool := newTestRelayHandler(addr)
	h.cfg.Retries = true
	defer pool.Close()

	var out bytes.Buffer
	if _, err := h.Relay(context.Background(), addr, head, body, &out); err != nil {
		t.Fatalf("Relay() error = %v, want the retry to succeed", err)
	}
	if !strings.Contains(out.String(), "200 OK") {
		t.Errorf("client output = %q, want a 200 OK status line", out.String())
	}
}

// TestRelayDoesNotRetryOnceClientResponseStarted covers the error-propagation
// fix alongside Retries: a transport failure that happens after the client has
// already received the start of a response must not trigger a second,
// corrupting attempt.
func TestRelayDoesNotRetryOnceClientResponseStarted(t *testing.T) {
	addr := startFakeProxy(t, []canned{
		{raw: "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nhey"},
	})

	head, body := parseHeadOf(t, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")

	h, pool := newTestRelayHandler(addr)
	h.cfg.Retries = true
	defer pool.Close()

	var out bytes.Buffer
	started, err := h.Relay(context.Background(), addr, head, body, &out)
	if err == nil {
		t.Fatal("Relay() error = nil, want an error for a response body cut short")
	}
	if !started {
		t.Error("started = false, want true once a status line reached the client")
	}
}
