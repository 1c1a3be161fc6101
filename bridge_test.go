// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"io"
	"net"
	"testing"
	"time"
)

// TestSocketBridgeCopiesBothDirections covers C8 over real loopback TCP sockets,
// which support half-close, exercising the CloseRead/CloseWrite paths directly.
func TestSocketBridgeCopiesBothDirections(t *testing.T) {
	clientSide, clientPeer := tcpPipe(t)
	upstreamSide, upstreamPeer := tcpPipe(t)

	done := make(chan error, 1)
	go func() {
		b := NewSocketBridge()
		done <- b.Bridge(clientSide, upstreamSide)
	}()

	if _, err := clientPeer.Write([]byte("ping")); err != nil {
		t.Fatalf("client write error = %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(upstreamPeer, buf); err != nil {
		t.Fatalf("upstream read error = %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("upstream received %q, want %q", buf, "ping")
	}

	if _, err := upstreamPeer.Write([]byte("pong")); err != nil {
		t.Fatalf("upstream write error = %v", err)
	}
	if _, err := io.ReadFull(clientPeer, buf); err != nil {
		t.Fatalf("client read error = %v", err)
	}
	if string(buf) != "pong" {
		t.Errorf("client received %q, want %q", buf, "pong")
	}

	clientPeer.Close()
	upstreamPeer.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Bridge() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge() did not return after both peers closed")
	}
}

// TestSocketBridgeClosesBothOnOneSideClose covers spec.md §4.8's "either EOF or
// error in one direction triggers half-close of the peer direction; both halves
// closed ⇒ both sockets closed."
func TestSocketBridgeClosesBothOnOneSideClose(t *testing.T) {
	clientSide, clientPeer := tcpPipe(t)
	upstreamSide, upstreamPeer := tcpPipe(t)
	defer clientPeer.Close()
	defer upstreamPeer.Close()

	done := make(chan error, 1)
	go func() {
		b := NewSocketBridge()
		done <- b.Bridge(clientSide, upstreamSide)
	}()

	clientPeer.Close()
	upstreamPeer.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Bridge() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge() did not return after peers closed")
	}
}

// tcpPipe returns two ends of a real loopback TCP connection, which (unlike
// net.Pipe) support CloseRead/CloseWrite.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen error = %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- c
	}()

	peer, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial error = %v", err)
	}

	select {
	case c := <-acceptCh:
		return c, peer
	case err := <-acceptErrCh:
		t.Fatalf("Accept error = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept timed out")
	}
	return nil, nil
}
