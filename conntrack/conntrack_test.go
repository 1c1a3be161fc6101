// Copyright 2022-2024 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package conntrack

import (
	"net"
	"testing"
)

func TestBuildTrackTraffic(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	wc, co := Builder{TrackTraffic: true}.BuildWithObserver(client)
	if co == nil {
		t.Fatal("expected a connection observer")
	}

	go server.Write([]byte("hello"))

	buf := make([]byte, 5)
	n, err := wc.Read(buf)
	if err != nil {
		t.Fatalf("Read error = %v", err)
	}
	if n != 5 || co.Rx() != 5 {
		t.Errorf("Rx = %d, want 5", co.Rx())
	}

	go server.Read(make([]byte, 5))
	if _, err := wc.Write([]byte("world")); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if co.Tx() != 5 {
		t.Errorf("Tx = %d, want 5", co.Tx())
	}

	if ObserverFromConn(wc) != co {
		t.Error("ObserverFromConn mismatch")
	}
}

func TestBuildOnClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	var closed bool
	wc, co := Builder{OnClose: func() { closed = true }}.BuildWithObserver(client)
	if co != nil {
		t.Error("unexpected connection observer when TrackTraffic is false")
	}

	if err := wc.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if !closed {
		t.Error("OnClose not called")
	}
}

func TestBuildOnCloseCalledOnce(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	var calls int
	wc, _ := Builder{OnClose: func() { calls++ }}.BuildWithObserver(client)

	wc.Close()
	wc.Close()

	if calls != 1 {
		t.Errorf("OnClose called %d times, want 1", calls)
	}
}

func TestBuildNoOptions(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	wc, co := Builder{}.BuildWithObserver(client)
	if co != nil {
		t.Error("unexpected connection observer")
	}
	if wc != client {
		t.Error("expected the unmodified connection to be returned")
	}
}
