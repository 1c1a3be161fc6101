// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestKeepAliveDuration(t *testing.T) {
	tests := []struct {
		name   string
		header Fields
		want   time.Duration
	}{
		{
			name:   "timeout present",
			header: Fields{{Name: "Keep-Alive", Value: "timeout=30, max=100"}},
			want:   30 * time.Second,
		},
		{
			name:   "no header",
			header: nil,
			want:   60 * time.Second,
		},
		{
			name:   "malformed timeout",
			header: Fields{{Name: "Keep-Alive", Value: "timeout=nope"}},
			want:   60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KeepAliveDuration(tt.header, 60*time.Second)
			if got != tt.want {
				t.Errorf("KeepAliveDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnectionPoolPutGet(t *testing.T) {
	cfg := DefaultSystemConfig()
	cfg.EvictionEnabled = false
	pool := NewConnectionPool(cfg, NewDialer(DefaultDialConfig()), nil)
	defer pool.Close()

	client, server := net.Pipe()
	defer server.Close()

	if _, _, ok := pool.Get("example.com:80"); ok {
		t.Fatal("expected no pooled connection before Put")
	}

	pool.Put("example.com:80", client, 5*time.Second, true)

	got, authenticated, ok := pool.Get("example.com:80")
	if !ok {
		t.Fatal("expected a pooled connection after Put")
	}
	if got != client {
		t.Error("Get returned a different connection than was Put")
	}
	if !authenticated {
		t.Error("expected the pooled connection to be marked authenticated")
	}
}

func TestConnectionPoolEviction(t *testing.T) {
	cfg := DefaultSystemConfig()
	cfg.EvictionEnabled = false
	cfg.MaxConnectionIdle = 10 * time.Millisecond
	pool := NewConnectionPool(cfg, NewDialer(DefaultDialConfig()), nil)
	defer pool.Close()

	client, server := net.Pipe()
	defer server.Close()

	pool.Put("example.com:80", client, time.Hour, true)
	if pool.IdleCount() != 1 {
		t.Fatalf("IdleCount() = %d, want 1", pool.IdleCount())
	}

	time.Sleep(20 * time.Millisecond)
	pool.evict()

	if pool.IdleCount() != 0 {
		t.Errorf("IdleCount() after eviction = %d, want 0", pool.IdleCount())
	}
}

// TestConnectionPoolMaxConnectionsBlocksUntilRelease covers SystemConfig's
// MaxTotal cap (spec.md §4.6): once the cap is leased out, a further Dial
// blocks until a prior connection's Close frees a slot.
func TestConnectionPoolMaxConnectionsBlocksUntilRelease(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake upstream: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.(*net.TCPConn).SetLinger(0)
		}
	}()

	max := 1
	cfg := DefaultSystemConfig()
	cfg.EvictionEnabled = false
	cfg.MaxConnections = &max
	pool := NewConnectionPool(cfg, NewDialer(DefaultDialConfig()), nil)
	defer pool.Close()

	first, err := pool.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Dial(ctx, ln.Addr().String()); err == nil {
		t.Fatal("expected second Dial() to block and time out while the cap is exhausted")
	}

	first.Close()

	if _, err := pool.Dial(context.Background(), ln.Addr().String()); err != nil {
		t.Errorf("Dial() after release error = %v, want nil", err)
	}
}
