// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"context"
	"net"
	"syscall"
	"time"
)

// DialConfig configures dialing upstream (C4, C6).
type DialConfig struct {
	// DialTimeout is the maximum amount of time a dial will wait for
	// connect to complete.
	DialTimeout time.Duration

	// KeepAlive enables TCP keep-alive probes for an active network connection.
	KeepAlive bool

	// SocketBufferSize sets SO_SNDBUF/SO_RCVBUF on the dialed socket. Zero leaves the OS default.
	SocketBufferSize int
}

func DefaultDialConfig() *DialConfig {
	return &DialConfig{
		DialTimeout: 10 * time.Second,
		KeepAlive:   true,
	}
}

// Dialer dials upstream proxy connections, tuned the way TunnelNegotiator (C4) requires:
// TCP_NODELAY and configured socket buffer sizes.
type Dialer struct {
	nd net.Dialer
}

func NewDialer(cfg *DialConfig) *Dialer {
	nd := net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: -1,
		Resolver: &net.Resolver{
			PreferGo: true,
		},
	}

	nd.Control = func(_, _ string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			if cfg.KeepAlive {
				enableTCPKeepAlive(fd)
			}
			if cfg.SocketBufferSize > 0 {
				setSocketBufferSize(fd, cfg.SocketBufferSize)
			}
		})
	}

	return &Dialer{nd: nd}
}

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.nd.DialContext(ctx, network, address)
}

func defaultListenConfig(serverSocketBufferSize int) *net.ListenConfig {
	return &net.ListenConfig{
		KeepAlive: -1,
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				enableTCPKeepAlive(fd)
				if serverSocketBufferSize > 0 {
					setSocketBufferSize(fd, serverSocketBufferSize)
				}
			})
		},
	}
}

// Listen creates a listener for the provided network and address and configures
// OS-specific keep-alive and buffer-size parameters, matching the tuning AcceptorLoop (C7)
// applies to every accepted socket.
func Listen(network, address string, serverSocketBufferSize int) (net.Listener, error) {
	return defaultListenConfig(serverSocketBufferSize).Listen(context.Background(), network, address)
}
