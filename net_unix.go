// Copyright 2022-2024 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build unix

package forwarder

import (
	"fmt"
	"os"
	"syscall"
)

func enableTCPKeepAlive(fd uintptr) {
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set SO_KEEPALIVE: %v\n", err)
	}
}

// setSocketBufferSize tunes SO_SNDBUF/SO_RCVBUF, matching the socketBufferSize /
// serverSocketBufferSize knobs TunnelNegotiator (C4) and AcceptorLoop (C7) apply per
// CustomProxyClient.java's tuneSocket and LocalProxyServer.java's SO_RCVBUF/SO_SNDBUF options.
func setSocketBufferSize(fd uintptr, size int) {
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, size); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set SO_SNDBUF: %v\n", err)
	}
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, size); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set SO_RCVBUF: %v\n", err)
	}
}
