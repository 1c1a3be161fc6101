// Copyright 2022-2026 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"context"
	"time"
)

// DefaultShutdownTimeout bounds how long Server.Shutdown waits for in-flight
// tunnels and relayed requests to drain once runctx.Group's context is
// canceled by SIGINT/SIGTERM/SIGQUIT, before the CLI layer (C9) gives up on a
// graceful stop and returns anyway.
const DefaultShutdownTimeout = 30 * time.Second

// drainContext derives a fresh, timeout-bounded context for the shutdown
// phase. It is deliberately not derived from the signal-canceled context
// runctx.Group hands to the caller: that context is already Done by the time
// Shutdown runs, and Shutdown needs its own clock to bound the drain.
func drainContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}
