// Copyright 2022-2026 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"testing"
	"time"
)

func TestDrainContextHonorsTimeout(t *testing.T) {
	ctx, cancel := drainContext(10 * time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("drainContext did not expire within its timeout")
	}
}

func TestDrainContextDefaultsWhenZero(t *testing.T) {
	ctx, cancel := drainContext(0)
	defer cancel()

	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > DefaultShutdownTimeout {
		t.Fatalf("expected deadline within DefaultShutdownTimeout, got %v ok=%v", dl, ok)
	}
}
