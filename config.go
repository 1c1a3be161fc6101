// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"time"

	"github.com/kpax/ntlmforwarder/header"
	"github.com/kpax/ntlmforwarder/internal/customerror"
	"github.com/kpax/ntlmforwarder/log"
)

// UserConfig carries the identity of the upstream NTLM principal and the two
// listening endpoints. It is a plain value carrier, populated by the CLI layer (C9).
type UserConfig struct {
	Username string
	Password string
	Domain   string

	ProxyHost string
	ProxyPort int

	LocalPort int
}

// Validate implements the config validation law of SPEC_FULL.md §8 property 7: a
// missing Username, Password or ProxyHost must fail before CredentialsStore.Get()
// ever opens a socket.
func (c *UserConfig) Validate() error {
	if c.Username == "" {
		return customerror.NewRequiredError("username", "E_USER_CONFIG", nil)
	}
	if c.Password == "" {
		return customerror.NewRequiredError("password", "E_USER_CONFIG", nil)
	}
	if c.ProxyHost == "" {
		return customerror.NewRequiredError("proxyHost", "E_USER_CONFIG", nil)
	}
	if c.ProxyPort <= 0 {
		return customerror.NewInvalidError("proxyPort", "E_USER_CONFIG", nil)
	}
	if c.LocalPort <= 0 {
		return customerror.NewInvalidError("localPort", "E_USER_CONFIG", nil)
	}
	return nil
}

// SystemConfig carries the resource/tuning knobs of the engine: socket buffer sizes,
// pool caps, idle-eviction period, max idle seconds, retry toggle, plus the ambient
// logging/metrics surface the teacher carries for every comparable service.
type SystemConfig struct {
	SocketBufferSize       int
	ServerSocketBufferSize int

	MaxConnections         *int
	MaxConnectionsPerRoute *int

	EvictionEnabled   bool
	EvictionPeriod    time.Duration
	MaxConnectionIdle time.Duration

	// Retries toggles a single automatic retry of an idempotent relayed
	// request against a fresh connection when the first attempt fails before
	// any response reached the client, mirroring
	// ProxyContext.getHttpClientBuilder(retries)'s disableAutomaticRetries().
	Retries bool

	LogLevel  log.Level
	LogFormat log.Format

	MetricsAddr string

	// ShutdownTimeout bounds the graceful-drain phase; see drainContext.
	ShutdownTimeout time.Duration

	// RequestHeaders/ResponseHeaders apply add/remove rules to every relayed
	// request/response (not to the CONNECT negotiation itself), per the
	// --header/--response-header CLI flags of C9.
	RequestHeaders  header.Headers
	ResponseHeaders header.Headers
}

func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		SocketBufferSize:       64 * 1024,
		ServerSocketBufferSize: 64 * 1024,
		EvictionEnabled:        true,
		EvictionPeriod:         30 * time.Second,
		MaxConnectionIdle:      30 * time.Second,
		Retries:                false,
		LogLevel:               log.InfoLevel,
		LogFormat:              log.TextFormat,
		MetricsAddr:            "127.0.0.1:9090",
		ShutdownTimeout:        DefaultShutdownTimeout,
	}
}
