// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"errors"
	"net/http"

	"github.com/kpax/ntlmforwarder/internal/customerror"
)

// Error kinds, per SPEC_FULL.md §7. Each is a *customerror.CustomError with a fixed
// Code so callers can classify an error with errors.As without depending on message text.
const (
	codeConfigurationError    = "E_CONFIGURATION"
	codeMalformedRequest      = "E_MALFORMED_REQUEST"
	codeUpstreamIOError       = "E_UPSTREAM_IO"
	codeUpstreamProtocolError = "E_UPSTREAM_PROTOCOL"
	codeTunnelRefused         = "E_TUNNEL_REFUSED"
	codeAuthExhausted         = "E_AUTH_EXHAUSTED"
)

func NewConfigurationError(message string, err error) error {
	return customerror.New(message, codeConfigurationError, http.StatusInternalServerError, err)
}

func NewMalformedRequestError(message string, err error) error {
	return customerror.New(message, codeMalformedRequest, http.StatusBadRequest, err)
}

func NewUpstreamIOError(message string, err error) error {
	return customerror.New(message, codeUpstreamIOError, http.StatusBadGateway, err)
}

func NewUpstreamProtocolError(message string, err error) error {
	return customerror.New(message, codeUpstreamProtocolError, http.StatusBadGateway, err)
}

// TunnelRefusedError carries the upstream's terminal non-2xx CONNECT response for
// diagnostics, per spec.md §7.
type TunnelRefusedError struct {
	*customerror.CustomError
	StatusLine      string
	ProxyAuthenticate string
}

func NewTunnelRefusedError(statusLine, proxyAuthenticate string, statusCode int) *TunnelRefusedError {
	code := statusCode
	if proxyAuthenticate != "" {
		code = http.StatusProxyAuthRequired
	}
	return &TunnelRefusedError{
		CustomError:       customerror.New("CONNECT refused by proxy: "+statusLine, codeTunnelRefused, code, nil),
		StatusLine:        statusLine,
		ProxyAuthenticate: proxyAuthenticate,
	}
}

func NewAuthExhaustedError(message string, err error) error {
	return customerror.New(message, codeAuthExhausted, http.StatusBadGateway, err)
}

// statusCodeFor maps an error produced by this package to the HTTP status the
// propagation policy (spec.md §7) requires when no response byte has been written yet.
func statusCodeFor(err error) int {
	var ce *customerror.CustomError
	if errors.As(err, &ce) {
		if ce.StatusCode != 0 {
			return ce.StatusCode
		}
	}
	var tre *TunnelRefusedError
	if errors.As(err, &tre) {
		return tre.StatusCode
	}
	return http.StatusBadGateway
}
