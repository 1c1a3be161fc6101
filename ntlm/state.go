// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ntlm implements the client side of the NTLM challenge-response
// authentication flow used against an upstream proxy's Proxy-Authenticate header.
package ntlm

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/Azure/go-ntlmssp"
)

// Phase is the NTLM handshake state, per spec.md §3's TunnelSession invariant:
// UNCHALLENGED → CHALLENGE_RECEIVED → HANDSHAKE → SUCCESS | FAILURE.
type Phase int

const (
	Unchallenged Phase = iota
	ChallengeReceived
	Handshake
	Success
	Failure
)

func (p Phase) String() string {
	switch p {
	case Unchallenged:
		return "unchallenged"
	case ChallengeReceived:
		return "challenge_received"
	case Handshake:
		return "handshake"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

var ErrNoFurtherChallenge = errors.New("ntlm: no further challenge material available")

// State is a small state machine, keyed by the caller at the upstream authority
// (one per TunnelSession), per the design note in spec.md §9: "implement as a small
// state machine keyed by the auth scope, not as ad-hoc fields on the negotiator."
type State struct {
	domain      string
	workstation string
	username    string
	password    string

	phase Phase
}

func New(domain, workstation, username, password string) *State {
	return &State{
		domain:      domain,
		workstation: workstation,
		username:    username,
		password:    password,
		phase:       Unchallenged,
	}
}

func (s *State) Phase() Phase {
	return s.phase
}

// domainUser renders the "DOMAIN\user" form go-ntlmssp's ProcessChallenge expects
// when a domain is configured.
func (s *State) domainUser() string {
	if s.domain == "" {
		return s.username
	}
	return s.domain + "\\" + s.username
}

// Negotiate produces the base64-encoded Type-1 negotiate message, the first round
// of the handshake, sent with no prior challenge.
func (s *State) Negotiate() (string, error) {
	msg, err := ntlmssp.NewNegotiateMessage(s.domain, s.workstation)
	if err != nil {
		s.phase = Failure
		return "", fmt.Errorf("ntlm: build negotiate message: %w", err)
	}
	s.phase = Handshake
	return base64.StdEncoding.EncodeToString(msg), nil
}

// Challenge consumes the server's base64-encoded Type-2 challenge message and
// produces the base64-encoded Type-3 authenticate message.
func (s *State) Challenge(challengeB64 string) (string, error) {
	s.phase = ChallengeReceived

	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		s.phase = Failure
		return "", fmt.Errorf("ntlm: decode challenge: %w", err)
	}

	msg, err := ntlmssp.ProcessChallenge(challenge, s.domainUser(), s.password, true)
	if err != nil {
		s.phase = Failure
		return "", fmt.Errorf("ntlm: process challenge: %w", err)
	}

	s.phase = Handshake
	return base64.StdEncoding.EncodeToString(msg), nil
}

// MarkSuccess and MarkFailure record the handshake's terminal outcome. Once
// Failure, the state MUST NOT be reused for another round (spec.md §4.4 invariant:
// the loop MUST NOT retry after a terminal refusal).
func (s *State) MarkSuccess() { s.phase = Success }
func (s *State) MarkFailure() { s.phase = Failure }

func (s *State) Done() bool {
	return s.phase == Success || s.phase == Failure
}
