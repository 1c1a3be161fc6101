// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import "sync"

// Credentials is the NTLM principal used for every upstream authority, mirroring
// Authentication.java's NTCredentials(username, password, workstation=null, domain).
// Immutable after construction.
type Credentials struct {
	Username    string
	Password    string
	Domain      string
	Workstation string // always empty; the original never sets one either.
}

// CredentialsStore lazily materializes the single Credentials instance for the
// process, per spec.md §3/§4.1 (C1): exactly one instance per process lifetime,
// safe under concurrent first calls. sync.Once is the idiomatic Go replacement for
// the double-checked-locking idiom Authentication.java and ProxyContext.java use.
type CredentialsStore struct {
	cfg *UserConfig

	once  sync.Once
	creds *Credentials
	err   error
}

func NewCredentialsStore(cfg *UserConfig) *CredentialsStore {
	return &CredentialsStore{cfg: cfg}
}

// Get returns the process-wide Credentials, constructing them on the first call.
// Fails with a ConfigurationError if required fields are missing, before any
// socket is ever opened.
func (s *CredentialsStore) Get() (*Credentials, error) {
	s.once.Do(func() {
		if err := s.cfg.Validate(); err != nil {
			s.err = NewConfigurationError("failed to materialize credentials", err)
			return
		}
		s.creds = &Credentials{
			Username: s.cfg.Username,
			Password: s.cfg.Password,
			Domain:   s.cfg.Domain,
		}
	})
	return s.creds, s.err
}

// Close zeroes the in-memory password buffer on shutdown, per the design note on
// plaintext credential lifetime (spec.md §9). Best-effort: Go strings are immutable
// and may have already been copied elsewhere, but this at least drops this copy.
func (s *CredentialsStore) Close() {
	if s.creds == nil {
		return
	}
	s.creds.Password = ""
}
