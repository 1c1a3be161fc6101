// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kpax/ntlmforwarder/conntrack"
	"github.com/kpax/ntlmforwarder/log"
)

// pooledConn is a PooledConnection per spec.md §3: owned by the pool, leased for
// one request, returned on response completion or failure.
type pooledConn struct {
	net.Conn
	route         string
	idleSince     time.Time
	expiresAt     time.Time // zero means "use MaxConnectionIdle at eviction time"
	authenticated bool
}

// ConnectionPool implements C6: pools upstream connections with idle/expired
// eviction, grounded on ProxyContext.java's PoolingHttpClientConnectionManager
// configuration and EvictionTask.
type ConnectionPool struct {
	cfg     *SystemConfig
	dialer  *Dialer
	log     log.Logger
	metrics *metrics // optional; set by Server after construction.

	mu   sync.Mutex
	idle map[string][]*pooledConn

	// sem caps the total number of open connections (idle + leased) at
	// SystemConfig.MaxConnections, the equivalent of
	// PoolingHttpClientConnectionManager.setMaxTotal. nil means unbounded.
	sem chan struct{}

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewConnectionPool(cfg *SystemConfig, dialer *Dialer, logger log.Logger) *ConnectionPool {
	if logger == nil {
		logger = log.NopLogger
	}
	p := &ConnectionPool{
		cfg:    cfg,
		dialer: dialer,
		log:    logger,
		idle:   make(map[string][]*pooledConn),
	}
	if cfg.MaxConnections != nil && *cfg.MaxConnections > 0 {
		p.sem = make(chan struct{}, *cfg.MaxConnections)
	}
	if cfg.EvictionEnabled {
		p.startEviction()
	}
	return p
}

// Get returns a pooled idle connection for route, if any, removing it from the
// idle set, plus whether the connection's NTLM handshake has already succeeded
// (meaning the upstream proxy will authorize further requests on it with no
// further challenge, since NTLM authenticates a connection, not a request).
// Returns ok=false when none is available; the caller is expected to dial a
// fresh one, per spec.md §4.6 "Shared across all outbound requests."
func (p *ConnectionPool) Get(route string) (conn net.Conn, authenticated bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[route]
	for len(conns) > 0 {
		c := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		p.idle[route] = conns
		p.metrics.setPoolConnections(route, len(conns))

		if time.Now().After(c.expiresAt) && !c.expiresAt.IsZero() {
			c.Conn.Close()
			continue
		}
		return c.Conn, c.authenticated, true
	}
	return nil, false, false
}

// Dial opens a fresh connection to route (host:port), tuned per spec.md §4.4 step
// 3a (TCP_NODELAY, socketBufferSize), blocking until a free slot under
// MaxConnections is available. The returned net.Conn releases its slot exactly
// once, on whichever Close call actually reaches it - whether that's a direct
// close (a bridged CONNECT tunnel) or Put's evict-on-close path (a relayed
// connection that isn't kept alive).
func (p *ConnectionPool) Dial(ctx context.Context, route string) (net.Conn, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	c, err := p.dialer.DialContext(ctx, "tcp", route)
	if err != nil {
		p.release()
		return nil, NewUpstreamIOError("failed to dial upstream proxy", err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &leasedConn{Conn: c, release: p.release}, nil
}

// acquire blocks until a connection slot is free, or ctx is canceled. A nil
// sem (MaxConnections unset) never blocks.
func (p *ConnectionPool) acquire(ctx context.Context) error {
	if p.sem == nil {
		return nil
	}
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return NewUpstreamIOError("timed out waiting for a free upstream connection slot", ctx.Err())
	}
}

func (p *ConnectionPool) release() {
	if p.sem == nil {
		return
	}
	<-p.sem
}

// leasedConn ties a pooled connection's lifetime to its MaxConnections slot:
// the slot is released the first time Close is called, regardless of how many
// times the connection cycled through Get/Put before that.
type leasedConn struct {
	net.Conn
	release func()
	once    sync.Once
}

func (c *leasedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

// Put returns conn to the idle pool for route, honoring keepAlive; if keepAlive is
// zero, the connection is closed instead of pooled. authenticated records whether
// the connection has completed an NTLM handshake, so a later Get can skip
// re-authenticating it.
func (p *ConnectionPool) Put(route string, conn net.Conn, keepAlive time.Duration, authenticated bool) {
	p.mu.Lock()

	if keepAlive <= 0 {
		p.mu.Unlock()
		conn.Close()
		return
	}

	if max := p.cfg.MaxConnectionsPerRoute; max != nil && len(p.idle[route]) >= *max {
		p.mu.Unlock()
		conn.Close()
		return
	}

	pc := &pooledConn{
		Conn:          conn,
		route:         route,
		idleSince:     time.Now(),
		expiresAt:     time.Now().Add(keepAlive),
		authenticated: authenticated,
	}
	p.idle[route] = append(p.idle[route], pc)
	p.metrics.setPoolConnections(route, len(p.idle[route]))
	p.mu.Unlock()
}

// IdleCount reports the number of idle pooled connections, used by tests of the
// eviction property (spec.md §8 S6).
func (p *ConnectionPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, conns := range p.idle {
		n += len(conns)
	}
	return n
}

func (p *ConnectionPool) startEviction() {
	p.ticker = time.NewTicker(p.cfg.EvictionPeriod)
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ticker.C:
				p.evict()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// evict runs the EvictionTask equivalent: close-expired, then close-idle-longer-
// than-MaxConnectionIdle, per ProxyContext.java's EvictionTask and spec.md §4.6.
func (p *ConnectionPool) evict() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for route, conns := range p.idle {
		kept := conns[:0]
		for _, c := range conns {
			expired := !c.expiresAt.IsZero() && now.After(c.expiresAt)
			idleTooLong := now.Sub(c.idleSince) > p.cfg.MaxConnectionIdle
			if expired || idleTooLong {
				c.Conn.Close()
				continue
			}
			kept = append(kept, c)
		}
		p.idle[route] = kept
		p.metrics.setPoolConnections(route, len(kept))
	}
}

// Close shuts down the pool, cancels the eviction timer, and closes every idle
// connection, per spec.md §4.6 "shutdown closes the pool, cancels the timer."
func (p *ConnectionPool) Close() error {
	if p.ticker != nil {
		p.ticker.Stop()
		close(p.stopCh)
		p.wg.Wait()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for route, conns := range p.idle {
		for _, c := range conns {
			c.Conn.Close()
		}
		p.metrics.setPoolConnections(route, 0)
	}
	p.idle = make(map[string][]*pooledConn)
	return nil
}

// KeepAliveDuration implements the keep-alive strategy of spec.md §4.6 / §8
// property 4, grounded on ProxyContext.java's CustomConnectionKeepAliveStrategy:
// honor Keep-Alive: timeout=<n> (seconds), else fall back to maxConnectionIdle.
func KeepAliveDuration(header Fields, maxConnectionIdle time.Duration) time.Duration {
	if v, ok := header.Get("Keep-Alive"); ok {
		for _, elem := range strings.Split(v, ",") {
			name, value, found := strings.Cut(elem, "=")
			if !found {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(name), "timeout") {
				if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && n >= 0 {
					return time.Duration(n) * time.Second
				}
			}
		}
	}
	return maxConnectionIdle
}

// trackedConn wires conntrack's byte-counting wrapper for a pooled connection so
// the relay can log the bytes sent and received on it; the counts are not
// exported as metrics.
func trackedConn(c net.Conn, onClose func()) (net.Conn, *conntrack.Observer) {
	return conntrack.Builder{TrackTraffic: true, OnClose: onClose}.BuildWithObserver(c)
}
