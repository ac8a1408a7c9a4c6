// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// Package turn caches relay-server credentials issued by the trust
// service. Credentials are long-lived (12 hour TTL by default), so one
// issuance typically covers many calls; the cache is shared across
// call sessions and survives individual call failures.
package turn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sotto-voice/sotto/lib/clock"
	"github.com/sotto-voice/sotto/lib/ref"
)

// DefaultTTL is how long issued credentials are reused before a fresh
// issuance is requested.
const DefaultTTL = 12 * time.Hour

// The role tags sent with an issuance request. The trust service only
// requires that the two tags differ; their values are otherwise
// arbitrary.
const (
	callerTag    = "caller"
	recipientTag = "recipient"
)

// Credentials are relay-server credentials for one caller/recipient
// pair, plus the relay server URIs they are valid for.
type Credentials struct {
	CallerUsername    string
	CallerPassword    string
	RecipientUsername string
	RecipientPassword string
	RelayServers      []string
	IssuedAt          time.Time
}

// IssueFailure classifies a failed issuance request.
type IssueFailure int

const (
	IssueBadSession IssueFailure = iota + 1
	IssueUnreachable
	IssuePermissionDenied
	IssueUnsupported
)

// String returns the failure name.
func (f IssueFailure) String() string {
	switch f {
	case IssueBadSession:
		return "bad_session"
	case IssueUnreachable:
		return "unreachable"
	case IssuePermissionDenied:
		return "permission_denied"
	case IssueUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// IssueError is returned by Issuer implementations so callers can map
// the failure onto the call-level error taxonomy.
type IssueError struct {
	Reason IssueFailure
}

func (e *IssueError) Error() string {
	return "relay credential issuance failed: " + e.Reason.String()
}

// Issuer obtains relay credentials from the trust service.
type Issuer interface {
	// IssueRelayCredentials requests credentials keyed by the call ID
	// and two distinguishing role tags. Implementations return
	// *IssueError for classified failures.
	IssueRelayCredentials(ctx context.Context, callID ref.CallID, tagA, tagB string) (*Credentials, error)
}

// Cache is the process-wide relay credential cache. Safe for
// concurrent use; a Get that misses while another Get is already
// issuing performs its own issuance (issuance is idempotent and the
// last writer wins — the trust service hands out equivalent
// credentials for concurrent requests).
type Cache struct {
	issuer Issuer
	clock  clock.Clock
	ttl    time.Duration

	mu     sync.Mutex
	cached *Credentials
}

// NewCache creates a credential cache with the given TTL. A zero ttl
// means DefaultTTL.
func NewCache(issuer Issuer, clk clock.Clock, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{issuer: issuer, clock: clk, ttl: ttl}
}

// Get returns cached credentials while they remain fresh, otherwise
// requests a fresh issuance keyed by callID. Fresh credentials are
// cached unconditionally, even if the call they were fetched for later
// fails, and are reused by unrelated calls within the TTL window.
func (c *Cache) Get(ctx context.Context, callID ref.CallID) (*Credentials, error) {
	c.mu.Lock()
	if c.cached != nil && c.clock.Now().Before(c.cached.IssuedAt.Add(c.ttl)) {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	issued, err := c.issuer.IssueRelayCredentials(ctx, callID, callerTag, recipientTag)
	if err != nil {
		return nil, err
	}
	if issued.IssuedAt.IsZero() {
		issued.IssuedAt = c.clock.Now()
	}

	c.mu.Lock()
	c.cached = issued
	c.mu.Unlock()
	return issued, nil
}

// Invalidate drops the cached entry. Called on authentication failure
// and on relay-unreachable detection so the next Get issues fresh
// credentials instead of retrying certainly-stale ones.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
