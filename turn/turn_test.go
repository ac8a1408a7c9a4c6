// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sotto-voice/sotto/lib/clock"
	"github.com/sotto-voice/sotto/lib/ref"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(clk clock.Clock) (*Cache, *StaticIssuer) {
	issuer := &StaticIssuer{
		Credentials: Credentials{
			CallerUsername:    "caller-user",
			CallerPassword:    "caller-pass",
			RecipientUsername: "recipient-user",
			RecipientPassword: "recipient-pass",
			RelayServers:      []string{"turn:relay.example.com:443?transport=tcp"},
		},
	}
	return NewCache(issuer, clk, 0), issuer
}

func TestCache_ReusesWithinTTL(t *testing.T) {
	clk := clock.Fake(testEpoch)
	cache, issuer := newTestCache(clk)

	first, err := cache.Get(context.Background(), ref.NewCallID())
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}

	clk.Advance(DefaultTTL - time.Minute)

	second, err := cache.Get(context.Background(), ref.NewCallID())
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if second != first {
		t.Error("Get within TTL returned a different credential object")
	}
	if got := issuer.IssuedCount(); got != 1 {
		t.Errorf("issuance count = %d, want 1", got)
	}
}

func TestCache_ReissuesAfterTTL(t *testing.T) {
	clk := clock.Fake(testEpoch)
	cache, issuer := newTestCache(clk)

	if _, err := cache.Get(context.Background(), ref.NewCallID()); err != nil {
		t.Fatalf("first Get: %v", err)
	}

	clk.Advance(DefaultTTL)

	if _, err := cache.Get(context.Background(), ref.NewCallID()); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got := issuer.IssuedCount(); got != 2 {
		t.Errorf("issuance count = %d, want 2 (TTL elapsed)", got)
	}
}

func TestCache_InvalidateForcesReissue(t *testing.T) {
	clk := clock.Fake(testEpoch)
	cache, issuer := newTestCache(clk)

	if _, err := cache.Get(context.Background(), ref.NewCallID()); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	cache.Invalidate()

	if _, err := cache.Get(context.Background(), ref.NewCallID()); err != nil {
		t.Fatalf("Get after Invalidate: %v", err)
	}
	if got := issuer.IssuedCount(); got != 2 {
		t.Errorf("issuance count = %d, want 2 after invalidation", got)
	}
}

func TestCache_IssuanceFailurePropagates(t *testing.T) {
	clk := clock.Fake(testEpoch)
	cache := NewCache(&StaticIssuer{Fail: &IssueError{Reason: IssuePermissionDenied}}, clk, 0)

	_, err := cache.Get(context.Background(), ref.NewCallID())
	var issueErr *IssueError
	if !errors.As(err, &issueErr) {
		t.Fatalf("Get error = %v, want *IssueError", err)
	}
	if issueErr.Reason != IssuePermissionDenied {
		t.Errorf("failure reason = %v, want %v", issueErr.Reason, IssuePermissionDenied)
	}
}

func TestCache_FailedIssuanceNotCached(t *testing.T) {
	clk := clock.Fake(testEpoch)
	issuer := &StaticIssuer{Fail: &IssueError{Reason: IssueUnreachable}}
	cache := NewCache(issuer, clk, 0)

	if _, err := cache.Get(context.Background(), ref.NewCallID()); err == nil {
		t.Fatal("Get succeeded with failing issuer")
	}

	// The failure clears: subsequent Get issues again.
	issuer.Fail = nil
	if _, err := cache.Get(context.Background(), ref.NewCallID()); err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if got := issuer.IssuedCount(); got != 2 {
		t.Errorf("issuance count = %d, want 2", got)
	}
}
