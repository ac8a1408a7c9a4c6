// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sotto-voice/sotto/lib/clock"
	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/transport"
	"github.com/sotto-voice/sotto/turn"
	"github.com/sotto-voice/sotto/wire"
)

// Config parameterizes an Engine.
type Config struct {
	// Identity is the owned identity this engine speaks for.
	Identity ref.Identity

	// Messenger posts outbound signaling. Inbound signaling is fed to
	// Engine.HandleMessage by the host.
	Messenger transport.Messenger

	// Issuer obtains relay credentials from the trust service.
	Issuer turn.Issuer

	// Links creates media links. Required.
	Links LinkFactory

	// Directory resolves display metadata. Required.
	Directory Directory

	// History records finished calls. Required.
	History HistoryStore

	// IncomingCall is invoked (from the session executor) when a new
	// inbound call starts ringing. Required for recipients; a caller-
	// only deployment may leave it nil and inbound calls are rejected
	// as unsupported.
	IncomingCall func(*Session)

	// AudioRouter is the platform audio routing adapter. Optional;
	// defaults to NullAudioRouter.
	AudioRouter AudioRouter

	// GatheringPolicy is the policy this engine offers when it
	// initiates negotiation. Defaults to GatherContinuously.
	GatheringPolicy wire.GatheringPolicy

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// Clock defaults to the real clock.
	Clock clock.Clock

	// RingingTimeout auto-hangs-up an unanswered inbound call.
	RingingTimeout time.Duration

	// ConnectTimeout bounds each peer's negotiation attempt; expiry
	// triggers a reconnection attempt (or fails a peer that never
	// reached negotiation).
	ConnectTimeout time.Duration

	// RemovalGrace delays erasing a terminal peer session so late
	// in-flight messages settle instead of spawning ghost state.
	RemovalGrace time.Duration

	// PendingCandidateWindow bounds how long candidates for a
	// not-yet-existing call are buffered before being dropped.
	PendingCandidateWindow time.Duration

	// CredentialTTL overrides the relay-credential reuse window.
	CredentialTTL time.Duration
}

// Defaults, overridable per Config field.
const (
	DefaultRingingTimeout         = 60 * time.Second
	DefaultConnectTimeout         = 30 * time.Second
	DefaultRemovalGrace           = 3 * time.Second
	DefaultPendingCandidateWindow = 30 * time.Second
)

// durationTickInterval is the cadence of the in-progress duration
// observable.
const durationTickInterval = time.Second

func (c Config) withDefaults() (Config, error) {
	if c.Identity.IsZero() {
		return c, fmt.Errorf("config: Identity is required")
	}
	if c.Messenger == nil {
		return c, fmt.Errorf("config: Messenger is required")
	}
	if c.Issuer == nil {
		return c, fmt.Errorf("config: Issuer is required")
	}
	if c.Links == nil {
		return c, fmt.Errorf("config: Links factory is required")
	}
	if c.Directory == nil {
		return c, fmt.Errorf("config: Directory is required")
	}
	if c.History == nil {
		return c, fmt.Errorf("config: History store is required")
	}
	if c.AudioRouter == nil {
		c.AudioRouter = NullAudioRouter{}
	}
	if c.GatheringPolicy == 0 {
		c.GatheringPolicy = wire.GatherContinuously
	}
	if !c.GatheringPolicy.Valid() {
		return c, fmt.Errorf("config: invalid gathering policy %d", c.GatheringPolicy)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.RingingTimeout <= 0 {
		c.RingingTimeout = DefaultRingingTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RemovalGrace <= 0 {
		c.RemovalGrace = DefaultRemovalGrace
	}
	if c.PendingCandidateWindow <= 0 {
		c.PendingCandidateWindow = DefaultPendingCandidateWindow
	}
	return c, nil
}
