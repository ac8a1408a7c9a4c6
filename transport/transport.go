// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the boundary to the secure messaging layer
// that carries out-of-band signaling between call participants.
//
// The engine assumes the layer delivers authenticated, confidential
// point-to-point messages with best-effort ordering and no delivery
// guarantee; everything above that (retries, relaying through the call
// initiator, staleness handling) is the engine's job.
//
// [MemoryNetwork] is the in-process implementation used by tests: it
// connects several engines directly and lets a test sever individual
// channel pairs to exercise the relay path. [RelayClient] speaks the
// sotto-relay websocket protocol for the demo binaries.
package transport

import (
	"context"

	"github.com/sotto-voice/sotto/lib/ref"
)

// Messenger posts signaling payloads over the secure messaging layer
// on behalf of one owned identity.
type Messenger interface {
	// Post delivers payload to each recipient. The result maps each
	// recipient that could NOT be reached to its delivery error;
	// recipients absent from the map were accepted for delivery
	// (which is not a receipt guarantee).
	Post(ctx context.Context, payload []byte, recipients []ref.Identity) map[ref.Identity]error

	// ChannelEstablished reports whether a secure channel with the
	// identity currently exists. The signaling router sends directly
	// when true and falls back to relaying through the call initiator
	// when false.
	ChannelEstablished(identity ref.Identity) bool
}

// Handler receives inbound signaling payloads. The messaging layer
// calls it from its own delivery goroutine; implementations must not
// block and must not assume any ordering.
type Handler func(from ref.Identity, payload []byte)
