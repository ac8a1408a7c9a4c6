// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// Package call is the real-time call orchestration engine. It
// negotiates, maintains, and tears down one audio call between
// identities that already share a secure messaging channel, given an
// injected [transport.Messenger], a [turn.Issuer], a media link
// factory, and the collaborator stores.
//
// One [Engine] per owned identity; at most one active [Session] at a
// time. Everything that can mutate call state — inbound signaling,
// timers, user actions, media callbacks — is funneled through a
// per-session serialized executor, so session and peer state have a
// single writer and no locks. Long-running work (credential issuance,
// history persistence) happens on background goroutines and rejoins
// the executor with a completion task.
//
// Per-participant negotiation lives in a peer session: its own state
// machine, ICE candidate buffering, restart counters, and a removal
// grace period once it reaches a terminal state. Restart glare between
// two simultaneous reconnection offers is resolved by the
// deterministic offerer election in [ref.ShouldOffer]; the losing side
// rolls back its pending offer and answers the winner's.
//
// Signaling to a participant without a direct secure channel is
// wrapped in a relay envelope and shipped through the call initiator's
// data channel; the initiator unwraps and forwards it. See the wire
// package for the message schema.
package call
