// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identifiers for the
// call engine: participant identities and call identifiers.
//
// An [Identity] wraps the opaque byte string under which a participant
// is known to the secure messaging layer. Identities are ordered as
// raw bytes; [ShouldOffer] derives from that ordering the deterministic
// offerer election used to resolve restart glare.
//
// A [CallID] correlates every signaling message belonging to one call
// attempt. It is a UUID, generated by the caller at call creation and
// carried verbatim by all parties for the lifetime of the call.
//
// All constructors validate their inputs. Once constructed a ref is
// immutable; the zero value of either type is not valid and is
// detectable with IsZero. Text marshaling uses the canonical string
// form, so both types embed directly in CBOR and JSON payloads.
package ref
