// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the signaling protocol spoken between call
// participants over the secure messaging layer, and the side-channel
// protocol multiplexed over the in-call data channel.
//
// Every out-of-band message is an [Envelope]: a kind tag, the call ID
// that correlates it, and a kind-specific CBOR payload. Session
// descriptions are deflate-compressed before transmission
// ([CompressDescription]); a payload that fails to decompress is an
// internal failure for the peer that sent it, never a reason to guess.
//
// Side-channel frames ([ChannelFrame]) travel over the ordered,
// reliable data channel opened alongside the audio media. The RELAY
// and RELAYED frames implement signaling relay for participant pairs
// lacking a direct secure channel: the sender wraps the full envelope
// with the target identity and ships it to the call's initiator, who
// unwraps it, restamps it with the true sender, and forwards it over
// its own direct channel.
package wire
