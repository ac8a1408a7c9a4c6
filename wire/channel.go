// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/sotto-voice/sotto/lib/codec"
	"github.com/sotto-voice/sotto/lib/ref"
)

// ChannelKind tags a frame on the in-call data channel. Numeric values
// are protocol constants.
type ChannelKind uint8

const (
	ChannelMuted ChannelKind = iota
	ChannelUpdateParticipants
	ChannelRelay
	ChannelRelayed
	ChannelHangup

	channelKindCount // sentinel, keep last
)

var channelKindNames = [channelKindCount]string{
	ChannelMuted:              "muted",
	ChannelUpdateParticipants: "update_participants",
	ChannelRelay:              "relay",
	ChannelRelayed:            "relayed",
	ChannelHangup:             "hangup",
}

// String returns the protocol name of the channel kind.
func (k ChannelKind) String() string {
	if k < channelKindCount {
		return channelKindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Valid reports whether k is a channel kind this build understands.
func (k ChannelKind) Valid() bool { return k < channelKindCount }

// ChannelFrame is one message on the in-call data channel. Frames are
// small and never fragmented; the data channel is ordered and
// reliable, so no sequencing metadata is needed.
type ChannelFrame struct {
	Kind    ChannelKind      `cbor:"kind"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Muted is the payload of ChannelMuted: the sender's new mute state.
type Muted struct {
	Muted bool `cbor:"muted"`
}

// Participant is one roster entry in UpdateParticipants.
type Participant struct {
	Identity    ref.Identity `cbor:"identity"`
	DisplayName string       `cbor:"displayName,omitempty"`
}

// UpdateParticipants is the payload of ChannelUpdateParticipants: the
// caller's full roster push. Non-connected peers are omitted.
type UpdateParticipants struct {
	Participants []Participant `cbor:"participants"`
}

// Relay is the payload of ChannelRelay: a signaling envelope addressed
// to a participant the sender has no direct channel with, shipped to
// the call's initiator for forwarding.
type Relay struct {
	To    ref.Identity `cbor:"to"`
	Inner Envelope     `cbor:"inner"`
}

// Relayed is the payload of ChannelRelayed: a forwarded envelope, with
// the original sender restamped by the initiator.
type Relayed struct {
	From  ref.Identity `cbor:"from"`
	Inner Envelope     `cbor:"inner"`
}

// NewChannelFrame builds a data channel frame with an encoded payload.
// Pass nil for ChannelHangup, which carries none.
func NewChannelFrame(kind ChannelKind, payload any) (ChannelFrame, error) {
	if !kind.Valid() {
		return ChannelFrame{}, fmt.Errorf("invalid channel kind %d", uint8(kind))
	}
	frame := ChannelFrame{Kind: kind}
	if payload != nil {
		encoded, err := codec.Marshal(payload)
		if err != nil {
			return ChannelFrame{}, fmt.Errorf("encode %s frame: %w", kind, err)
		}
		frame.Payload = encoded
	}
	return frame, nil
}

// EncodeChannelFrame serializes a frame for the data channel.
func EncodeChannelFrame(frame ChannelFrame) ([]byte, error) {
	return codec.Marshal(frame)
}

// DecodeChannelFrame parses an inbound data channel frame.
func DecodeChannelFrame(data []byte) (ChannelFrame, error) {
	var frame ChannelFrame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return ChannelFrame{}, fmt.Errorf("decode channel frame: %w", err)
	}
	if !frame.Kind.Valid() {
		return ChannelFrame{}, fmt.Errorf("unknown channel kind %d", uint8(frame.Kind))
	}
	return frame, nil
}

// DecodePayload decodes the kind-specific payload into v.
func (f ChannelFrame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Kind)
	}
	if err := codec.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Kind, err)
	}
	return nil
}
