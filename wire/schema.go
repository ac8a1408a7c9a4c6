// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/sotto-voice/sotto/lib/codec"
	"github.com/sotto-voice/sotto/lib/ref"
)

// Kind tags an out-of-band signaling message. The numeric values are
// protocol constants; changing them breaks compatibility with peers
// running older builds.
type Kind uint8

const (
	KindStartCall Kind = iota
	KindAnswer
	KindReject
	KindRinging
	KindBusy
	KindHangup
	KindReconnect
	KindNewParticipantOffer
	KindNewParticipantAnswer
	KindKick
	KindNewICECandidate
	KindRemoveICECandidates
	KindAnsweredElsewhere

	kindCount // sentinel, keep last
)

var kindNames = [kindCount]string{
	KindStartCall:            "start_call",
	KindAnswer:               "answer",
	KindReject:               "reject",
	KindRinging:              "ringing",
	KindBusy:                 "busy",
	KindHangup:               "hangup",
	KindReconnect:            "reconnect",
	KindNewParticipantOffer:  "new_participant_offer",
	KindNewParticipantAnswer: "new_participant_answer",
	KindKick:                 "kick",
	KindNewICECandidate:      "new_ice_candidate",
	KindRemoveICECandidates:  "remove_ice_candidates",
	KindAnsweredElsewhere:    "answered_elsewhere",
}

// String returns the protocol name of the kind.
func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Valid reports whether k is a kind this build understands.
func (k Kind) Valid() bool { return k < kindCount }

// GatheringPolicy is the negotiated ICE candidate exchange mode.
type GatheringPolicy uint8

const (
	// GatherOnce buffers all candidates locally and sends a single
	// complete description once gathering finishes. No live restarts.
	GatherOnce GatheringPolicy = 1

	// GatherContinuously streams each candidate as its own signaling
	// message, signals withdrawals explicitly, and supports live ICE
	// restarts.
	GatherContinuously GatheringPolicy = 2
)

// String returns the policy name.
func (p GatheringPolicy) String() string {
	switch p {
	case GatherOnce:
		return "gather_once"
	case GatherContinuously:
		return "gather_continuously"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Valid reports whether p is a known policy.
func (p GatheringPolicy) Valid() bool {
	return p == GatherOnce || p == GatherContinuously
}

// Envelope is one out-of-band signaling message.
type Envelope struct {
	Kind    Kind             `cbor:"kind"`
	CallID  ref.CallID       `cbor:"callId"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// StartCall is the payload of KindStartCall, sent by the caller to
// each initial participant.
type StartCall struct {
	DescriptionType       string          `cbor:"descriptionType"`
	CompressedDescription []byte          `cbor:"compressedDescription"`
	TurnUsername          string          `cbor:"turnUsername"`
	TurnPassword          string          `cbor:"turnPassword"`
	TurnServers           []string        `cbor:"turnServers"`
	ParticipantCount      int             `cbor:"participantCount"`
	GatheringPolicy       GatheringPolicy `cbor:"gatheringPolicy"`

	// DiscussionID optionally binds the call to a group or contact
	// discussion. Used for history and relay eligibility only.
	DiscussionID string `cbor:"discussionId,omitempty"`
}

// Description is the payload of KindAnswer, KindNewParticipantAnswer,
// and (with the gathering policy set) KindNewParticipantOffer.
type Description struct {
	DescriptionType       string          `cbor:"descriptionType"`
	CompressedDescription []byte          `cbor:"compressedDescription"`
	GatheringPolicy       GatheringPolicy `cbor:"gatheringPolicy,omitempty"`
}

// Reconnect is the payload of KindReconnect: a restart offer or answer
// plus the counters that order concurrent restart attempts.
type Reconnect struct {
	DescriptionType       string `cbor:"descriptionType"`
	CompressedDescription []byte `cbor:"compressedDescription"`

	// Counter identifies this restart attempt; strictly increasing
	// per peer session and direction.
	Counter int64 `cbor:"counter"`

	// CounterToOverride tells the receiver which of its own pending
	// restart offers this message supersedes (glare resolution).
	CounterToOverride int64 `cbor:"counterToOverride"`
}

// ICECandidate is the payload of KindNewICECandidate and the element
// type of RemoveICECandidates.
type ICECandidate struct {
	Candidate     string `cbor:"candidate"`
	SDPMid        string `cbor:"sdpMid"`
	SDPMLineIndex uint16 `cbor:"sdpMLineIndex"`
}

// RemoveICECandidates is the payload of KindRemoveICECandidates: the
// sender withdraws previously signaled candidates.
type RemoveICECandidates struct {
	Candidates []ICECandidate `cbor:"candidates"`
}

// AnsweredElsewhere is the payload of KindAnsweredElsewhere, the
// cross-device ring suppression message. Accepted only when the sender
// identity equals the local identity.
type AnsweredElsewhere struct {
	Answered bool `cbor:"answered"`
}

// NewEnvelope builds an envelope with an encoded payload. Pass a nil
// payload for kinds that carry none (reject, ringing, busy, hangup,
// kick).
func NewEnvelope(kind Kind, callID ref.CallID, payload any) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("invalid message kind %d", uint8(kind))
	}
	if callID.IsZero() {
		return Envelope{}, fmt.Errorf("%s envelope requires a call ID", kind)
	}
	env := Envelope{Kind: kind, CallID: callID}
	if payload != nil {
		encoded, err := codec.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Payload = encoded
	}
	return env, nil
}

// Encode serializes the envelope for the messaging layer.
func Encode(env Envelope) ([]byte, error) {
	return codec.Marshal(env)
}

// Decode parses an inbound signaling message. Unknown kinds and
// missing call IDs are rejected here so handlers never see them.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode signaling envelope: %w", err)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("unknown message kind %d", uint8(env.Kind))
	}
	if env.CallID.IsZero() {
		return Envelope{}, fmt.Errorf("%s message without call ID", env.Kind)
	}
	return env, nil
}

// DecodePayload decodes the kind-specific payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Kind)
	}
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}
