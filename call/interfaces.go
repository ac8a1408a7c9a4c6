// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/turn"
	"github.com/sotto-voice/sotto/wire"
)

// MediaLink is one media/ICE negotiation with a single remote
// participant. The media package implements it with pion/webrtc; tests
// use a scripted fake. All methods are called from the session
// executor only.
//
// A MediaLink reports everything asynchronously through the event sink
// it was created with; methods only initiate work.
type MediaLink interface {
	// CreateOffer starts local description creation, with an ICE
	// restart when requested. The complete (GatherOnce) or initial
	// (GatherContinuously) description arrives as a
	// LocalDescriptionEvent.
	CreateOffer(iceRestart bool) error

	// CreateAnswer generates an answer to the currently applied
	// remote offer, delivered as a LocalDescriptionEvent.
	CreateAnswer() error

	// SetRemoteDescription applies the peer's description.
	SetRemoteDescription(descriptionType, sdp string) error

	// Rollback discards the pending local offer, returning the
	// signaling state to stable. Used by the glare loser.
	Rollback() error

	// AddCandidate applies (or buffers, pre-negotiation) one remote
	// ICE candidate.
	AddCandidate(candidate wire.ICECandidate) error

	// RemoveCandidates withdraws remote candidates the peer has
	// explicitly revoked.
	RemoveCandidates(candidates []wire.ICECandidate) error

	// SetMuted enables or disables the outgoing audio track.
	SetMuted(muted bool) error

	// SendFrame writes a side-channel frame to the in-call data
	// channel. Fails until the channel has opened.
	SendFrame(frame wire.ChannelFrame) error

	// Close disposes all negotiation resources. Idempotent.
	Close() error
}

// LinkConfig parameterizes a new MediaLink.
type LinkConfig struct {
	Self   ref.Identity
	Peer   ref.Identity
	CallID ref.CallID

	// Policy is the negotiated candidate-exchange mode for this pair.
	Policy wire.GatheringPolicy

	// Credentials carry the relay servers and the username/password
	// this side authenticates with. Nil means host candidates only
	// (tests, same-LAN).
	Credentials *turn.Credentials

	// CredentialRole selects which of the credential pair to present:
	// the offerer uses the caller credentials, the answerer the
	// recipient ones.
	CredentialRole Role

	Logger *slog.Logger
}

// LinkEvents is the sink a MediaLink reports through. Implementations
// are called from media-stack goroutines; the session wraps every
// callback in an executor task.
type LinkEvents interface {
	// LocalDescription delivers a description ready to signal.
	// RelayCandidates is meaningful under GatherOnce only: the number
	// of relay candidates embedded in the description. Zero relay
	// candidates after complete gathering means the relay servers
	// were unreachable.
	LocalDescription(peer ref.Identity, descriptionType, sdp string, relayCandidates int)

	// Candidate delivers one locally discovered candidate
	// (GatherContinuously only).
	Candidate(peer ref.Identity, candidate wire.ICECandidate)

	// CandidatesRemoved signals locally withdrawn candidates
	// (GatherContinuously only).
	CandidatesRemoved(peer ref.Identity, candidates []wire.ICECandidate)

	// Connected fires when the connection is fully up: signaling
	// state stable and peer connection connected, observed together.
	Connected(peer ref.Identity)

	// ConnectionLost fires on ICE disconnection or failure after the
	// link had been negotiated.
	ConnectionLost(peer ref.Identity)

	// ChannelOpened fires when the in-call data channel is usable.
	ChannelOpened(peer ref.Identity)

	// Frame delivers an inbound side-channel frame.
	Frame(peer ref.Identity, frame wire.ChannelFrame)

	// LinkFailed reports an unrecoverable media-stack error.
	LinkFailed(peer ref.Identity, err error)
}

// LinkFactory creates MediaLinks. The media package provides the
// production factory.
type LinkFactory func(config LinkConfig, events LinkEvents) (MediaLink, error)

// Directory resolves identities to display metadata.
type Directory interface {
	// DisplayName returns a human-readable name for the identity, or
	// an error if the identity is not a known contact.
	DisplayName(identity ref.Identity) (string, error)
}

// Outcome classifies a finished call for the history store.
type Outcome int

const (
	OutcomeSuccessful Outcome = iota + 1
	OutcomeMissed
	OutcomeRejected
	OutcomeBusy
	OutcomeFailed
	OutcomeAnsweredElsewhere
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccessful:
		return "successful"
	case OutcomeMissed:
		return "missed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeBusy:
		return "busy"
	case OutcomeFailed:
		return "failed"
	case OutcomeAnsweredElsewhere:
		return "answered_elsewhere"
	default:
		return "unknown"
	}
}

// HistoryEntry is one call-history record. Every reachable terminal
// session state yields exactly one entry.
type HistoryEntry struct {
	CallID       ref.CallID
	Role         Role
	Participants []ref.Identity
	DiscussionID string
	Outcome      Outcome
	Reason       FailureReason
	StartedAt    time.Time
	ConnectedAt  time.Time // zero if never connected
	EndedAt      time.Time
}

// HistoryStore persists call-history entries. Record runs on a
// background goroutine; implementations may block.
type HistoryStore interface {
	Record(ctx context.Context, entry HistoryEntry) error
}

// AudioRoute is an audio output route name as reported by the platform
// adapter (e.g. "earpiece", "speaker", a bluetooth device name).
type AudioRoute string

// AudioRouter abstracts platform audio routing. The engine only
// mirrors its state into observables and forwards selections; all
// device logic stays on the platform side.
type AudioRouter interface {
	// Routes returns the currently available routes.
	Routes() []AudioRoute

	// Selected returns the active route.
	Selected() AudioRoute

	// Select activates a route.
	Select(route AudioRoute) error
}

// NullAudioRouter is the AudioRouter used when the host provides none.
type NullAudioRouter struct{}

func (NullAudioRouter) Routes() []AudioRoute    { return nil }
func (NullAudioRouter) Selected() AudioRoute    { return "" }
func (NullAudioRouter) Select(AudioRoute) error { return nil }
