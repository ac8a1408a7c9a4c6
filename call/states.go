// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "fmt"

// Role distinguishes the call initiator from everyone else. The caller
// is also the mandatory relay hub for participant pairs lacking a
// direct secure channel.
type Role int

const (
	RoleCaller Role = iota + 1
	RoleRecipient
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleRecipient:
		return "recipient"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// State is the top-level call session state. Transitions are validated
// by CanTransition; StateEnded and StateFailed are absorbing.
type State int

const (
	StateInitial State = iota
	StateWaitingForPermission
	StateFetchingCredentials
	StateInitializing
	StateRinging
	StateBusy
	StateInProgress
	StateEnded
	StateFailed
)

var stateNames = map[State]string{
	StateInitial:              "initial",
	StateWaitingForPermission: "waiting_for_permission",
	StateFetchingCredentials:  "fetching_credentials",
	StateInitializing:         "initializing",
	StateRinging:              "ringing",
	StateBusy:                 "busy",
	StateInProgress:           "in_progress",
	StateEnded:                "ended",
	StateFailed:               "failed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// stateEdges is the legal transition table. Ended and Failed appear in
// every entry because teardown can begin from anywhere; they have no
// outgoing edges themselves.
var stateEdges = map[State][]State{
	StateInitial:              {StateWaitingForPermission, StateFetchingCredentials, StateRinging, StateEnded, StateFailed},
	StateWaitingForPermission: {StateFetchingCredentials, StateEnded, StateFailed},
	StateFetchingCredentials:  {StateInitializing, StateEnded, StateFailed},
	StateInitializing:         {StateRinging, StateBusy, StateInProgress, StateEnded, StateFailed},
	// A ringing recipient that answers re-enters the setup path.
	StateRinging:    {StateWaitingForPermission, StateFetchingCredentials, StateBusy, StateInProgress, StateEnded, StateFailed},
	StateBusy:       {StateInProgress, StateEnded, StateFailed},
	StateInProgress: {StateEnded, StateFailed},
	StateEnded:      {},
	StateFailed:     {},
}

// CanTransition reports whether the edge from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range stateEdges[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PeerState is the per-participant negotiation state. Terminal states
// never transition further; entering one starts the removal grace
// timer.
type PeerState int

const (
	PeerInitial PeerState = iota
	PeerOfferSent
	PeerRinging
	PeerBusy
	PeerRejected
	PeerConnecting
	PeerConnected
	PeerReconnecting
	PeerHangedUp
	PeerKicked
	PeerFailed
)

var peerStateNames = map[PeerState]string{
	PeerInitial:      "initial",
	PeerOfferSent:    "offer_sent",
	PeerRinging:      "ringing",
	PeerBusy:         "busy",
	PeerRejected:     "rejected",
	PeerConnecting:   "connecting",
	PeerConnected:    "connected",
	PeerReconnecting: "reconnecting",
	PeerHangedUp:     "hanged_up",
	PeerKicked:       "kicked",
	PeerFailed:       "failed",
}

// String returns the peer state name.
func (s PeerState) String() string {
	if name, ok := peerStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether s is absorbing.
func (s PeerState) Terminal() bool {
	switch s {
	case PeerRejected, PeerHangedUp, PeerKicked, PeerFailed:
		return true
	}
	return false
}

// ReconnectEligible reports whether a session in this state may enter
// PeerReconnecting. Negotiation that has not exchanged media
// parameters yet is too early to restart.
func (s PeerState) ReconnectEligible() bool {
	switch s {
	case PeerConnecting, PeerConnected, PeerReconnecting:
		return true
	}
	return false
}

// peerStateEdges is the legal transition table for peer sessions.
// Every non-terminal state can reach the terminal quartet: a hang-up,
// kick, reject, or failure can land at any point of negotiation.
var peerStateEdges = map[PeerState][]PeerState{
	PeerInitial:      {PeerOfferSent, PeerConnecting},
	PeerOfferSent:    {PeerRinging, PeerBusy, PeerConnecting},
	PeerRinging:      {PeerBusy, PeerConnecting},
	PeerBusy:         {PeerConnecting},
	PeerConnecting:   {PeerConnected, PeerReconnecting},
	PeerConnected:    {PeerReconnecting},
	PeerReconnecting: {PeerConnected},
	PeerRejected:     {},
	PeerHangedUp:     {},
	PeerKicked:       {},
	PeerFailed:       {},
}

// CanTransition reports whether the edge from s to next is legal.
func (s PeerState) CanTransition(next PeerState) bool {
	if s == next {
		return false
	}
	// Terminal states accept nothing.
	if s.Terminal() {
		return false
	}
	// Any live state may be cut short by a terminal one.
	if next.Terminal() {
		return true
	}
	for _, allowed := range peerStateEdges[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
