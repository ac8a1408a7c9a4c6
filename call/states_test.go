// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "testing"

func TestState_TerminalStatesAbsorb(t *testing.T) {
	all := []State{
		StateInitial, StateWaitingForPermission, StateFetchingCredentials,
		StateInitializing, StateRinging, StateBusy, StateInProgress,
		StateEnded, StateFailed,
	}
	for _, terminal := range []State{StateEnded, StateFailed} {
		for _, next := range all {
			if terminal.CanTransition(next) {
				t.Errorf("%s -> %s allowed, terminal states must absorb", terminal, next)
			}
		}
	}
}

func TestState_EveryLiveStateCanFail(t *testing.T) {
	for _, state := range []State{
		StateInitial, StateWaitingForPermission, StateFetchingCredentials,
		StateInitializing, StateRinging, StateBusy, StateInProgress,
	} {
		if !state.CanTransition(StateFailed) {
			t.Errorf("%s cannot reach failed", state)
		}
		if !state.CanTransition(StateEnded) {
			t.Errorf("%s cannot reach ended", state)
		}
	}
}

func TestState_AnsweringReentersSetup(t *testing.T) {
	if !StateRinging.CanTransition(StateWaitingForPermission) {
		t.Error("ringing -> waiting_for_permission must be legal for answering recipients")
	}
	if !StateRinging.CanTransition(StateFetchingCredentials) {
		t.Error("ringing -> fetching_credentials must be legal for answering recipients")
	}
}

func TestState_SkippingSetupIsIllegal(t *testing.T) {
	if StateWaitingForPermission.CanTransition(StateInProgress) {
		t.Error("waiting_for_permission -> in_progress must not skip credential fetch")
	}
	if StateFetchingCredentials.CanTransition(StateInProgress) {
		t.Error("fetching_credentials -> in_progress must not skip initialization")
	}
}

func TestPeerState_TerminalStatesAbsorb(t *testing.T) {
	all := []PeerState{
		PeerInitial, PeerOfferSent, PeerRinging, PeerBusy, PeerRejected,
		PeerConnecting, PeerConnected, PeerReconnecting, PeerHangedUp,
		PeerKicked, PeerFailed,
	}
	for _, terminal := range []PeerState{PeerRejected, PeerHangedUp, PeerKicked, PeerFailed} {
		if !terminal.Terminal() {
			t.Errorf("%s not reported terminal", terminal)
		}
		for _, next := range all {
			if terminal.CanTransition(next) {
				t.Errorf("%s -> %s allowed, terminal peer states must absorb", terminal, next)
			}
		}
	}
}

func TestPeerState_EveryLiveStateCanBeCutShort(t *testing.T) {
	for _, state := range []PeerState{
		PeerInitial, PeerOfferSent, PeerRinging, PeerBusy,
		PeerConnecting, PeerConnected, PeerReconnecting,
	} {
		for _, terminal := range []PeerState{PeerRejected, PeerHangedUp, PeerKicked, PeerFailed} {
			if !state.CanTransition(terminal) {
				t.Errorf("%s -> %s must be legal", state, terminal)
			}
		}
	}
}

func TestPeerState_ReconnectRequiresNegotiation(t *testing.T) {
	for _, state := range []PeerState{PeerInitial, PeerOfferSent, PeerRinging, PeerBusy} {
		if state.ReconnectEligible() {
			t.Errorf("%s must not be reconnect-eligible", state)
		}
		if state.CanTransition(PeerReconnecting) {
			t.Errorf("%s -> reconnecting must be illegal", state)
		}
	}
	for _, state := range []PeerState{PeerConnecting, PeerConnected, PeerReconnecting} {
		if !state.ReconnectEligible() {
			t.Errorf("%s must be reconnect-eligible", state)
		}
	}
}

func TestPeerState_RecipientSkipsToConnecting(t *testing.T) {
	if !PeerInitial.CanTransition(PeerConnecting) {
		t.Error("initial -> connecting must be legal for answering recipients")
	}
}

func TestFailureReason_Categories(t *testing.T) {
	cases := map[FailureReason]Category{
		ReasonPermissionDenied:     CategoryPermission,
		ReasonRelayUnreachable:     CategoryNetwork,
		ReasonSendFailed:           CategoryNetwork,
		ReasonICEConnection:        CategoryNetwork,
		ReasonCredentialIssuance:   CategoryNetwork,
		ReasonKicked:               CategoryKicked,
		ReasonInternalError:        CategoryInternal,
		ReasonContactNotFound:      CategoryInternal,
		ReasonPeerNegotiationError: CategoryInternal,
		ReasonAuthentication:       CategoryInternal,
		ReasonCallNotSupported:     CategoryInternal,
	}
	for reason, want := range cases {
		if got := reason.Category(); got != want {
			t.Errorf("%s category = %s, want %s", reason, got, want)
		}
	}
}
