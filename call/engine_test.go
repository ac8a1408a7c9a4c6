// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"testing"
	"time"

	"github.com/sotto-voice/sotto/lib/clock"
	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/lib/testutil"
	"github.com/sotto-voice/sotto/transport"
	"github.com/sotto-voice/sotto/wire"
)

// waitDetached polls until the engine has no active session, i.e. the
// previous call fully tore down.
func waitDetached(t *testing.T, engine *Engine) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for engine.Active() != nil {
		select {
		case <-deadline:
			t.Fatal("engine never detached its session")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngine_SecondStartCallReturnsErrCallInProgress(t *testing.T) {
	p := dialPair(t, nil)

	if _, err := p.caller.engine.StartCall([]ref.Identity{p.recipient.identity}, ""); err != ErrCallInProgress {
		t.Fatalf("second StartCall error = %v, want ErrCallInProgress", err)
	}
}

func TestEngine_StartCallRequiresContacts(t *testing.T) {
	p := dialPair(t, nil)
	p.callerSes.HangUp()
	waitState(t, p.callerSes, StateEnded)

	if _, err := p.caller.engine.StartCall(nil, ""); err == nil {
		t.Fatal("StartCall with no contacts must fail")
	}
}

func TestEngine_BusyWhenAnotherCallActive(t *testing.T) {
	p := dialPair(t, nil) // bob is now ringing with alice's call

	carol := newNode(t, p.network, p.clk, "carol",
		fakeDirectory{p.recipient.identity: "Bob"}, nil)
	p.network.SetChannel(carol.identity, p.recipient.identity, true)

	session, err := carol.engine.StartCall([]ref.Identity{p.recipient.identity}, "")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, session, StateWaitingForPermission)
	session.GrantMediaPermission()
	link := testutil.RequireReceive(t, carol.links.created, waitTimeout, "carol link missing")
	testutil.RequireReceive(t, link.offerCalls, waitTimeout, "carol offer missing")
	link.events.LocalDescription(p.recipient.identity, "offer", "carol-sdp", 1)

	waitState(t, session, StateBusy)

	// The busy side records the attempt so it shows up in history.
	entry := testutil.RequireReceive(t, p.recipient.history.entries, waitTimeout,
		"busy history entry missing")
	if entry.Outcome != OutcomeBusy {
		t.Errorf("busy-side outcome = %s, want busy", entry.Outcome)
	}

	// The original ringing call is untouched.
	if got := p.recipSes.State().Get(); got != StateRinging {
		t.Errorf("first call state = %s, want ringing", got)
	}
}

func TestEngine_RejectsCallsWithoutIncomingHandler(t *testing.T) {
	p := dialPairNoHandler(t)
	waitState(t, p.callerSes, StateEnded)

	entry := testutil.RequireReceive(t, p.caller.history.entries, waitTimeout,
		"caller history entry missing")
	if entry.Outcome != OutcomeRejected {
		t.Errorf("outcome = %s, want rejected", entry.Outcome)
	}
}

// dialPairNoHandler dials a recipient engine with no incoming-call
// handler configured.
func dialPairNoHandler(t *testing.T) *pair {
	t.Helper()

	p := &pair{}
	p.clk = clock.Fake(time.Unix(1_700_000_000, 0))
	p.network = transport.NewMemoryNetwork()
	directory := fakeDirectory{}
	p.caller = newNode(t, p.network, p.clk, "dave", directory, nil)
	p.recipient = newNode(t, p.network, p.clk, "erin", directory, func(config *Config) {
		config.IncomingCall = nil
	})
	directory[p.caller.identity] = "Dave"
	directory[p.recipient.identity] = "Erin"
	p.network.SetChannel(p.caller.identity, p.recipient.identity, true)

	session, err := p.caller.engine.StartCall([]ref.Identity{p.recipient.identity}, "")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	p.callerSes = session
	waitState(t, session, StateWaitingForPermission)
	session.GrantMediaPermission()
	link := testutil.RequireReceive(t, p.caller.links.created, waitTimeout, "link missing")
	testutil.RequireReceive(t, link.offerCalls, waitTimeout, "offer missing")
	link.events.LocalDescription(p.recipient.identity, "offer", "sdp", 1)
	p.callerLnk = link
	return p
}

func TestEngine_BuffersCandidatesArrivingBeforeStartCall(t *testing.T) {
	p := dialPair(t, nil)
	// Tear the first call down so bob is free again.
	p.callerSes.HangUp()
	waitState(t, p.recipSes, StateEnded)
	waitDetached(t, p.recipient.engine)

	callID := ref.NewCallID()
	early := wire.ICECandidate{Candidate: "candidate:early", SDPMid: "0"}
	candidateEnv, err := wire.NewEnvelope(wire.KindNewICECandidate, callID, early)
	if err != nil {
		t.Fatalf("building candidate envelope: %v", err)
	}
	encoded, err := wire.Encode(candidateEnv)
	if err != nil {
		t.Fatalf("encoding candidate envelope: %v", err)
	}
	p.recipient.engine.HandleMessage(p.caller.identity, encoded)

	// Now the START_CALL for the same call arrives.
	compressed, err := wire.CompressDescription("late-start-sdp")
	if err != nil {
		t.Fatalf("compressing description: %v", err)
	}
	startEnv, err := wire.NewEnvelope(wire.KindStartCall, callID, wire.StartCall{
		DescriptionType:       "offer",
		CompressedDescription: compressed,
		TurnUsername:          "user",
		TurnPassword:          "password",
		TurnServers:           []string{"turn:relay.example.org:3478"},
		ParticipantCount:      2,
		GatheringPolicy:       wire.GatherContinuously,
	})
	if err != nil {
		t.Fatalf("building start envelope: %v", err)
	}
	encoded, err = wire.Encode(startEnv)
	if err != nil {
		t.Fatalf("encoding start envelope: %v", err)
	}
	p.recipient.engine.HandleMessage(p.caller.identity, encoded)

	session := testutil.RequireReceive(t, p.recipient.incoming, waitTimeout,
		"incoming call missing")
	waitState(t, session, StateRinging)
	session.Answer()
	session.GrantMediaPermission()

	link := testutil.RequireReceive(t, p.recipient.links.created, waitTimeout,
		"recipient link missing")
	testutil.RequireReceive(t, link.remoteCalls, waitTimeout, "offer not applied")

	// The buffered candidate was drained into the link right after
	// the remote description.
	deadline := time.After(waitTimeout)
	for {
		applied := link.appliedCandidates()
		if len(applied) == 1 && applied[0] == early {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("buffered candidate never applied, got %v", applied)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngine_PendingCandidatesExpire(t *testing.T) {
	p := dialPair(t, nil)

	callID := ref.NewCallID()
	candidateEnv, err := wire.NewEnvelope(wire.KindNewICECandidate, callID,
		wire.ICECandidate{Candidate: "candidate:orphan"})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	encoded, err := wire.Encode(candidateEnv)
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	p.recipient.engine.HandleMessage(p.caller.identity, encoded)

	engine := p.recipient.engine
	engine.mu.Lock()
	buffered := len(engine.pending)
	engine.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("pending entries = %d, want 1", buffered)
	}

	p.clk.Advance(DefaultPendingCandidateWindow)

	deadline := time.After(waitTimeout)
	for {
		engine.mu.Lock()
		buffered = len(engine.pending)
		engine.mu.Unlock()
		if buffered == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("pending entries = %d after the window, want 0", buffered)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
