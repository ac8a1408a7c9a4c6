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

// trio is a three-party call bed: alice is the caller, bob is in the
// call with data channels open, carol is attached to the network but
// not yet called.
type trio struct {
	clk     *clock.FakeClock
	network *transport.MemoryNetwork

	alice, bob, carol *node
	aliceSes, bobSes  *Session

	linkAB *fakeLink // alice's link toward bob
	linkBA *fakeLink // bob's link toward alice
}

// establishTrio connects alice and bob and opens their data channels.
// bobCarolDirect controls whether bob and carol share a direct secure
// channel or must relay through alice.
func establishTrio(t *testing.T, bobCarolDirect bool) *trio {
	t.Helper()

	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	network := transport.NewMemoryNetwork()
	directory := fakeDirectory{}

	alice := newNode(t, network, clk, "alice", directory, nil)
	bob := newNode(t, network, clk, "bob", directory, nil)
	carol := newNode(t, network, clk, "carol", directory, nil)
	directory[alice.identity] = "Alice"
	directory[bob.identity] = "Bob"
	directory[carol.identity] = "Carol"
	network.SetChannel(alice.identity, bob.identity, true)
	network.SetChannel(alice.identity, carol.identity, true)
	// Channels exist by default on a MemoryNetwork, so the relay path
	// needs the bob-carol pair severed explicitly.
	network.SetChannel(bob.identity, carol.identity, bobCarolDirect)

	aliceSes, err := alice.engine.StartCall([]ref.Identity{bob.identity}, "")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, aliceSes, StateWaitingForPermission)
	aliceSes.GrantMediaPermission()

	linkAB := testutil.RequireReceive(t, alice.links.created, waitTimeout, "alice link missing")
	testutil.RequireReceive(t, linkAB.offerCalls, waitTimeout, "alice offer missing")
	linkAB.events.LocalDescription(bob.identity, "offer", "ab-offer", 1)

	bobSes := testutil.RequireReceive(t, bob.incoming, waitTimeout, "bob incoming missing")
	waitState(t, bobSes, StateRinging)
	bobSes.Answer()
	waitState(t, bobSes, StateWaitingForPermission)
	bobSes.GrantMediaPermission()

	linkBA := testutil.RequireReceive(t, bob.links.created, waitTimeout, "bob link missing")
	testutil.RequireReceive(t, linkBA.remoteCalls, waitTimeout, "offer not applied at bob")
	testutil.RequireReceive(t, linkBA.answerCalls, waitTimeout, "bob answer missing")
	linkBA.events.LocalDescription(alice.identity, "answer", "ba-answer", 1)
	testutil.RequireReceive(t, linkAB.remoteCalls, waitTimeout, "answer not applied at alice")

	linkAB.events.Connected(bob.identity)
	linkBA.events.Connected(alice.identity)
	waitState(t, aliceSes, StateInProgress)
	waitState(t, bobSes, StateInProgress)

	linkAB.events.ChannelOpened(bob.identity)
	linkBA.events.ChannelOpened(alice.identity)

	return &trio{
		clk:      clk,
		network:  network,
		alice:    alice,
		bob:      bob,
		carol:    carol,
		aliceSes: aliceSes,
		bobSes:   bobSes,
		linkAB:   linkAB,
		linkBA:   linkBA,
	}
}

// joinCarol adds carol to the call and drives her to connected.
// Returns alice's and carol's links for the new pair.
func (tr *trio) joinCarol(t *testing.T) (linkAC, linkCA *fakeLink, carolSes *Session) {
	t.Helper()

	tr.aliceSes.AddParticipant(tr.carol.identity)
	linkAC = testutil.RequireReceive(t, tr.alice.links.created, waitTimeout, "alice-carol link missing")
	testutil.RequireReceive(t, linkAC.offerCalls, waitTimeout, "carol offer missing")
	linkAC.events.LocalDescription(tr.carol.identity, "offer", "ac-offer", 1)

	carolSes = testutil.RequireReceive(t, tr.carol.incoming, waitTimeout, "carol incoming missing")
	waitState(t, carolSes, StateRinging)
	carolSes.Answer()
	waitState(t, carolSes, StateWaitingForPermission)
	carolSes.GrantMediaPermission()

	linkCA = testutil.RequireReceive(t, tr.carol.links.created, waitTimeout, "carol link missing")
	testutil.RequireReceive(t, linkCA.remoteCalls, waitTimeout, "offer not applied at carol")
	testutil.RequireReceive(t, linkCA.answerCalls, waitTimeout, "carol answer missing")
	linkCA.events.LocalDescription(tr.alice.identity, "answer", "ca-answer", 1)
	testutil.RequireReceive(t, linkAC.remoteCalls, waitTimeout, "answer not applied at alice")

	linkAC.events.Connected(tr.carol.identity)
	linkCA.events.Connected(tr.alice.identity)
	waitState(t, carolSes, StateInProgress)

	linkAC.events.ChannelOpened(tr.carol.identity)
	linkCA.events.ChannelOpened(tr.alice.identity)
	return linkAC, linkCA, carolSes
}

// requireFrame drains a link's outbound frames until one of the
// wanted kind appears.
func requireFrame(t *testing.T, link *fakeLink, kind wire.ChannelKind) wire.ChannelFrame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case frame := <-link.frameCalls:
			if frame.Kind == kind {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame sent", kind)
		}
	}
}

// requireRosterListing drains roster pushes until one that does (or
// does not) list the identity.
func requireRosterListing(t *testing.T, link *fakeLink, identity ref.Identity, want bool) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		frame := requireFrameBefore(t, link, wire.ChannelUpdateParticipants, deadline)
		var roster wire.UpdateParticipants
		if err := frame.DecodePayload(&roster); err != nil {
			t.Fatalf("decoding roster push: %v", err)
		}
		listed := false
		for _, participant := range roster.Participants {
			if participant.Identity.Equal(identity) {
				listed = true
			}
		}
		if listed == want {
			return
		}
	}
}

func requireFrameBefore(t *testing.T, link *fakeLink, kind wire.ChannelKind, deadline <-chan time.Time) wire.ChannelFrame {
	t.Helper()
	for {
		select {
		case frame := <-link.frameCalls:
			if frame.Kind == kind {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame sent in time", kind)
		}
	}
}

func TestCall_AddParticipantRosterReachesExistingPeers(t *testing.T) {
	tr := establishTrio(t, true)
	_, _, carolSes := tr.joinCarol(t)

	// Alice's roster push toward bob now lists carol.
	requireRosterListing(t, tr.linkAB, tr.carol.identity, true)

	// Deliver the push to bob: the identity order makes bob the
	// offerer toward carol.
	frame := rebuildRoster(t, tr)
	tr.linkBA.events.Frame(tr.alice.identity, frame)

	linkBC := testutil.RequireReceive(t, tr.bob.links.created, waitTimeout,
		"bob did not negotiate with carol")
	if !linkBC.peer.Equal(tr.carol.identity) {
		t.Fatalf("bob negotiated with %s, want carol", linkBC.peer)
	}
	testutil.RequireReceive(t, linkBC.offerCalls, waitTimeout, "bob-carol offer missing")
	linkBC.events.LocalDescription(tr.carol.identity, "offer", "bc-offer", 1)

	// Carol answers bob's direct offer on a fresh link.
	linkCB := testutil.RequireReceive(t, tr.carol.links.created, waitTimeout,
		"carol did not answer bob")
	remote := testutil.RequireReceive(t, linkCB.remoteCalls, waitTimeout,
		"bob offer not applied at carol")
	if remote.sdp != "bc-offer" {
		t.Fatalf("carol applied %+v, want bob's offer", remote)
	}
	testutil.RequireReceive(t, linkCB.answerCalls, waitTimeout, "carol-bob answer missing")
	linkCB.events.LocalDescription(tr.bob.identity, "answer", "cb-answer", 1)
	remote = testutil.RequireReceive(t, linkBC.remoteCalls, waitTimeout,
		"carol answer not applied at bob")
	if remote.sdp != "cb-answer" {
		t.Fatalf("bob applied %+v, want carol's answer", remote)
	}

	linkBC.events.Connected(tr.carol.identity)
	linkCB.events.Connected(tr.bob.identity)
	if carolSes.State().Get() != StateInProgress {
		t.Error("carol's call left in_progress during pair negotiation")
	}
}

// rebuildRoster constructs the roster push alice would currently send.
func rebuildRoster(t *testing.T, tr *trio) wire.ChannelFrame {
	t.Helper()
	roster := wire.UpdateParticipants{Participants: []wire.Participant{
		{Identity: tr.bob.identity, DisplayName: "Bob"},
		{Identity: tr.carol.identity, DisplayName: "Carol"},
	}}
	frame, err := wire.NewChannelFrame(wire.ChannelUpdateParticipants, roster)
	if err != nil {
		t.Fatalf("building roster frame: %v", err)
	}
	return frame
}

func TestCall_SignalingRelaysThroughCaller(t *testing.T) {
	tr := establishTrio(t, false)
	linkAC, linkCA, _ := tr.joinCarol(t)

	// Bob learns about carol and must offer, but has no direct
	// channel: the offer leaves as a relay frame toward alice.
	tr.linkBA.events.Frame(tr.alice.identity, rebuildRoster(t, tr))

	linkBC := testutil.RequireReceive(t, tr.bob.links.created, waitTimeout,
		"bob did not negotiate with carol")
	testutil.RequireReceive(t, linkBC.offerCalls, waitTimeout, "bob-carol offer missing")
	linkBC.events.LocalDescription(tr.carol.identity, "offer", "bc-offer", 1)

	relayFrame := requireFrame(t, tr.linkBA, wire.ChannelRelay)
	var relay wire.Relay
	if err := relayFrame.DecodePayload(&relay); err != nil {
		t.Fatalf("decoding relay frame: %v", err)
	}
	if !relay.To.Equal(tr.carol.identity) {
		t.Fatalf("relay target = %s, want carol", relay.To)
	}
	if relay.Inner.Kind != wire.KindNewParticipantOffer {
		t.Fatalf("relayed kind = %s, want new_participant_offer", relay.Inner.Kind)
	}

	// Alice forwards it to carol, rewrapped with the verified sender.
	tr.linkAB.events.Frame(tr.bob.identity, relayFrame)
	relayedFrame := requireFrame(t, linkAC, wire.ChannelRelayed)
	var relayed wire.Relayed
	if err := relayedFrame.DecodePayload(&relayed); err != nil {
		t.Fatalf("decoding relayed frame: %v", err)
	}
	if !relayed.From.Equal(tr.bob.identity) {
		t.Fatalf("relayed sender = %s, want bob", relayed.From)
	}

	// Carol answers; the answer relays back the same way.
	linkCA.events.Frame(tr.alice.identity, relayedFrame)
	linkCB := testutil.RequireReceive(t, tr.carol.links.created, waitTimeout,
		"carol did not answer bob")
	remote := testutil.RequireReceive(t, linkCB.remoteCalls, waitTimeout,
		"bob offer not applied at carol")
	if remote.sdp != "bc-offer" {
		t.Fatalf("carol applied %+v, want bob's relayed offer", remote)
	}
	testutil.RequireReceive(t, linkCB.answerCalls, waitTimeout, "carol answer missing")
	linkCB.events.LocalDescription(tr.bob.identity, "answer", "cb-answer", 1)

	answerRelay := requireFrame(t, linkCA, wire.ChannelRelay)
	linkAC.events.Frame(tr.carol.identity, answerRelay)
	relayedAnswer := requireFrame(t, tr.linkAB, wire.ChannelRelayed)
	tr.linkBA.events.Frame(tr.alice.identity, relayedAnswer)

	remote = testutil.RequireReceive(t, linkBC.remoteCalls, waitTimeout,
		"carol answer not applied at bob")
	if remote.sdp != "cb-answer" {
		t.Fatalf("bob applied %+v, want carol's relayed answer", remote)
	}
}

func TestCall_KickedParticipantFailsWithKickedCategory(t *testing.T) {
	tr := establishTrio(t, true)
	_, _, carolSes := tr.joinCarol(t)

	tr.aliceSes.Kick(tr.carol.identity)

	waitState(t, carolSes, StateFailed)
	if got := carolSes.FailureReason(); got != ReasonKicked {
		t.Errorf("failure reason = %s, want kicked", got)
	}
	if got := carolSes.FailureReason().Category(); got != CategoryKicked {
		t.Errorf("failure category = %s, want kicked", got)
	}
	entry := testutil.RequireReceive(t, tr.carol.history.entries, waitTimeout,
		"carol history entry missing")
	if entry.Outcome != OutcomeFailed || entry.Reason != ReasonKicked {
		t.Errorf("carol history = %+v, want failed/kicked", entry)
	}

	// The rest of the call carries on, and the next roster push no
	// longer lists carol.
	if got := tr.aliceSes.State().Get(); got != StateInProgress {
		t.Errorf("alice state = %s, want in_progress", got)
	}
	requireRosterListing(t, tr.linkAB, tr.carol.identity, false)
}

func TestCall_PeerFailureInMultiPartyKeepsCallAlive(t *testing.T) {
	tr := establishTrio(t, true)
	linkAC, _, _ := tr.joinCarol(t)

	linkAC.events.LinkFailed(tr.carol.identity, &Failure{Reason: ReasonInternalError})

	// Carol's peer session fails; the call with bob stays up.
	deadline := time.After(waitTimeout)
	for {
		roster := tr.aliceSes.Roster().Get()
		carolGone := true
		for _, participant := range roster {
			if participant.Identity.Equal(tr.carol.identity) && !participant.State.Terminal() {
				carolGone = false
			}
		}
		if carolGone {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("carol never failed in alice's roster: %+v", roster)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := tr.aliceSes.State().Get(); got != StateInProgress {
		t.Errorf("alice state = %s, want in_progress", got)
	}
}

func TestCall_PassiveRosterPairTimesOut(t *testing.T) {
	tr := establishTrio(t, true)

	// "aaron" orders before "bob", so bob is the passive side of the
	// pair and must still bound the wait for the offer.
	aaron, err := ref.NewIdentity([]byte("aaron"))
	if err != nil {
		t.Fatalf("creating identity: %v", err)
	}
	roster := wire.UpdateParticipants{Participants: []wire.Participant{
		{Identity: tr.bob.identity, DisplayName: "Bob"},
		{Identity: aaron, DisplayName: "Aaron"},
	}}
	frame, err := wire.NewChannelFrame(wire.ChannelUpdateParticipants, roster)
	if err != nil {
		t.Fatalf("building roster frame: %v", err)
	}
	tr.linkBA.events.Frame(tr.alice.identity, frame)

	aaronPending := func() bool {
		for _, participant := range tr.bobSes.Roster().Get() {
			if participant.Identity.Equal(aaron) && !participant.State.Terminal() {
				return true
			}
		}
		return false
	}

	deadline := time.After(waitTimeout)
	for !aaronPending() {
		select {
		case <-deadline:
			t.Fatal("aaron never appeared in bob's roster")
		case <-time.After(10 * time.Millisecond):
		}
	}

	tr.clk.Advance(DefaultConnectTimeout)

	deadline = time.After(waitTimeout)
	for aaronPending() {
		select {
		case <-deadline:
			t.Fatal("aaron still pending after the connect timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := tr.bobSes.State().Get(); got != StateInProgress {
		t.Errorf("bob state = %s, want in_progress", got)
	}
}
