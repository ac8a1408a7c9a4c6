// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"sync"

	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/wire"
)

// --- outbound ------------------------------------------------------------

// sendSimple signals a payloadless message (ringing, reject, busy,
// hangup, kick) to a peer.
func (s *Session) sendSimple(peer *peerSession, kind wire.Kind) {
	envelope, err := wire.NewEnvelope(kind, s.callID, nil)
	if err != nil {
		s.log.Error("building message failed", "kind", kind, "error", err)
		return
	}
	s.sendSignal(peer, envelope)
}

// sendSignal delivers a signaling envelope to a peer: directly over
// the secure messenger when a channel exists, otherwise relayed
// through the caller's data channel. Participants without a direct
// channel to the caller cannot be in the call at all, so a non-caller
// always has the relay path.
func (s *Session) sendSignal(peer *peerSession, envelope wire.Envelope) {
	if s.engine.config.Messenger.ChannelEstablished(peer.identity) {
		encoded, err := wire.Encode(envelope)
		if err != nil {
			s.log.Error("encoding message failed", "kind", envelope.Kind, "error", err)
			return
		}
		s.outbox.post(peer.identity, encoded, criticalKind(envelope.Kind))
		return
	}
	if s.role == RoleCaller {
		s.log.Warn("no channel to participant", "peer", peer.identity, "kind", envelope.Kind)
		s.signalDeliveryFailed(peer.identity, criticalKind(envelope.Kind))
		return
	}

	caller := s.byIdentity[s.callerIdentity]
	if caller == nil || !caller.channelOpen {
		s.log.Warn("relay path unavailable", "peer", peer.identity, "kind", envelope.Kind)
		s.signalDeliveryFailed(peer.identity, criticalKind(envelope.Kind))
		return
	}
	frame, err := wire.NewChannelFrame(wire.ChannelRelay, wire.Relay{
		To:    peer.identity,
		Inner: envelope,
	})
	if err != nil {
		s.log.Error("building relay frame failed", "error", err)
		return
	}
	if err := caller.link.SendFrame(frame); err != nil {
		s.log.Warn("relaying message failed", "peer", peer.identity, "error", err)
		s.signalDeliveryFailed(peer.identity, criticalKind(envelope.Kind))
	}
}

// criticalKind reports whether a delivery failure of this kind dooms
// the peer's negotiation (as opposed to a droppable incremental
// update).
func criticalKind(kind wire.Kind) bool {
	switch kind {
	case wire.KindNewICECandidate, wire.KindRemoveICECandidates,
		wire.KindRinging, wire.KindBusy:
		return false
	}
	return true
}

// signalDeliveryFailed runs on the executor and fails the target peer
// if the lost message was critical.
func (s *Session) signalDeliveryFailed(identity ref.Identity, critical bool) {
	if !critical {
		return
	}
	if peer := s.livePeer(identity); peer != nil {
		s.failPeer(peer, ReasonSendFailed)
	}
}

// outbox posts messages through the (possibly blocking) messenger on
// a dedicated goroutine, preserving per-session send order.
type outbox struct {
	session *Session

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outboundItem
	closed bool
}

type outboundItem struct {
	recipient ref.Identity
	payload   []byte
	critical  bool
}

func newOutbox(session *Session) *outbox {
	o := &outbox{session: session}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

func (o *outbox) post(recipient ref.Identity, payload []byte, critical bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, outboundItem{recipient, payload, critical})
	o.cond.Signal()
}

func (o *outbox) shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.cond.Signal()
}

func (o *outbox) run() {
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 && o.closed {
			o.mu.Unlock()
			return
		}
		item := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		failures := o.session.engine.config.Messenger.Post(
			context.Background(), item.payload, []ref.Identity{item.recipient})
		if err := failures[item.recipient]; err != nil {
			o.session.log.Warn("posting message failed",
				"recipient", item.recipient, "error", err)
			identity, critical := item.recipient, item.critical
			o.session.exec.submit(func() {
				o.session.signalDeliveryFailed(identity, critical)
			})
		}
	}
}

// --- inbound -------------------------------------------------------------

// handleEnvelope dispatches one inbound signaling message for this
// call. Runs on the executor; the engine has already matched the call
// identifier.
func (s *Session) handleEnvelope(from ref.Identity, envelope wire.Envelope) {
	if s.state.Terminal() {
		return
	}

	// Cross-device ring suppression: only another device of the local
	// identity may claim the call was answered elsewhere.
	if envelope.Kind == wire.KindAnsweredElsewhere {
		s.handleAnsweredElsewhere(from, envelope)
		return
	}

	peer := s.byIdentity[from]
	if peer == nil {
		// A fellow recipient may offer before the caller's roster
		// push lands; anything else from a stranger is dropped.
		if envelope.Kind == wire.KindNewParticipantOffer && s.role == RoleRecipient {
			s.handleNewParticipantOffer(from, envelope)
			return
		}
		s.log.Debug("message from unknown participant",
			"from", from, "kind", envelope.Kind)
		return
	}
	if peer.markedForRemoval {
		return
	}

	switch envelope.Kind {
	case wire.KindRinging:
		if peer.state == PeerOfferSent {
			// The connect timer polices connection establishment; a
			// ringing peer is waiting on a human, bounded by the remote
			// ringing timeout instead.
			s.disarmConnectTimer(peer)
			s.applyPeerState(peer, PeerRinging)
		}
		if s.state == StateInitializing {
			s.setState(StateRinging)
		}
	case wire.KindBusy:
		if peer.state == PeerOfferSent || peer.state == PeerRinging {
			s.disarmConnectTimer(peer)
			s.applyPeerState(peer, PeerBusy)
		}
	case wire.KindReject:
		s.applyPeerState(peer, PeerRejected)
	case wire.KindHangup:
		s.applyPeerState(peer, PeerHangedUp)
	case wire.KindKick:
		s.handleKick(from)
	case wire.KindAnswer, wire.KindNewParticipantAnswer:
		s.handleAnswer(peer, envelope)
	case wire.KindNewParticipantOffer:
		s.handleNewParticipantOffer(from, envelope)
	case wire.KindReconnect:
		s.handleReconnect(peer, envelope)
	case wire.KindNewICECandidate:
		s.handleCandidate(peer, envelope)
	case wire.KindRemoveICECandidates:
		s.handleCandidateRemoval(peer, envelope)
	case wire.KindStartCall:
		// Duplicate delivery of the initiating message.
	default:
		s.log.Debug("unhandled message", "kind", envelope.Kind)
	}
}

func (s *Session) handleAnsweredElsewhere(from ref.Identity, envelope wire.Envelope) {
	if !from.Equal(s.self) {
		s.log.Warn("answered-elsewhere from foreign identity", "from", from)
		return
	}
	var payload wire.AnsweredElsewhere
	if err := envelope.DecodePayload(&payload); err != nil {
		return
	}
	if s.role == RoleRecipient && s.state == StateRinging {
		s.log.Info("call handled on another device", "answered", payload.Answered)
		s.stopRingingTimer()
		s.end(OutcomeAnsweredElsewhere)
	}
}

// handleKick applies a caller-issued removal. Only the caller may
// kick, and being kicked ends the whole local session.
func (s *Session) handleKick(from ref.Identity) {
	if s.role != RoleRecipient || !from.Equal(s.callerIdentity) {
		s.log.Warn("kick from non-caller ignored", "from", from)
		return
	}
	s.log.Info("kicked from call")
	s.fail(ReasonKicked)
}

func (s *Session) handleAnswer(peer *peerSession, envelope wire.Envelope) {
	var payload wire.Description
	if err := envelope.DecodePayload(&payload); err != nil {
		s.log.Error("malformed answer", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
		return
	}
	sdp, err := wire.DecompressDescription(payload.CompressedDescription)
	if err != nil {
		s.log.Error("answer failed to decompress", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
		return
	}
	if peer.link == nil {
		s.log.Warn("answer before offer", "peer", peer.identity)
		return
	}
	if err := peer.link.SetRemoteDescription(payload.DescriptionType, sdp); err != nil {
		s.log.Error("applying answer failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
		return
	}
	peer.linkReady = true
	s.drainPendingCandidates(peer)
	if peer.state == PeerOfferSent || peer.state == PeerRinging || peer.state == PeerInitial {
		s.applyPeerState(peer, PeerConnecting)
		// The answer starts actual connection establishment; the timer
		// disarmed while the peer rang goes back up.
		s.armConnectTimer(peer)
	}
}

// handleNewParticipantOffer negotiates with a fellow recipient, either
// one already announced by the caller's roster push or one whose offer
// outran it.
func (s *Session) handleNewParticipantOffer(from ref.Identity, envelope wire.Envelope) {
	if s.role != RoleRecipient {
		s.log.Warn("participant offer to caller ignored", "from", from)
		return
	}
	var payload wire.Description
	if err := envelope.DecodePayload(&payload); err != nil {
		s.log.Error("malformed participant offer", "from", from, "error", err)
		return
	}
	sdp, err := wire.DecompressDescription(payload.CompressedDescription)
	if err != nil {
		s.log.Error("participant offer failed to decompress", "from", from, "error", err)
		return
	}

	peer := s.byIdentity[from]
	if peer == nil {
		var addErr error
		peer, addErr = s.addPeer(from, false)
		if addErr != nil {
			peer = s.addPeerUnchecked(from, false)
		}
		peer.fromRoster = true
	}
	if peer.markedForRemoval {
		return
	}
	if payload.GatheringPolicy.Valid() {
		peer.policy = payload.GatheringPolicy
	}
	if err := s.startAnswering(peer, payload.DescriptionType, sdp); err != nil {
		s.log.Error("answering participant offer failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
	}
}

func (s *Session) handleCandidate(peer *peerSession, envelope wire.Envelope) {
	var candidate wire.ICECandidate
	if err := envelope.DecodePayload(&candidate); err != nil {
		s.log.Warn("malformed candidate", "peer", peer.identity, "error", err)
		return
	}
	if !peer.linkReady || peer.link == nil {
		peer.pendingCandidates = append(peer.pendingCandidates, candidate)
		return
	}
	if err := peer.link.AddCandidate(candidate); err != nil {
		s.log.Warn("applying candidate failed", "peer", peer.identity, "error", err)
	}
}

func (s *Session) handleCandidateRemoval(peer *peerSession, envelope wire.Envelope) {
	var payload wire.RemoveICECandidates
	if err := envelope.DecodePayload(&payload); err != nil {
		s.log.Warn("malformed candidate removal", "peer", peer.identity, "error", err)
		return
	}
	if !peer.linkReady || peer.link == nil {
		peer.pendingCandidates = removeCandidates(peer.pendingCandidates, payload.Candidates)
		return
	}
	if err := peer.link.RemoveCandidates(payload.Candidates); err != nil {
		s.log.Warn("removing candidates failed", "peer", peer.identity, "error", err)
	}
}

func removeCandidates(buffered, revoked []wire.ICECandidate) []wire.ICECandidate {
	if len(revoked) == 0 {
		return buffered
	}
	kept := buffered[:0]
	for _, candidate := range buffered {
		dropped := false
		for _, gone := range revoked {
			if candidate == gone {
				dropped = true
				break
			}
		}
		if !dropped {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// --- side channel --------------------------------------------------------

// onFrame handles an inbound data-channel frame from a connected peer.
func (s *Session) onFrame(identity ref.Identity, frame wire.ChannelFrame) {
	peer := s.livePeer(identity)
	if peer == nil || s.state.Terminal() {
		return
	}
	switch frame.Kind {
	case wire.ChannelMuted:
		var payload wire.Muted
		if err := frame.DecodePayload(&payload); err != nil {
			return
		}
		peer.remoteMuted = payload.Muted
		s.publishRoster()
	case wire.ChannelHangup:
		s.applyPeerState(peer, PeerHangedUp)
	case wire.ChannelUpdateParticipants:
		s.handleRosterPush(peer, frame)
	case wire.ChannelRelay:
		s.forwardRelay(peer, frame)
	case wire.ChannelRelayed:
		s.handleRelayed(peer, frame)
	default:
		s.log.Debug("unhandled frame", "peer", peer.identity, "kind", frame.Kind)
	}
}

// handleRosterPush reconciles the caller's participant list with the
// local registry. Recipient role only, and only the caller may push.
func (s *Session) handleRosterPush(peer *peerSession, frame wire.ChannelFrame) {
	if s.role != RoleRecipient || !peer.identity.Equal(s.callerIdentity) {
		s.log.Warn("roster push from non-caller ignored", "from", peer.identity)
		return
	}
	var payload wire.UpdateParticipants
	if err := frame.DecodePayload(&payload); err != nil {
		s.log.Warn("malformed roster push", "error", err)
		return
	}

	listed := make(map[ref.Identity]bool, len(payload.Participants))
	for _, participant := range payload.Participants {
		if participant.Identity.Equal(s.self) ||
			participant.Identity.Equal(s.callerIdentity) {
			continue
		}
		listed[participant.Identity] = true
		if existing := s.byIdentity[participant.Identity]; existing != nil {
			if existing.displayName == "" {
				existing.displayName = participant.DisplayName
				s.publishRoster()
			}
			continue
		}
		s.addRosterParticipant(participant)
	}

	// A participant the caller stops listing after it had connected is
	// gone; one that merely has not connected yet never appeared.
	for _, other := range s.participants {
		if other.fromRoster && !listed[other.identity] &&
			(other.state == PeerConnected || other.state == PeerReconnecting) {
			s.applyPeerState(other, PeerHangedUp)
		}
	}
}

// addRosterParticipant wires up a recipient pair announced by the
// caller. The identity ordering tie-break decides which of the two
// initiates; the passive side waits for the offer.
func (s *Session) addRosterParticipant(participant wire.Participant) {
	offerer := ref.ShouldOffer(s.self, participant.Identity)
	peer, err := s.addPeer(participant.Identity, offerer)
	if err != nil {
		peer = s.addPeerUnchecked(participant.Identity, offerer)
		peer.displayName = participant.DisplayName
	}
	peer.fromRoster = true
	if !offerer {
		// The passive side waits for the offer, bounded so an
		// unreachable pair surfaces as a connection error instead of
		// stalling silently.
		s.armConnectTimer(peer)
	}
	s.publishRoster()
	if offerer && s.credentials != nil {
		s.startNegotiation(peer)
	}
}

// forwardRelay implements the caller's signaling relay: a participant
// without a direct channel to another sends through the caller, who
// rewraps the envelope with the verified sender identity.
func (s *Session) forwardRelay(peer *peerSession, frame wire.ChannelFrame) {
	if s.role != RoleCaller {
		s.log.Warn("relay frame to non-caller ignored", "from", peer.identity)
		return
	}
	var relay wire.Relay
	if err := frame.DecodePayload(&relay); err != nil {
		s.log.Warn("malformed relay frame", "from", peer.identity, "error", err)
		return
	}
	if relay.Inner.CallID != s.callID {
		s.log.Warn("relay for foreign call dropped", "from", peer.identity)
		return
	}
	target := s.livePeer(relay.To)
	if target == nil || !target.channelOpen {
		s.log.Debug("relay target unreachable", "target", relay.To)
		return
	}
	relayed, err := wire.NewChannelFrame(wire.ChannelRelayed, wire.Relayed{
		From:  peer.identity,
		Inner: relay.Inner,
	})
	if err != nil {
		s.log.Error("building relayed frame failed", "error", err)
		return
	}
	if err := target.link.SendFrame(relayed); err != nil {
		s.log.Warn("forwarding relayed message failed", "target", relay.To, "error", err)
	}
}

// handleRelayed unwraps a caller-forwarded signaling message. The
// sender identity is the caller's assertion, trusted because the relay
// only ever runs through the caller's authenticated channel.
func (s *Session) handleRelayed(peer *peerSession, frame wire.ChannelFrame) {
	if s.role != RoleRecipient || !peer.identity.Equal(s.callerIdentity) {
		s.log.Warn("relayed frame from non-caller ignored", "from", peer.identity)
		return
	}
	var relayed wire.Relayed
	if err := frame.DecodePayload(&relayed); err != nil {
		s.log.Warn("malformed relayed frame", "error", err)
		return
	}
	if relayed.Inner.CallID != s.callID {
		s.log.Warn("relayed message for foreign call dropped")
		return
	}
	s.handleEnvelope(relayed.From, relayed.Inner)
}
