// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"github.com/sotto-voice/sotto/lib/clock"
	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/wire"
)

// peerSession tracks one remote participant within a call. Confined to
// the session executor.
type peerSession struct {
	identity    ref.Identity
	displayName string
	state       PeerState

	// offerer reports whether this side initiates negotiation toward
	// the peer (tie-broken by identity order for recipient pairs).
	offerer bool

	// policy is the candidate-exchange mode negotiated for this pair.
	policy wire.GatheringPolicy

	link      MediaLink
	linkReady bool // remote description applied; candidates flow directly

	// Restart bookkeeping. Offer counters order our outgoing restart
	// offers; receivedOfferCounter rejects stale inbound ones.
	reconnectOfferCounter  int64
	reconnectAnswerCounter int64
	receivedOfferCounter   int64
	restartOfferPending    bool
	restartAnswerPending   bool

	pendingCandidates []wire.ICECandidate

	everConnected    bool
	channelOpen      bool
	remoteMuted      bool
	fromRoster       bool // learned through a roster push, not START_CALL
	markedForRemoval bool

	connectTimer *clock.Timer
	removalTimer *clock.Timer
}

// addPeer registers a new peer after resolving its display name.
func (s *Session) addPeer(identity ref.Identity, offerer bool) (*peerSession, error) {
	name, err := s.engine.config.Directory.DisplayName(identity)
	if err != nil {
		return nil, err
	}
	peer := s.addPeerUnchecked(identity, offerer)
	peer.displayName = name
	return peer, nil
}

func (s *Session) addPeerUnchecked(identity ref.Identity, offerer bool) *peerSession {
	peer := &peerSession{
		identity: identity,
		state:    PeerInitial,
		offerer:  offerer,
		policy:   s.engine.config.GatheringPolicy,
	}
	s.participants = append(s.participants, peer)
	s.byIdentity[identity] = peer
	return peer
}

// startNegotiation creates the media link toward a peer and produces
// the initial offer. The resulting description is delivered back via
// the event sink.
func (s *Session) startNegotiation(peer *peerSession) {
	if err := s.openLink(peer); err != nil {
		s.failPeer(peer, ReasonInternalError)
		return
	}
	if err := peer.link.CreateOffer(false); err != nil {
		s.log.Error("creating offer failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
		return
	}
	s.armConnectTimer(peer)
}

// startAnswering creates the media link for a peer we answer to,
// applies its offer, drains any buffered candidates, and produces the
// answer.
func (s *Session) startAnswering(peer *peerSession, descriptionType, sdp string) error {
	if peer.link == nil {
		if err := s.openLink(peer); err != nil {
			return err
		}
	}
	if err := peer.link.SetRemoteDescription(descriptionType, sdp); err != nil {
		return err
	}
	peer.linkReady = true
	s.drainPendingCandidates(peer)
	if err := peer.link.CreateAnswer(); err != nil {
		return err
	}
	s.armConnectTimer(peer)
	return nil
}

func (s *Session) openLink(peer *peerSession) error {
	credentialRole := RoleRecipient
	if s.role == RoleCaller {
		credentialRole = RoleCaller
	}
	link, err := s.engine.config.Links(LinkConfig{
		Self:           s.self,
		Peer:           peer.identity,
		CallID:         s.callID,
		Policy:         peer.policy,
		Credentials:    s.credentials,
		CredentialRole: credentialRole,
		Logger:         s.log.With("peer", peer.identity),
	}, linkSink{session: s})
	if err != nil {
		s.log.Error("creating media link failed", "peer", peer.identity, "error", err)
		return err
	}
	peer.link = link
	if s.muted {
		if err := link.SetMuted(true); err != nil {
			s.log.Warn("muting new link failed", "peer", peer.identity, "error", err)
		}
	}
	return nil
}

func (s *Session) drainPendingCandidates(peer *peerSession) {
	for _, candidate := range peer.pendingCandidates {
		if err := peer.link.AddCandidate(candidate); err != nil {
			s.log.Warn("applying buffered candidate failed",
				"peer", peer.identity, "error", err)
		}
	}
	peer.pendingCandidates = nil
}

// --- peer state ----------------------------------------------------------

// applyPeerState applies a peer transition plus its side effects.
// Illegal edges are logged and dropped.
func (s *Session) applyPeerState(peer *peerSession, next PeerState) {
	if peer.state == next {
		return
	}
	if !peer.state.CanTransition(next) {
		s.log.Warn("ignoring illegal peer state transition",
			"peer", peer.identity, "from", peer.state, "to", next)
		return
	}
	s.log.Info("peer state", "peer", peer.identity, "from", peer.state, "to", next)
	peer.state = next

	if next.Terminal() {
		s.retirePeer(peer)
	}
	s.publishRoster()
	s.updateAggregateState()
}

// retirePeer tears the peer's link down and schedules erasure after
// the removal grace, so stray in-flight messages for it are absorbed
// rather than resurrecting state.
func (s *Session) retirePeer(peer *peerSession) {
	if peer.markedForRemoval {
		return
	}
	peer.markedForRemoval = true
	s.disarmConnectTimer(peer)
	if peer.link != nil {
		if err := peer.link.Close(); err != nil {
			s.log.Warn("closing media link failed", "peer", peer.identity, "error", err)
		}
	}
	peer.channelOpen = false
	peer.removalTimer = s.clk.AfterFunc(s.engine.config.RemovalGrace, func() {
		s.exec.submit(func() { s.erasePeer(peer) })
	})
	if s.role == RoleCaller {
		s.broadcastRoster()
	}
}

func (s *Session) erasePeer(peer *peerSession) {
	delete(s.byIdentity, peer.identity)
	for i, candidate := range s.participants {
		if candidate == peer {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			break
		}
	}
	s.publishRoster()
}

// failPeer marks one peer failed. In a one-to-one call a peer failure
// is a call failure; in a multi-party call the rest carries on.
func (s *Session) failPeer(peer *peerSession, reason FailureReason) {
	if peer.state.Terminal() {
		return
	}
	if len(s.participants) == 1 {
		// Fail the session first: marking the peer terminal folds the
		// aggregate state, and that must see the failure, not conclude
		// the call ended on its own.
		s.fail(reason)
		s.applyPeerState(peer, PeerFailed)
		return
	}
	s.log.Warn("peer failed", "peer", peer.identity, "reason", reason)
	s.applyPeerState(peer, PeerFailed)
}

// updateAggregateState folds peer states into the call state: every
// peer busy means the call is busy, every peer terminal means the call
// is over.
func (s *Session) updateAggregateState() {
	if s.state.Terminal() || len(s.participants) == 0 {
		return
	}
	allBusy, allTerminal, allRejected := true, true, true
	anyConnected := false
	for _, peer := range s.participants {
		if peer.state != PeerBusy {
			allBusy = false
		}
		if !peer.state.Terminal() {
			allTerminal = false
		}
		if peer.state != PeerRejected {
			allRejected = false
		}
		if peer.everConnected {
			anyConnected = true
		}
	}
	if allBusy {
		s.setState(StateBusy)
		return
	}
	if !allTerminal {
		return
	}
	switch {
	case anyConnected || !s.connectedAt.IsZero():
		s.end(OutcomeSuccessful)
	case allRejected:
		s.end(OutcomeRejected)
	default:
		s.end(OutcomeMissed)
	}
}

// --- timers --------------------------------------------------------------

// armConnectTimer bounds the current negotiation attempt. On expiry a
// peer that had connected before retries; one that never got through
// is failed.
func (s *Session) armConnectTimer(peer *peerSession) {
	s.disarmConnectTimer(peer)
	peer.connectTimer = s.clk.AfterFunc(s.engine.config.ConnectTimeout, func() {
		s.exec.submit(func() { s.onConnectTimeout(peer) })
	})
}

func (s *Session) disarmConnectTimer(peer *peerSession) {
	if peer.connectTimer != nil {
		peer.connectTimer.Stop()
		peer.connectTimer = nil
	}
}

func (s *Session) onConnectTimeout(peer *peerSession) {
	if peer.state.Terminal() || peer.state == PeerConnected || s.state.Terminal() {
		return
	}
	if peer.state.ReconnectEligible() {
		s.log.Info("connection attempt timed out, restarting", "peer", peer.identity)
		s.initiateRestart(peer)
		return
	}
	s.failPeer(peer, ReasonICEConnection)
}

// dispose releases a peer's resources without grace, used on session
// teardown.
func (p *peerSession) dispose() {
	if p.connectTimer != nil {
		p.connectTimer.Stop()
		p.connectTimer = nil
	}
	if p.removalTimer != nil {
		p.removalTimer.Stop()
		p.removalTimer = nil
	}
	if p.link != nil {
		p.link.Close()
	}
	p.markedForRemoval = true
}

// --- link events ---------------------------------------------------------

// linkSink adapts LinkEvents callbacks, which arrive on media-stack
// goroutines, into session executor tasks.
type linkSink struct {
	session *Session
}

func (l linkSink) LocalDescription(peer ref.Identity, descriptionType, sdp string, relayCandidates int) {
	l.session.exec.submit(func() {
		l.session.onLocalDescription(peer, descriptionType, sdp, relayCandidates)
	})
}

func (l linkSink) Candidate(peer ref.Identity, candidate wire.ICECandidate) {
	l.session.exec.submit(func() { l.session.onLocalCandidate(peer, candidate) })
}

func (l linkSink) CandidatesRemoved(peer ref.Identity, candidates []wire.ICECandidate) {
	l.session.exec.submit(func() { l.session.onLocalCandidatesRemoved(peer, candidates) })
}

func (l linkSink) Connected(peer ref.Identity) {
	l.session.exec.submit(func() { l.session.onPeerConnected(peer) })
}

func (l linkSink) ConnectionLost(peer ref.Identity) {
	l.session.exec.submit(func() { l.session.onConnectionLost(peer) })
}

func (l linkSink) ChannelOpened(peer ref.Identity) {
	l.session.exec.submit(func() { l.session.onChannelOpened(peer) })
}

func (l linkSink) Frame(peer ref.Identity, frame wire.ChannelFrame) {
	l.session.exec.submit(func() { l.session.onFrame(peer, frame) })
}

func (l linkSink) LinkFailed(peer ref.Identity, err error) {
	l.session.exec.submit(func() { l.session.onLinkFailed(peer, err) })
}

func (s *Session) livePeer(identity ref.Identity) *peerSession {
	peer := s.byIdentity[identity]
	if peer == nil || peer.markedForRemoval {
		return nil
	}
	return peer
}

// onLocalDescription signals a freshly created local description to
// the peer, choosing the message kind from negotiation context.
func (s *Session) onLocalDescription(identity ref.Identity, descriptionType, sdp string, relayCandidates int) {
	peer := s.livePeer(identity)
	if peer == nil || s.state.Terminal() {
		return
	}

	// Under GatherOnce the description carries the complete candidate
	// set. No relay candidate at all means the configured relay was
	// unreachable, and a call that depends on it cannot succeed.
	if peer.policy == wire.GatherOnce && relayCandidates == 0 && s.credentials != nil && len(s.credentials.RelayServers) > 0 {
		s.log.Warn("gathering finished without relay candidates", "peer", peer.identity)
		s.engine.credentials.Invalidate()
		s.failPeer(peer, ReasonRelayUnreachable)
		return
	}

	// A restart offer whose attempt was rolled back (glare loss) can
	// still surface from the media stack; signaling it now would
	// reopen the settled glare.
	if descriptionType == "offer" && peer.state == PeerReconnecting && !peer.restartOfferPending {
		s.log.Debug("dropping description of rolled-back offer", "peer", peer.identity)
		return
	}

	compressed, err := wire.CompressDescription(sdp)
	if err != nil {
		s.log.Error("compressing description failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonInternalError)
		return
	}

	envelope, err := s.descriptionEnvelope(peer, descriptionType, compressed)
	if err != nil {
		s.log.Error("building signaling message failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonInternalError)
		return
	}
	s.sendSignal(peer, envelope)

	switch descriptionType {
	case "offer":
		if peer.state == PeerInitial {
			s.applyPeerState(peer, PeerOfferSent)
		}
	case "answer":
		if !peer.state.Terminal() && peer.state != PeerConnected && peer.state != PeerReconnecting {
			s.applyPeerState(peer, PeerConnecting)
		}
	}
}

// descriptionEnvelope picks the signaling kind for a local
// description: restart exchanges travel as RECONNECT, the caller's
// initial offer as START_CALL, recipient-pair offers as
// NEW_PARTICIPANT_OFFER, and answers by who they answer to.
func (s *Session) descriptionEnvelope(peer *peerSession, descriptionType string, compressed []byte) (wire.Envelope, error) {
	switch {
	case peer.restartOfferPending && descriptionType == "offer":
		return wire.NewEnvelope(wire.KindReconnect, s.callID, wire.Reconnect{
			DescriptionType:       descriptionType,
			CompressedDescription: compressed,
			Counter:               peer.reconnectOfferCounter,
			CounterToOverride:     peer.receivedOfferCounter,
		})
	case peer.restartAnswerPending && descriptionType == "answer":
		peer.restartAnswerPending = false
		peer.reconnectAnswerCounter++
		return wire.NewEnvelope(wire.KindReconnect, s.callID, wire.Reconnect{
			DescriptionType:       descriptionType,
			CompressedDescription: compressed,
			Counter:               peer.reconnectAnswerCounter,
			CounterToOverride:     peer.receivedOfferCounter,
		})
	case descriptionType == "offer" && s.role == RoleCaller:
		return wire.NewEnvelope(wire.KindStartCall, s.callID, wire.StartCall{
			DescriptionType:       descriptionType,
			CompressedDescription: compressed,
			TurnUsername:          s.credentials.RecipientUsername,
			TurnPassword:          s.credentials.RecipientPassword,
			TurnServers:           s.credentials.RelayServers,
			ParticipantCount:      len(s.participants) + 1,
			GatheringPolicy:       peer.policy,
			DiscussionID:          s.discussionID,
		})
	case descriptionType == "offer":
		return wire.NewEnvelope(wire.KindNewParticipantOffer, s.callID, wire.Description{
			DescriptionType:       descriptionType,
			CompressedDescription: compressed,
			GatheringPolicy:       peer.policy,
		})
	case s.role == RoleRecipient && peer.identity.Equal(s.callerIdentity):
		return wire.NewEnvelope(wire.KindAnswer, s.callID, wire.Description{
			DescriptionType:       descriptionType,
			CompressedDescription: compressed,
		})
	default:
		return wire.NewEnvelope(wire.KindNewParticipantAnswer, s.callID, wire.Description{
			DescriptionType:       descriptionType,
			CompressedDescription: compressed,
		})
	}
}

func (s *Session) onLocalCandidate(identity ref.Identity, candidate wire.ICECandidate) {
	peer := s.livePeer(identity)
	if peer == nil || s.state.Terminal() || peer.policy != wire.GatherContinuously {
		return
	}
	envelope, err := wire.NewEnvelope(wire.KindNewICECandidate, s.callID, candidate)
	if err != nil {
		s.log.Error("building candidate message failed", "error", err)
		return
	}
	s.sendSignal(peer, envelope)
}

func (s *Session) onLocalCandidatesRemoved(identity ref.Identity, candidates []wire.ICECandidate) {
	peer := s.livePeer(identity)
	if peer == nil || s.state.Terminal() || peer.policy != wire.GatherContinuously {
		return
	}
	envelope, err := wire.NewEnvelope(wire.KindRemoveICECandidates, s.callID,
		wire.RemoveICECandidates{Candidates: candidates})
	if err != nil {
		s.log.Error("building candidate removal failed", "error", err)
		return
	}
	s.sendSignal(peer, envelope)
}

func (s *Session) onPeerConnected(identity ref.Identity) {
	peer := s.livePeer(identity)
	if peer == nil || s.state.Terminal() {
		return
	}
	s.disarmConnectTimer(peer)
	peer.everConnected = true
	peer.restartOfferPending = false
	peer.restartAnswerPending = false
	s.applyPeerState(peer, PeerConnected)
	if s.state != StateInProgress {
		s.setState(StateInProgress)
	}
	if s.role == RoleCaller {
		s.broadcastRoster()
	}
}

func (s *Session) onConnectionLost(identity ref.Identity) {
	peer := s.livePeer(identity)
	if peer == nil || s.state.Terminal() {
		return
	}
	if !peer.state.ReconnectEligible() {
		return
	}
	s.log.Info("connection lost, reconnecting", "peer", peer.identity)
	s.initiateRestart(peer)
}

func (s *Session) onChannelOpened(identity ref.Identity) {
	peer := s.livePeer(identity)
	if peer == nil || s.state.Terminal() {
		return
	}
	peer.channelOpen = true
	if s.muted {
		if frame, err := wire.NewChannelFrame(wire.ChannelMuted, wire.Muted{Muted: true}); err == nil {
			peer.link.SendFrame(frame)
		}
	}
	if s.role == RoleCaller {
		s.broadcastRoster()
	}
}

func (s *Session) onLinkFailed(identity ref.Identity, err error) {
	peer := s.livePeer(identity)
	if peer == nil || s.state.Terminal() {
		return
	}
	s.log.Error("media link failed", "peer", peer.identity, "error", err)
	s.failPeer(peer, ReasonPeerNegotiationError)
}

// --- roster --------------------------------------------------------------

// publishRoster refreshes the local roster observable.
func (s *Session) publishRoster() {
	roster := make([]ParticipantView, 0, len(s.participants))
	for _, peer := range s.participants {
		if peer.markedForRemoval {
			continue
		}
		roster = append(roster, ParticipantView{
			Identity:    peer.identity,
			DisplayName: peer.displayName,
			State:       peer.state,
			Muted:       peer.remoteMuted,
		})
	}
	s.obsRoster.Set(roster)
}

// broadcastRoster pushes the connected-participant list to every peer
// with an open side channel. Caller role only. Not-yet-connected peers
// are omitted so receivers only ever learn about reachable ones.
func (s *Session) broadcastRoster() {
	connected := make([]wire.Participant, 0, len(s.participants))
	for _, peer := range s.participants {
		if peer.state == PeerConnected || peer.state == PeerReconnecting {
			connected = append(connected, wire.Participant{
				Identity:    peer.identity,
				DisplayName: peer.displayName,
			})
		}
	}
	frame, err := wire.NewChannelFrame(wire.ChannelUpdateParticipants,
		wire.UpdateParticipants{Participants: connected})
	if err != nil {
		s.log.Error("building roster push failed", "error", err)
		return
	}
	for _, peer := range s.participants {
		if peer.channelOpen && !peer.markedForRemoval {
			if err := peer.link.SendFrame(frame); err != nil {
				s.log.Warn("roster push failed", "peer", peer.identity, "error", err)
			}
		}
	}
}
