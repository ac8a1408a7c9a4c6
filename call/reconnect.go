// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/wire"
)

// initiateRestart starts a renegotiation with a peer whose connection
// degraded. Retries are unbounded; the call stays up as long as both
// sides keep trying.
func (s *Session) initiateRestart(peer *peerSession) {
	if peer.link == nil || !peer.state.ReconnectEligible() {
		return
	}
	if peer.state != PeerReconnecting {
		s.applyPeerState(peer, PeerReconnecting)
	}
	peer.reconnectOfferCounter++
	peer.restartOfferPending = true
	if err := peer.link.CreateOffer(true); err != nil {
		s.log.Error("creating restart offer failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
		return
	}
	s.armConnectTimer(peer)
}

// handleReconnect processes a restart offer or answer from a peer.
func (s *Session) handleReconnect(peer *peerSession, envelope wire.Envelope) {
	if peer.link == nil || !peer.state.ReconnectEligible() {
		s.log.Debug("reconnect for unnegotiated peer dropped", "peer", peer.identity)
		return
	}
	var payload wire.Reconnect
	if err := envelope.DecodePayload(&payload); err != nil {
		s.log.Warn("malformed reconnect", "peer", peer.identity, "error", err)
		return
	}
	sdp, err := wire.DecompressDescription(payload.CompressedDescription)
	if err != nil {
		s.log.Warn("reconnect failed to decompress", "peer", peer.identity, "error", err)
		return
	}

	switch payload.DescriptionType {
	case "offer":
		s.handleRestartOffer(peer, payload, sdp)
	case "answer":
		s.handleRestartAnswer(peer, payload, sdp)
	default:
		s.log.Warn("reconnect with unknown description type",
			"peer", peer.identity, "type", payload.DescriptionType)
	}
}

func (s *Session) handleRestartOffer(peer *peerSession, payload wire.Reconnect, sdp string) {
	// A counter at or below the last applied offer is a stale
	// retransmission or an attempt both sides already moved past.
	if payload.Counter <= peer.receivedOfferCounter {
		s.log.Debug("stale restart offer dropped",
			"peer", peer.identity, "counter", payload.Counter,
			"applied", peer.receivedOfferCounter)
		return
	}

	if peer.restartOfferPending {
		// Glare: we also have a restart offer in flight. If the
		// peer's offer was created after seeing ours it supersedes
		// it; otherwise neither side has seen the other and the
		// identity tie-break picks the winner.
		supersedesOurs := payload.CounterToOverride >= peer.reconnectOfferCounter
		if !supersedesOurs && ref.ShouldOffer(s.self, peer.identity) {
			s.log.Debug("restart glare won, ignoring peer offer", "peer", peer.identity)
			return
		}
		s.log.Debug("restart glare lost, rolling back", "peer", peer.identity)
		if err := peer.link.Rollback(); err != nil {
			s.log.Error("rolling back offer failed", "peer", peer.identity, "error", err)
			s.failPeer(peer, ReasonPeerNegotiationError)
			return
		}
		peer.restartOfferPending = false
	}

	if peer.state != PeerReconnecting {
		s.applyPeerState(peer, PeerReconnecting)
	}
	peer.receivedOfferCounter = payload.Counter
	peer.restartAnswerPending = true
	if err := peer.link.SetRemoteDescription("offer", sdp); err != nil {
		s.log.Error("applying restart offer failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
		return
	}
	if err := peer.link.CreateAnswer(); err != nil {
		s.log.Error("answering restart offer failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
		return
	}
	s.armConnectTimer(peer)
}

func (s *Session) handleRestartAnswer(peer *peerSession, payload wire.Reconnect, sdp string) {
	// Only an answer to our outstanding restart offer is applicable;
	// anything else answers an attempt that has been superseded.
	if !peer.restartOfferPending || payload.CounterToOverride != peer.reconnectOfferCounter {
		s.log.Debug("stale restart answer dropped",
			"peer", peer.identity, "counter", payload.Counter)
		return
	}
	if err := peer.link.SetRemoteDescription("answer", sdp); err != nil {
		s.log.Error("applying restart answer failed", "peer", peer.identity, "error", err)
		s.failPeer(peer, ReasonPeerNegotiationError)
		return
	}
	peer.restartOfferPending = false
}
