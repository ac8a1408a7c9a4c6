// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sotto-voice/sotto/lib/clock"
	"github.com/sotto-voice/sotto/lib/observe"
	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/turn"
	"github.com/sotto-voice/sotto/wire"
)

// Session is one call attempt. All state below the observables is
// confined to the session executor; public methods enqueue tasks and
// return immediately.
type Session struct {
	engine *Engine
	exec   *executor
	outbox *outbox
	log    *slog.Logger
	clk    clock.Clock

	callID       ref.CallID
	self         ref.Identity
	role         Role
	discussionID string

	// Executor-confined state.
	state          State
	reason         FailureReason // first-write-wins
	participants   []*peerSession
	byIdentity     map[ref.Identity]*peerSession
	credentials    *turn.Credentials
	muted          bool
	historyDone    bool
	startedAt      time.Time
	connectedAt    time.Time
	callerIdentity ref.Identity    // recipient side: the initiator
	pendingStart   *wire.StartCall // recipient side: held until answered
	expectedCount  int

	ringingTimer   *clock.Timer
	durationTicker *clock.Ticker
	tickerStop     chan struct{}

	failure atomic.Int32 // FailureReason, readable off-executor

	obsState    *observe.Value[State]
	obsRoster   *observe.Value[[]ParticipantView]
	obsMuted    *observe.Value[bool]
	obsDuration *observe.Value[time.Duration]
	obsRoutes   *observe.Value[[]AudioRoute]
	obsRoute    *observe.Value[AudioRoute]
}

// ParticipantView is one roster entry as exposed to the host UI, in
// join order.
type ParticipantView struct {
	Identity    ref.Identity
	DisplayName string
	State       PeerState
	Muted       bool
}

func newSession(engine *Engine, callID ref.CallID, role Role, discussionID string) *Session {
	router := engine.config.AudioRouter
	s := &Session{
		engine:       engine,
		exec:         newExecutor(),
		log:          engine.config.Logger.With("callId", callID, "role", role),
		clk:          engine.config.Clock,
		callID:       callID,
		self:         engine.config.Identity,
		role:         role,
		discussionID: discussionID,
		byIdentity:   make(map[ref.Identity]*peerSession),
		obsState:     observe.NewValue(StateInitial),
		obsRoster:    observe.NewValue([]ParticipantView(nil)),
		obsMuted:     observe.NewValue(false),
		obsDuration:  observe.NewValue(time.Duration(0)),
		obsRoutes:    observe.NewValue(router.Routes()),
		obsRoute:     observe.NewValue(router.Selected()),
	}
	s.outbox = newOutbox(s)
	return s
}

// CallID returns the call identifier.
func (s *Session) CallID() ref.CallID { return s.callID }

// Role returns the local role in this call.
func (s *Session) Role() Role { return s.role }

// DiscussionID returns the optional group/contact binding.
func (s *Session) DiscussionID() string { return s.discussionID }

// State is the call-state observable.
func (s *Session) State() *observe.Value[State] { return s.obsState }

// Roster is the participant-list observable.
func (s *Session) Roster() *observe.Value[[]ParticipantView] { return s.obsRoster }

// Muted is the local mute-state observable.
func (s *Session) Muted() *observe.Value[bool] { return s.obsMuted }

// Duration is the in-call duration observable, ticking every second
// while the call is in progress. It runs continuously from the first
// connection; reconnections do not reset it.
func (s *Session) Duration() *observe.Value[time.Duration] { return s.obsDuration }

// AudioRoutes is the available-audio-route observable.
func (s *Session) AudioRoutes() *observe.Value[[]AudioRoute] { return s.obsRoutes }

// SelectedAudioRoute is the active-audio-route observable.
func (s *Session) SelectedAudioRoute() *observe.Value[AudioRoute] { return s.obsRoute }

// FailureReason returns the recorded failure reason, or ReasonNone.
func (s *Session) FailureReason() FailureReason {
	return FailureReason(s.failure.Load())
}

// GrantMediaPermission confirms the local media permission and lets
// call setup proceed.
func (s *Session) GrantMediaPermission() {
	s.exec.submit(func() {
		if s.state != StateWaitingForPermission && s.state != StateInitial {
			return
		}
		if s.role == RoleCaller {
			s.fetchCredentials()
		} else {
			s.proceedIncoming()
		}
	})
}

// DenyMediaPermission aborts the call with a permission failure.
func (s *Session) DenyMediaPermission() {
	s.exec.submit(func() { s.fail(ReasonPermissionDenied) })
}

// Answer accepts an inbound ringing call. The host must still confirm
// media permission afterwards.
func (s *Session) Answer() {
	s.exec.submit(func() {
		if s.role != RoleRecipient || s.state != StateRinging {
			return
		}
		s.stopRingingTimer()
		s.notifySiblingDevices(true)
		s.setState(StateWaitingForPermission)
	})
}

// Reject declines an inbound ringing call.
func (s *Session) Reject() {
	s.exec.submit(func() {
		if s.role != RoleRecipient || s.state != StateRinging {
			return
		}
		s.stopRingingTimer()
		s.notifySiblingDevices(false)
		if peer := s.byIdentity[s.callerIdentity]; peer != nil {
			s.sendSimple(peer, wire.KindReject)
			s.applyPeerState(peer, PeerRejected)
		}
		s.end(OutcomeRejected)
	})
}

// notifySiblingDevices posts toward the local identity so other
// devices sharing it stop ringing. The loopback copy the messenger
// hands back is ignored because this session has left the ringing
// state by then.
func (s *Session) notifySiblingDevices(answered bool) {
	envelope, err := wire.NewEnvelope(wire.KindAnsweredElsewhere, s.callID,
		wire.AnsweredElsewhere{Answered: answered})
	if err != nil {
		s.log.Error("building answered-elsewhere message failed", "error", err)
		return
	}
	encoded, err := wire.Encode(envelope)
	if err != nil {
		s.log.Error("encoding answered-elsewhere message failed", "error", err)
		return
	}
	s.outbox.post(s.self, encoded, false)
}

// HangUp ends the call locally. Every live peer is notified both out
// of band and, where a data channel is open, over the fast path.
func (s *Session) HangUp() {
	s.exec.submit(func() {
		if s.state.Terminal() {
			return
		}
		for _, peer := range s.participants {
			if peer.state.Terminal() {
				continue
			}
			s.sendSimple(peer, wire.KindHangup)
			if peer.channelOpen {
				if frame, err := wire.NewChannelFrame(wire.ChannelHangup, nil); err == nil {
					peer.link.SendFrame(frame)
				}
			}
		}
		if s.connectedAt.IsZero() {
			s.end(OutcomeMissed)
		} else {
			s.end(OutcomeSuccessful)
		}
	})
}

// SetMuted toggles the outgoing audio track and notifies connected
// peers over the side channel.
func (s *Session) SetMuted(muted bool) {
	s.exec.submit(func() {
		if s.state.Terminal() || s.muted == muted {
			return
		}
		s.muted = muted
		s.obsMuted.Set(muted)
		frame, err := wire.NewChannelFrame(wire.ChannelMuted, wire.Muted{Muted: muted})
		if err != nil {
			s.log.Error("building mute frame failed", "error", err)
			return
		}
		for _, peer := range s.participants {
			if peer.link == nil || peer.state.Terminal() {
				continue
			}
			if err := peer.link.SetMuted(muted); err != nil {
				s.log.Warn("muting media link failed", "peer", peer.identity, "error", err)
			}
			if peer.channelOpen {
				peer.link.SendFrame(frame)
			}
		}
	})
}

// SelectAudioRoute activates an audio route on the platform adapter.
func (s *Session) SelectAudioRoute(route AudioRoute) {
	s.exec.submit(func() {
		if err := s.engine.config.AudioRouter.Select(route); err != nil {
			s.log.Warn("selecting audio route failed", "route", route, "error", err)
			return
		}
		s.obsRoute.Set(route)
	})
}

// AddParticipant adds a new participant to an ongoing call. Caller
// role only; the new participant is negotiated immediately with the
// already-cached relay credentials.
func (s *Session) AddParticipant(identity ref.Identity) {
	s.exec.submit(func() {
		if s.role != RoleCaller || s.state.Terminal() {
			return
		}
		if _, exists := s.byIdentity[identity]; exists {
			return
		}
		peer, err := s.addPeer(identity, true)
		if err != nil {
			s.log.Warn("adding participant failed", "peer", identity, "error", err)
			return
		}
		if s.credentials != nil {
			s.startNegotiation(peer)
		}
		s.publishRoster()
	})
}

// Kick removes a participant from an ongoing call. Caller role only.
// The removed peer gets an explicit KICK; the rest learn through the
// next roster push.
func (s *Session) Kick(identity ref.Identity) {
	s.exec.submit(func() {
		if s.role != RoleCaller || s.state.Terminal() {
			return
		}
		peer := s.byIdentity[identity]
		if peer == nil || peer.state.Terminal() {
			return
		}
		s.sendSimple(peer, wire.KindKick)
		s.applyPeerState(peer, PeerKicked)
	})
}

// --- outgoing call setup -------------------------------------------------

// startOutgoing runs as the first task of a caller session.
func (s *Session) startOutgoing(contacts []ref.Identity) {
	s.startedAt = s.clk.Now()
	for _, contact := range contacts {
		if _, err := s.addPeer(contact, true); err != nil {
			s.log.Warn("unknown contact", "peer", contact, "error", err)
			s.fail(ReasonContactNotFound)
			return
		}
	}
	s.publishRoster()
	s.setState(StateWaitingForPermission)
}

// fetchCredentials obtains relay credentials off-executor and rejoins
// with a completion task.
func (s *Session) fetchCredentials() {
	s.setState(StateFetchingCredentials)
	go func() {
		credentials, err := s.engine.credentials.Get(context.Background(), s.callID)
		s.exec.submit(func() {
			if s.state.Terminal() {
				return
			}
			if err != nil {
				s.fail(credentialFailureReason(err, s.engine.credentials))
				return
			}
			s.credentials = credentials
			s.initializePeers()
		})
	}()
}

// credentialFailureReason maps an issuance error onto the failure
// taxonomy. A bad session also invalidates the cache so the next call
// re-authenticates instead of replaying a dead session.
func credentialFailureReason(err error, cache *turn.Cache) FailureReason {
	var issueErr *turn.IssueError
	if !errors.As(err, &issueErr) {
		return ReasonCredentialIssuance
	}
	switch issueErr.Reason {
	case turn.IssueBadSession:
		cache.Invalidate()
		return ReasonAuthentication
	case turn.IssuePermissionDenied:
		return ReasonPermissionDenied
	case turn.IssueUnsupported:
		return ReasonCallNotSupported
	default:
		return ReasonCredentialIssuance
	}
}

// initializePeers starts negotiation with every registered peer.
func (s *Session) initializePeers() {
	s.setState(StateInitializing)
	for _, peer := range s.participants {
		if peer.state == PeerInitial && peer.link == nil {
			s.startNegotiation(peer)
		}
	}
}

// --- incoming call setup -------------------------------------------------

// startIncoming runs as the first task of a recipient session.
func (s *Session) startIncoming(from ref.Identity, start wire.StartCall, buffered map[ref.Identity][]wire.ICECandidate) {
	s.startedAt = s.clk.Now()
	s.callerIdentity = from
	s.pendingStart = &start
	s.expectedCount = start.ParticipantCount

	peer, err := s.addPeer(from, false)
	if err != nil {
		// Calls from unknown identities still ring; the directory
		// just has no display name for them.
		peer = s.addPeerUnchecked(from, false)
	}
	peer.policy = start.GatheringPolicy
	for sender, candidates := range buffered {
		if target := s.byIdentity[sender]; target != nil {
			target.pendingCandidates = append(target.pendingCandidates, candidates...)
		}
	}

	s.setState(StateRinging)
	s.sendSimple(peer, wire.KindRinging)
	s.ringingTimer = s.clk.AfterFunc(s.engine.config.RingingTimeout, func() {
		s.exec.submit(func() {
			if s.state == StateRinging {
				s.log.Info("ringing timed out, recording missed call")
				// An auto-hangup, so the caller stops waiting too.
				if caller := s.livePeer(s.callerIdentity); caller != nil {
					s.sendSimple(caller, wire.KindHangup)
				}
				s.end(OutcomeMissed)
			}
		})
	})
	s.publishRoster()

	if handler := s.engine.config.IncomingCall; handler != nil {
		// Host callback runs outside the executor so a slow host
		// cannot stall signaling.
		go handler(s)
	}
}

// proceedIncoming continues an answered call once permission is in:
// the credentials arrived with START_CALL, so the fetch step is
// immediate, then the caller's offer is applied.
func (s *Session) proceedIncoming() {
	start := s.pendingStart
	if start == nil {
		s.fail(ReasonInternalError)
		return
	}
	s.setState(StateFetchingCredentials)
	s.credentials = &turn.Credentials{
		RecipientUsername: start.TurnUsername,
		RecipientPassword: start.TurnPassword,
		RelayServers:      start.TurnServers,
		IssuedAt:          s.clk.Now(),
	}
	s.setState(StateInitializing)

	peer := s.byIdentity[s.callerIdentity]
	if peer == nil {
		s.fail(ReasonInternalError)
		return
	}
	offer, err := wire.DecompressDescription(start.CompressedDescription)
	if err != nil {
		s.log.Error("caller offer failed to decompress", "error", err)
		s.fail(ReasonInternalError)
		return
	}
	if err := s.startAnswering(peer, start.DescriptionType, offer); err != nil {
		s.fail(ReasonPeerNegotiationError)
	}
}

// --- state handling ------------------------------------------------------

// setState applies a top-level transition. Illegal edges are logged
// and dropped; terminal states are absorbing by construction of the
// transition table.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	if !s.state.CanTransition(next) {
		s.log.Warn("ignoring illegal call state transition",
			"from", s.state, "to", next)
		return
	}
	s.log.Info("call state", "from", s.state, "to", next)
	s.state = next
	s.obsState.Set(next)

	switch next {
	case StateInProgress:
		s.startDurationTicker()
	case StateEnded:
		s.finalize()
	case StateFailed:
		s.finalize()
	}
}

// fail records the first failure reason and moves the call to Failed.
func (s *Session) fail(reason FailureReason) {
	if s.reason == ReasonNone {
		s.reason = reason
		s.failure.Store(int32(reason))
	}
	if s.state.Terminal() {
		return
	}
	s.log.Warn("call failed", "reason", s.reason)
	s.recordHistory(OutcomeFailed)
	s.setState(StateFailed)
}

// end moves the call to Ended with the given history outcome.
func (s *Session) end(outcome Outcome) {
	if s.state.Terminal() {
		return
	}
	s.recordHistory(outcome)
	s.setState(StateEnded)
}

// finalize releases everything owned by the session. Runs exactly once
// thanks to the absorbing terminal states.
func (s *Session) finalize() {
	s.stopRingingTimer()
	s.stopDurationTicker()
	for _, peer := range s.participants {
		peer.dispose()
	}
	s.publishRoster()
	s.engine.detach(s)
	s.outbox.shutdown()
	s.exec.shutdownAsync()
}

// recordHistory records exactly one history entry per session.
func (s *Session) recordHistory(outcome Outcome) {
	if s.historyDone {
		return
	}
	s.historyDone = true

	identities := make([]ref.Identity, 0, len(s.participants))
	for _, peer := range s.participants {
		identities = append(identities, peer.identity)
	}
	entry := HistoryEntry{
		CallID:       s.callID,
		Role:         s.role,
		Participants: identities,
		DiscussionID: s.discussionID,
		Outcome:      outcome,
		Reason:       s.reason,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
		EndedAt:      s.clk.Now(),
	}
	store := s.engine.config.History
	logger := s.log
	go func() {
		if err := store.Record(context.Background(), entry); err != nil {
			logger.Error("recording call history failed", "error", err)
		}
	}()
}

// --- timers --------------------------------------------------------------

func (s *Session) stopRingingTimer() {
	if s.ringingTimer != nil {
		s.ringingTimer.Stop()
		s.ringingTimer = nil
	}
}

func (s *Session) startDurationTicker() {
	if s.durationTicker != nil {
		return
	}
	if s.connectedAt.IsZero() {
		s.connectedAt = s.clk.Now()
	}
	s.durationTicker = s.clk.NewTicker(durationTickInterval)
	s.tickerStop = make(chan struct{})
	ticks := s.durationTicker.C
	stop := s.tickerStop
	go func() {
		for {
			select {
			case <-stop:
				return
			case now := <-ticks:
				s.exec.submit(func() {
					if !s.connectedAt.IsZero() {
						s.obsDuration.Set(now.Sub(s.connectedAt))
					}
				})
			}
		}
	}()
}

func (s *Session) stopDurationTicker() {
	if s.durationTicker != nil {
		s.durationTicker.Stop()
		close(s.tickerStop)
		s.durationTicker = nil
	}
}
