// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/sotto-voice/sotto/lib/clock"
	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/turn"
	"github.com/sotto-voice/sotto/wire"
)

// Engine is the process-wide entry point: it owns the relay-credential
// cache, routes inbound signaling to the active session, replies BUSY
// to competing call attempts, and buffers candidates that arrive
// before their call exists.
type Engine struct {
	config      Config
	credentials *turn.Cache

	mu      sync.Mutex
	active  *Session
	pending map[ref.CallID]*pendingCandidates
}

// pendingCandidates buffers ICE candidates whose call has not been
// created yet (reordered delivery can put a candidate ahead of its
// START_CALL). The timer garbage-collects the entry if the call never
// materializes.
type pendingCandidates struct {
	byPeer map[ref.Identity][]wire.ICECandidate
	timer  *clock.Timer
}

// NewEngine validates the config and creates an engine. The engine is
// passive until the host calls StartCall or feeds it inbound messages
// through HandleMessage.
func NewEngine(config Config) (*Engine, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Engine{
		config:      config,
		credentials: turn.NewCache(config.Issuer, config.Clock, config.CredentialTTL),
		pending:     make(map[ref.CallID]*pendingCandidates),
	}, nil
}

// StartCall initiates an outgoing call to the given contacts. The
// returned session is in StateWaitingForPermission; the host must
// confirm media permission with GrantMediaPermission (or abort with
// DenyMediaPermission) before signaling starts.
//
// Only one call can be active; a second StartCall returns
// ErrCallInProgress.
func (e *Engine) StartCall(contacts []ref.Identity, discussionID string) (*Session, error) {
	if len(contacts) == 0 {
		return nil, fmt.Errorf("start call: no contacts")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, ErrCallInProgress
	}

	session := newSession(e, ref.NewCallID(), RoleCaller, discussionID)
	e.active = session

	session.exec.submit(func() { session.startOutgoing(contacts) })
	return session, nil
}

// Active returns the current session, or nil.
func (e *Engine) Active() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// HandleMessage feeds one inbound signaling message from the secure
// messaging layer. Safe to call from any goroutine; it never blocks on
// call-state work.
func (e *Engine) HandleMessage(from ref.Identity, payload []byte) {
	envelope, err := wire.Decode(payload)
	if err != nil {
		e.config.Logger.Warn("dropping undecodable signaling message",
			"from", from, "error", err)
		return
	}

	e.mu.Lock()
	active := e.active
	e.mu.Unlock()

	if active != nil && envelope.CallID.Equal(active.callID) {
		active.exec.submit(func() { active.handleEnvelope(from, envelope) })
		return
	}

	switch envelope.Kind {
	case wire.KindStartCall:
		e.handleNewCall(from, envelope, active)

	case wire.KindNewICECandidate, wire.KindRemoveICECandidates:
		e.bufferCandidates(from, envelope)

	case wire.KindHangup, wire.KindBusy, wire.KindReject, wire.KindRinging:
		// Stragglers from a call already torn down; the removal grace
		// period absorbs the common case, the rest is noise.
		e.config.Logger.Debug("dropping late message for inactive call",
			"kind", envelope.Kind, "callId", envelope.CallID, "from", from)

	default:
		e.config.Logger.Debug("dropping message for unknown call",
			"kind", envelope.Kind, "callId", envelope.CallID, "from", from)
	}
}

// handleNewCall processes a START_CALL for a call this engine is not
// running. Either it becomes the active call, or — if another call is
// active — the originator gets an explicit BUSY and a history entry is
// recorded, so the attempt does not vanish without trace.
func (e *Engine) handleNewCall(from ref.Identity, envelope wire.Envelope, active *Session) {
	if active != nil {
		e.config.Logger.Info("busy: rejecting competing call attempt",
			"callId", envelope.CallID, "from", from)
		e.replyBusy(from, envelope.CallID)
		return
	}

	if e.config.IncomingCall == nil {
		e.config.Logger.Warn("no incoming-call handler configured, rejecting call",
			"callId", envelope.CallID, "from", from)
		e.reply(from, envelope.CallID, wire.KindReject)
		return
	}

	var start wire.StartCall
	if err := envelope.DecodePayload(&start); err != nil {
		e.config.Logger.Warn("dropping malformed start-call message",
			"from", from, "error", err)
		return
	}
	if !start.GatheringPolicy.Valid() {
		e.config.Logger.Warn("dropping start-call with unknown gathering policy",
			"from", from, "policy", start.GatheringPolicy)
		return
	}

	e.mu.Lock()
	if e.active != nil {
		// Lost the race against another inbound call.
		e.mu.Unlock()
		e.replyBusy(from, envelope.CallID)
		return
	}
	session := newSession(e, envelope.CallID, RoleRecipient, start.DiscussionID)
	e.active = session
	buffered := e.takePendingLocked(envelope.CallID)
	e.mu.Unlock()

	session.exec.submit(func() { session.startIncoming(from, start, buffered) })
}

// replyBusy sends BUSY back to the originator and records a busy
// history entry, without touching the active call.
func (e *Engine) replyBusy(to ref.Identity, callID ref.CallID) {
	e.reply(to, callID, wire.KindBusy)

	entry := HistoryEntry{
		CallID:       callID,
		Role:         RoleRecipient,
		Participants: []ref.Identity{to},
		Outcome:      OutcomeBusy,
		StartedAt:    e.config.Clock.Now(),
		EndedAt:      e.config.Clock.Now(),
	}
	go func() {
		if err := e.config.History.Record(context.Background(), entry); err != nil {
			e.config.Logger.Error("recording busy history entry failed",
				"callId", callID, "error", err)
		}
	}()
}

func (e *Engine) reply(to ref.Identity, callID ref.CallID, kind wire.Kind) {
	envelope, err := wire.NewEnvelope(kind, callID, nil)
	if err != nil {
		e.config.Logger.Error("building reply failed", "kind", kind, "error", err)
		return
	}
	encoded, err := wire.Encode(envelope)
	if err != nil {
		e.config.Logger.Error("encoding reply failed", "kind", kind, "error", err)
		return
	}
	go func() {
		failures := e.config.Messenger.Post(context.Background(), encoded, []ref.Identity{to})
		if err := failures[to]; err != nil {
			e.config.Logger.Warn("posting reply failed",
				"kind", kind, "to", to, "error", err)
		}
	}()
}

// bufferCandidates stores candidate traffic for a call that does not
// exist yet. The entry evaporates after PendingCandidateWindow if no
// START_CALL ever claims it.
func (e *Engine) bufferCandidates(from ref.Identity, envelope wire.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.pending[envelope.CallID]
	if !ok {
		if envelope.Kind == wire.KindRemoveICECandidates {
			return // nothing buffered to remove
		}
		callID := envelope.CallID
		entry = &pendingCandidates{byPeer: make(map[ref.Identity][]wire.ICECandidate)}
		entry.timer = e.config.Clock.AfterFunc(e.config.PendingCandidateWindow, func() {
			e.mu.Lock()
			delete(e.pending, callID)
			e.mu.Unlock()
		})
		e.pending[envelope.CallID] = entry
	}

	switch envelope.Kind {
	case wire.KindNewICECandidate:
		var candidate wire.ICECandidate
		if err := envelope.DecodePayload(&candidate); err != nil {
			e.config.Logger.Warn("dropping malformed buffered candidate",
				"from", from, "error", err)
			return
		}
		entry.byPeer[from] = append(entry.byPeer[from], candidate)

	case wire.KindRemoveICECandidates:
		var removal wire.RemoveICECandidates
		if err := envelope.DecodePayload(&removal); err != nil {
			return
		}
		entry.byPeer[from] = withoutCandidates(entry.byPeer[from], removal.Candidates)
	}
}

// takePendingLocked claims buffered candidates for a newly created
// call. Caller holds e.mu.
func (e *Engine) takePendingLocked(callID ref.CallID) map[ref.Identity][]wire.ICECandidate {
	entry, ok := e.pending[callID]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(e.pending, callID)
	return entry.byPeer
}

// detach clears the active session once it has fully terminated,
// making room for the next call.
func (e *Engine) detach(session *Session) {
	e.mu.Lock()
	if e.active == session {
		e.active = nil
	}
	e.mu.Unlock()
}

// withoutCandidates filters revoked candidates out of a buffered list.
func withoutCandidates(buffered, revoked []wire.ICECandidate) []wire.ICECandidate {
	kept := buffered[:0]
	for _, candidate := range buffered {
		withdraw := false
		for _, r := range revoked {
			if candidate == r {
				withdraw = true
				break
			}
		}
		if !withdraw {
			kept = append(kept, candidate)
		}
	}
	return kept
}
