// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"sync"
	"time"

	"github.com/sotto-voice/sotto/lib/clock"
)

// gatherTracker decides when a gather-once description is ready to
// signal. Waiting for pion's gathering-complete alone can stall for
// the full STUN timeout when one configured server is down, so the
// tracker also settles early: once the first relay candidate is in,
// a short quiet period is all the remaining candidates get.
type gatherTracker struct {
	clk    clock.Clock
	settle time.Duration

	// notify fires exactly once per round with the number of relay
	// candidates gathered.
	notify func(relayCandidates int)

	mu     sync.Mutex
	relays int
	fired  bool
	timer  *clock.Timer
}

func newGatherTracker(clk clock.Clock, settle time.Duration, notify func(relayCandidates int)) *gatherTracker {
	return &gatherTracker{clk: clk, settle: settle, notify: notify}
}

// candidate records one gathered local candidate.
func (t *gatherTracker) candidate(isRelay bool) {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	if isRelay {
		t.relays++
		if t.relays == 1 {
			t.timer = t.clk.AfterFunc(t.settle, t.fire)
		}
	}
	t.mu.Unlock()
}

// complete records the end of gathering (pion reported the candidate
// stream exhausted).
func (t *gatherTracker) complete() {
	t.fire()
}

func (t *gatherTracker) fire() {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	relays := t.relays
	t.mu.Unlock()

	t.notify(relays)
}

// reset arms the tracker for the next gathering round (ICE restart).
func (t *gatherTracker) reset() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.relays = 0
	t.fired = false
	t.mu.Unlock()
}
