// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"testing"
	"time"

	"github.com/sotto-voice/sotto/lib/clock"
)

func TestGatherTracker_CompleteFiresWithRelayCount(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	fired := make(chan int, 1)
	tracker := newGatherTracker(clk, 2*time.Second, func(relays int) { fired <- relays })

	tracker.candidate(false)
	tracker.candidate(true)
	tracker.candidate(true)
	tracker.complete()

	select {
	case relays := <-fired:
		if relays != 2 {
			t.Fatalf("relay count = %d, want 2", relays)
		}
	default:
		t.Fatal("tracker did not fire on completion")
	}
}

func TestGatherTracker_SettlesAfterFirstRelayCandidate(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	fired := make(chan int, 1)
	tracker := newGatherTracker(clk, 2*time.Second, func(relays int) { fired <- relays })

	tracker.candidate(false)
	clk.Advance(5 * time.Second)
	select {
	case <-fired:
		t.Fatal("tracker fired without a relay candidate")
	default:
	}

	tracker.candidate(true)
	clk.Advance(1 * time.Second)
	select {
	case <-fired:
		t.Fatal("tracker fired before the settle delay elapsed")
	default:
	}
	tracker.candidate(true)

	clk.Advance(1 * time.Second)
	select {
	case relays := <-fired:
		if relays != 2 {
			t.Fatalf("relay count = %d, want 2", relays)
		}
	default:
		t.Fatal("tracker did not settle after the delay")
	}
}

func TestGatherTracker_FiresOncePerRound(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	fired := make(chan int, 2)
	tracker := newGatherTracker(clk, 2*time.Second, func(relays int) { fired <- relays })

	tracker.candidate(true)
	tracker.complete()
	clk.Advance(10 * time.Second)
	tracker.complete()

	if got := len(fired); got != 1 {
		t.Fatalf("tracker fired %d times, want 1", got)
	}
}

func TestGatherTracker_ResetStartsNewRound(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	fired := make(chan int, 2)
	tracker := newGatherTracker(clk, 2*time.Second, func(relays int) { fired <- relays })

	tracker.candidate(true)
	tracker.complete()
	<-fired

	tracker.reset()
	tracker.candidate(true)
	clk.Advance(2 * time.Second)

	select {
	case relays := <-fired:
		if relays != 1 {
			t.Fatalf("relay count after reset = %d, want 1", relays)
		}
	default:
		t.Fatal("tracker did not fire after reset")
	}
}
