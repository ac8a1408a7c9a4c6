// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-ch:
		if !at.Equal(epoch.Add(10 * time.Second)) {
			t.Errorf("fired at %v, want %v", at, epoch.Add(10*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeClock_AfterFuncStop(t *testing.T) {
	c := Fake(epoch)

	fired := false
	timer := c.AfterFunc(5*time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop on a pending timer returned false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired anyway")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestFakeClock_AfterFuncOrder(t *testing.T) {
	c := Fake(epoch)

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "early") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "middle") })

	c.Advance(5 * time.Second)

	want := []string{"early", "middle", "late"}
	if len(order) != len(want) {
		t.Fatalf("fired %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("fired %v, want %v", order, want)
		}
	}
}

func TestFakeClock_CallbackCanUseClock(t *testing.T) {
	c := Fake(epoch)

	var observed time.Time
	c.AfterFunc(time.Second, func() { observed = c.Now() })
	c.Advance(10 * time.Second)

	if !observed.Equal(epoch.Add(time.Second)) {
		t.Errorf("callback observed %v, want %v", observed, epoch.Add(time.Second))
	}
}

func TestFakeClock_TickerTicksPerInterval(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	ticks := 0
	for n := 0; n < 3; n++ {
		c.Advance(time.Second)
		select {
		case <-ticker.C:
			ticks++
		default:
		}
	}
	if ticks != 3 {
		t.Errorf("got %d ticks over 3 advances, want 3", ticks)
	}
}

func TestFakeClock_TickerKeepsLatestTick(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	// Nobody drains during the advance: the buffered tick must be the
	// latest one, not the first.
	c.Advance(3 * time.Second)
	select {
	case at := <-ticker.C:
		if !at.Equal(epoch.Add(3 * time.Second)) {
			t.Errorf("tick at %v, want %v", at, epoch.Add(3*time.Second))
		}
	default:
		t.Fatal("no tick delivered")
	}
}

func TestFakeClock_StoppedTickerStaysQuiet(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(10 * time.Second)
	select {
	case <-ticker.C:
		t.Error("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeClock_NowAdvances(t *testing.T) {
	c := Fake(epoch)
	c.Advance(90 * time.Minute)
	if got := c.Now(); !got.Equal(epoch.Add(90 * time.Minute)) {
		t.Errorf("Now() = %v, want %v", got, epoch.Add(90*time.Minute))
	}
}
