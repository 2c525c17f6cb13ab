// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNowStandsStill(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if !fake.Now().Equal(start) {
		t.Errorf("unexpected initial time: %v", fake.Now())
	}
	fake.Advance(time.Minute)
	if !fake.Now().Equal(start.Add(time.Minute)) {
		t.Errorf("unexpected time after advance: %v", fake.Now())
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	ch := fake.After(time.Hour)
	select {
	case <-ch:
		t.Fatal("waiter fired before advance")
	default:
	}

	fake.Advance(30 * time.Minute)
	select {
	case <-ch:
		t.Fatal("waiter fired before its deadline")
	default:
	}

	fake.Advance(30 * time.Minute)
	select {
	case <-ch:
	default:
		t.Fatal("waiter did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeSetBackwardPanics(t *testing.T) {
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	defer func() {
		if recover() == nil {
			t.Fatal("Set backward should panic")
		}
	}()
	fake.Set(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}
