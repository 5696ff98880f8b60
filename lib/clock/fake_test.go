// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNow(t *testing.T) {
	f := Fake(epoch)
	if got := f.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	f.Advance(5 * time.Second)
	want := epoch.Add(5 * time.Second)
	if got := f.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	t.Run("fires on advance", func(t *testing.T) {
		f := Fake(epoch)
		ch := f.After(3 * time.Second)

		select {
		case <-ch:
			t.Fatal("fired before Advance")
		default:
		}

		f.Advance(2 * time.Second)
		select {
		case <-ch:
			t.Fatal("fired before the deadline")
		default:
		}

		f.Advance(time.Second)
		select {
		case got := <-ch:
			if want := epoch.Add(3 * time.Second); !got.Equal(want) {
				t.Fatalf("delivered %v, want %v", got, want)
			}
		default:
			t.Fatal("did not fire at the deadline")
		}
	})

	t.Run("non-positive fires immediately", func(t *testing.T) {
		f := Fake(epoch)
		select {
		case got := <-f.After(0):
			if !got.Equal(epoch) {
				t.Fatalf("delivered %v, want %v", got, epoch)
			}
		default:
			t.Fatal("After(0) did not deliver immediately")
		}
		select {
		case <-f.After(-time.Second):
		default:
			t.Fatal("After(-1s) did not deliver immediately")
		}
	})

	t.Run("deadline order", func(t *testing.T) {
		f := Fake(epoch)
		late := f.After(10 * time.Second)
		early := f.After(time.Second)
		f.Advance(time.Minute)

		got := <-early
		if want := epoch.Add(time.Second); !got.Equal(want) {
			t.Fatalf("early waiter got %v, want %v", got, want)
		}
		got = <-late
		if want := epoch.Add(10 * time.Second); !got.Equal(want) {
			t.Fatalf("late waiter got %v, want %v", got, want)
		}
	})

	t.Run("waiter fires once", func(t *testing.T) {
		f := Fake(epoch)
		ch := f.After(time.Second)
		f.Advance(time.Second)
		<-ch
		f.Advance(time.Hour)
		select {
		case <-ch:
			t.Fatal("waiter fired twice")
		default:
		}
	})
}

func TestFakeWaitForTimers(t *testing.T) {
	f := Fake(epoch)

	// Zero pending waiters satisfies n=0 without blocking.
	f.WaitForTimers(0)

	woke := make(chan time.Time)
	go func() {
		woke <- <-f.After(10 * time.Second)
	}()

	f.WaitForTimers(1)
	f.Advance(10 * time.Second)

	select {
	case got := <-woke:
		if want := epoch.Add(10 * time.Second); !got.Equal(want) {
			t.Fatalf("waiter got %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestFakeAdvanceNegativePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Advance(-1) did not panic")
		}
	}()
	Fake(epoch).Advance(-1)
}

func TestReal(t *testing.T) {
	c := Real()
	before := time.Now()
	got := c.Now()
	if got.Before(before.Add(-time.Minute)) || got.After(before.Add(time.Minute)) {
		t.Fatalf("Real().Now() = %v, far from %v", got, before)
	}
	select {
	case <-c.After(0):
	case <-time.After(5 * time.Second):
		t.Fatal("Real().After(0) did not deliver")
	}
}
