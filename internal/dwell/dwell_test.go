package dwell

import (
	"sync"
	"testing"
	"time"

	"joinbot/pkg/logx"
)

// fakeTime advances a simulated wall clock when the dwell sleeps.
type fakeTime struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeTime(start time.Time) *fakeTime {
	return &fakeTime{now: start}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

func TestUntilPastTargetReturnsImmediately(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	ft := newFakeTime(start)
	c := NewFake(ft.Now, ft.Sleep)

	c.Until(start.Add(-time.Minute))
	if len(ft.sleeps) != 0 {
		t.Fatalf("slept %d times for a past target, want 0", len(ft.sleeps))
	}
	c.Until(start) // exactly now: also no sleep
	if len(ft.sleeps) != 0 {
		t.Fatalf("slept %d times for target == now, want 0", len(ft.sleeps))
	}
}

func TestUntilSleepsInBoundedIncrements(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	ft := newFakeTime(start)
	c := NewFake(ft.Now, ft.Sleep)

	target := start.Add(3500 * time.Millisecond)
	c.Until(target)

	if got := ft.Now(); !got.Equal(target) {
		t.Fatalf("clock after dwell = %v, want %v", got, target)
	}
	for i, d := range ft.sleeps {
		if d > time.Second {
			t.Errorf("sleep %d = %v, exceeds 1s increment", i, d)
		}
	}
	// 3x 1s + 1x 500ms
	if len(ft.sleeps) != 4 {
		t.Errorf("sleep count = %d, want 4", len(ft.sleeps))
	}
}

func TestUntilOffset(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	target := start.Add(10 * time.Minute)

	ft := newFakeTime(start)
	c := NewFake(ft.Now, ft.Sleep)
	c.UntilOffset(target, time.Minute)
	if got, want := ft.Now(), target.Add(-time.Minute); !got.Equal(want) {
		t.Fatalf("positive offset: clock = %v, want %v", got, want)
	}

	// Negative offset dwells slightly past the nominal instant.
	ft = newFakeTime(start)
	c = NewFake(ft.Now, ft.Sleep)
	c.UntilOffset(target, -500*time.Millisecond)
	if got, want := ft.Now(), target.Add(500*time.Millisecond); !got.Equal(want) {
		t.Fatalf("negative offset: clock = %v, want %v", got, want)
	}
}

func TestWithinWindow(t *testing.T) {
	t.Parallel()
	target := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	offset := 10 * time.Minute

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before window", target.Add(-time.Hour), false},
		{"at window open", target.Add(-offset), true},
		{"inside window", target.Add(-time.Minute), true},
		{"at target", target, true},
		{"past target", target.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewFake(func() time.Time { return tt.now }, func(time.Duration) {})
			if got := c.WithinWindow(target, offset); got != tt.want {
				t.Fatalf("WithinWindow(now=%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestUntilRealClockPastTarget(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop())
	start := time.Now()
	c.Until(start.Add(-time.Hour))
	if took := time.Since(start); took > time.Second {
		t.Fatalf("past-target dwell took %v, want well under the 1s polling increment", took)
	}
}
