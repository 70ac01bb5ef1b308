// Package dwell provides the blocking-wait primitive used to hit a
// registration instant precisely.
//
// A dwell sleeps in bounded increments and re-reads the wall clock each
// iteration, so it tolerates system clock adjustments and resumes correctly
// after a process pause. There is deliberately no cancellation primitive: a
// dwell runs to completion inside a bounded automation session; callers that
// need early exit run the dwell on its own goroutine and cancel at that layer.
package dwell

import (
	"time"

	"joinbot/pkg/logx"
)

// maxStep caps each sleep so the wait stays observable and keeps tracking
// the wall clock.
const maxStep = time.Second

// Clock is the dwell primitive. The zero value is not usable; construct with
// New. Now and Sleep are injectable for tests.
type Clock struct {
	now   func() time.Time
	sleep func(time.Duration)
	log   logx.Logger
}

func New(log logx.Logger) *Clock {
	return &Clock{now: time.Now, sleep: time.Sleep, log: log}
}

// NewFake returns a clock driven by the supplied functions. Test helper.
func NewFake(now func() time.Time, sleep func(time.Duration)) *Clock {
	return &Clock{now: now, sleep: sleep, log: logx.Nop()}
}

// Until blocks until target. Returns immediately if target is already past.
func (c *Clock) Until(target time.Time) {
	c.UntilOffset(target, 0)
}

// UntilOffset blocks until target-offset. A negative offset waits slightly
// past the nominal instant, absorbing network and render latency before the
// actual registration click.
func (c *Clock) UntilOffset(target time.Time, offset time.Duration) {
	goal := target.Add(-offset)
	now := c.now()
	if !now.Before(goal) {
		return
	}
	c.log.Info("dwelling",
		logx.Time("until", goal),
		logx.Duration("remaining", goal.Sub(now)))

	for now.Before(goal) {
		step := goal.Sub(now)
		if step > maxStep {
			step = maxStep
		}
		c.sleep(step)
		now = c.now()
	}
	c.log.Debug("dwell complete", logx.Time("target", goal))
}

// WithinWindow reports whether now lies in [target-offset, target]. The
// coordinator uses it as a guard: an event whose window has not opened yet is
// implausibly far away and no hold should begin for it.
func (c *Clock) WithinWindow(target time.Time, offset time.Duration) bool {
	now := c.now()
	return !now.Before(target.Add(-offset)) && !now.After(target)
}
