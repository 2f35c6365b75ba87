// The MIT License (MIT)
//
// Copyright (c) 2021 Winlin
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package sctp

import (
	"fmt"
	"time"
)

// clock is the time source, replaced by a manual clock in tests.
type clock interface {
	Now() time.Time
	// AfterFunc runs f after d, returning a function to stop it.
	AfterFunc(d time.Duration, f func()) func() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type timerKind int

const (
	timerT3RTX timerKind = iota
	timerHeartbeat
	timerDelayedAck
	timerPMTURaise
	timerShutdown
	timerShutdownGuard
	timerPartialReliability
)

func (v timerKind) String() string {
	switch v {
	case timerT3RTX:
		return "T3-rtx"
	case timerHeartbeat:
		return "Heartbeat"
	case timerDelayedAck:
		return "DelayedAck"
	case timerPMTURaise:
		return "PMTU-raise"
	case timerShutdown:
		return "T2-shutdown"
	case timerShutdownGuard:
		return "T5-guard"
	case timerPartialReliability:
		return "PR"
	default:
		return fmt.Sprintf("timer(%d)", int(v))
	}
}

// timerEvent is posted to the run loop when a timer fires. A generation
// older than the timer's current one means the timer was stopped or
// restarted since, and the event is dropped.
type timerEvent struct {
	kind timerKind
	path PathID
	gen  uint64
}

type assocTimer struct {
	kind timerKind
	path PathID

	gen      uint64
	armed    bool
	deadline time.Time
	stop     func() bool
}

func newAssocTimer(kind timerKind, path PathID) *assocTimer {
	return &assocTimer{kind: kind, path: path}
}

// start arms the timer unless it is already running.
func (t *assocTimer) start(a *Association, d time.Duration) {
	if t.armed {
		return
	}
	t.restart(a, d)
}

func (t *assocTimer) restart(a *Association, d time.Duration) {
	t.cancel()

	t.armed = true
	t.deadline = a.clock.Now().Add(d)
	ev := timerEvent{kind: t.kind, path: t.path, gen: t.gen}
	t.stop = a.clock.AfterFunc(d, func() {
		a.post(ev)
	})
}

// cancel stops the timer. An event already posted for it turns stale.
func (t *assocTimer) cancel() {
	if !t.armed {
		return
	}
	t.gen++
	t.armed = false
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

func (t *assocTimer) event() timerEvent {
	return timerEvent{kind: t.kind, path: t.path, gen: t.gen}
}

// post hands a fired timer to the run loop.
func (a *Association) post(ev timerEvent) {
	select {
	case a.timerCh <- ev:
	case <-a.closeCh:
	}
}

func (a *Association) timerOf(ev timerEvent) *assocTimer {
	switch ev.kind {
	case timerT3RTX, timerHeartbeat:
		p := a.path(ev.path)
		if p == nil {
			return nil
		}
		if ev.kind == timerT3RTX {
			return p.t3
		}
		return p.hb
	case timerDelayedAck:
		return a.sackTimer
	case timerPMTURaise:
		return a.pmtuTimer
	case timerShutdown:
		return a.shutdownTimer
	case timerShutdownGuard:
		return a.guardTimer
	case timerPartialReliability:
		return a.prTimer
	}
	return nil
}

// handleTimer runs a fired timer under the lock, dropping superseded events.
func (a *Association) handleTimer(ev timerEvent, now time.Time) {
	t := a.timerOf(ev)
	if a.state == StateClosed || t == nil || !t.armed || t.gen != ev.gen {
		a.stats.Add(StatTimerStale, 1)
		return
	}
	t.armed = false
	t.stop = nil

	switch ev.kind {
	case timerT3RTX:
		a.onT3Timeout(a.path(ev.path), now)
	case timerHeartbeat:
		a.onHeartbeatTimeout(a.path(ev.path), now)
	case timerDelayedAck:
		a.sackNeeded = true
	case timerPMTURaise:
		a.onPMTURaise()
	case timerShutdown:
		a.onShutdownTimeout(now)
	case timerShutdownGuard:
		a.log.Warnf("[%s] shutdown guard expired in %v", a.name, a.state)
		a.abort(now, 0, "shutdown guard expired")
	case timerPartialReliability:
		a.onPRTimeout(now)
	}
}

func (a *Association) allTimers() []*assocTimer {
	timers := []*assocTimer{a.sackTimer, a.pmtuTimer, a.shutdownTimer, a.guardTimer, a.prTimer}
	for _, p := range a.paths {
		timers = append(timers, p.t3, p.hb)
	}
	return timers
}
