package logic

import "time"

// FakeTimers is a manually driven Timers for tests. Time only moves when
// Advance is called; due callbacks run synchronously inside Advance.
type FakeTimers struct {
	elapsed time.Duration
	timers  []*fakeTimer
	seq     int
}

type fakeTimer struct {
	at     time.Duration
	period time.Duration // 0 for one-shot
	fn     func()
	seq    int
	done   bool
}

func (t *fakeTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}

// NewFakeTimers creates a FakeTimers at elapsed time zero.
func NewFakeTimers() *FakeTimers {
	return &FakeTimers{}
}

// AfterFunc schedules fn once after d.
func (f *FakeTimers) AfterFunc(d time.Duration, fn func()) Stopper {
	return f.add(d, 0, fn)
}

// Every schedules fn every d.
func (f *FakeTimers) Every(d time.Duration, fn func()) Stopper {
	return f.add(d, d, fn)
}

func (f *FakeTimers) add(d, period time.Duration, fn func()) *fakeTimer {
	f.seq++
	t := &fakeTimer{at: f.elapsed + d, period: period, fn: fn, seq: f.seq}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves time forward by d, firing every callback that falls due,
// earliest first. Callbacks may schedule new timers.
func (f *FakeTimers) Advance(d time.Duration) {
	target := f.elapsed + d
	for {
		next := f.next(target)
		if next == nil {
			break
		}
		f.elapsed = next.at
		if next.period > 0 {
			next.at += next.period
		} else {
			next.done = true
		}
		next.fn()
	}
	f.elapsed = target
	f.compact()
}

// Pending returns the number of live timers.
func (f *FakeTimers) Pending() int {
	n := 0
	for _, t := range f.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Elapsed returns the total time advanced.
func (f *FakeTimers) Elapsed() time.Duration {
	return f.elapsed
}

func (f *FakeTimers) next(target time.Duration) *fakeTimer {
	var best *fakeTimer
	for _, t := range f.timers {
		if t.done || t.at > target {
			continue
		}
		if best == nil || t.at < best.at || (t.at == best.at && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (f *FakeTimers) compact() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	f.timers = live
}
