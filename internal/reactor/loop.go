package reactor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHandlerNotFound is returned by Remove and ModifyInterest for an
// already-fired or already-removed handle.
var ErrHandlerNotFound = errors.New("reactor: handler not found")

// FDHandler is invoked with the fd that fired and the flags describing
// why (spec §4.1: "Handlers are invoked with (fd, flagsFired, userdata)").
type FDHandler func(fd int, flags Flags)

// TimerHandler is invoked, with no arguments, when a plain timer fires.
// An fd registered with AddFDWithTimeout is instead told of its deadline
// through its FDHandler, called with FlagTimeout alone.
type TimerHandler func()

// Handle cancels a previously registered fd or timer handler.
type Handle uint64

type handlerKind uint8

const (
	kindFD handlerKind = iota
	kindTimer
)

type registration struct {
	kind     handlerKind
	fd       int
	interest Interest
	fdFn     FDHandler
	timerFn  TimerHandler
	deadline time.Time // zero means no deadline
	hasTimer bool       // fd registration also has a deadline armed
	active   bool
}

// timerEntry is an item in the min-heap ordering handle deadlines.
type timerEntry struct {
	when   time.Time
	handle Handle
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() (out any) {
	old := *h
	n := len(old)
	out = old[n-1]
	*h = old[:n-1]
	return out
}

// Loop is the single-threaded readiness/timer reactor described in spec
// §2.1 and §4.1. Every handler runs on the goroutine that calls Run;
// there is no concurrent dispatch, matching §5's "no two handlers for
// the same worker run concurrently" invariant trivially, since nothing
// runs concurrently at all.
//
// Grounded in eventloop.Loop's tick()/run() structure (go-eventloop),
// stripped of the fast-path/microtask/promise machinery that solves a
// multi-producer problem this system doesn't have.
type Loop struct {
	poller *epollPoller
	regs   map[Handle]*registration
	byFD   map[int]Handle
	timers timerHeap
	nextID uint64

	stopped bool
}

// New creates an idle loop. Call Run to start processing.
func New() (*Loop, error) {
	p, err := newEpollPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{
		poller: p,
		regs:   make(map[Handle]*registration),
		byFD:   make(map[int]Handle),
		timers: make(timerHeap, 0),
	}, nil
}

func (l *Loop) allocHandle() Handle {
	l.nextID++
	return Handle(l.nextID)
}

// AddFD registers fd for the given interest; handler fires whenever the
// fd becomes ready. Only one registration per fd is permitted at a time.
func (l *Loop) AddFD(fd int, interest Interest, handler FDHandler) (Handle, error) {
	if _, exists := l.byFD[fd]; exists {
		return 0, fmt.Errorf("reactor: fd %d already registered", fd)
	}
	if err := l.poller.add(fd, interest); err != nil {
		return 0, err
	}
	h := l.allocHandle()
	l.regs[h] = &registration{kind: kindFD, fd: fd, interest: interest, fdFn: handler, active: true}
	l.byFD[fd] = h
	return h, nil
}

// AddFDWithTimeout is AddFD plus a deadline: if neither readiness
// condition fires before dt elapses, handler is invoked once with
// FlagTimeout set (and no I/O flags), and the fd registration is
// cancelled automatically (the caller re-registers if it wants to keep
// watching the fd).
func (l *Loop) AddFDWithTimeout(fd int, interest Interest, dt time.Duration, handler FDHandler) (Handle, error) {
	h, err := l.AddFD(fd, interest, handler)
	if err != nil {
		return 0, err
	}
	reg := l.regs[h]
	reg.deadline = time.Now().Add(dt)
	reg.hasTimer = true
	heap.Push(&l.timers, timerEntry{when: reg.deadline, handle: h})
	return h, nil
}

// AddTimer schedules handler to run once after dt elapses.
func (l *Loop) AddTimer(dt time.Duration, handler TimerHandler) Handle {
	h := l.allocHandle()
	when := time.Now().Add(dt)
	l.regs[h] = &registration{kind: kindTimer, timerFn: handler, deadline: when, active: true}
	heap.Push(&l.timers, timerEntry{when: when, handle: h})
	return h
}

// Remove cancels a previously registered fd or timer handler. Removing
// an fd handler also unregisters the fd from the poller. Safe to call
// on an already-fired one-shot timer (no-op).
func (l *Loop) Remove(h Handle) error {
	reg, ok := l.regs[h]
	if !ok || !reg.active {
		return ErrHandlerNotFound
	}
	reg.active = false
	delete(l.regs, h)
	if reg.kind == kindFD {
		delete(l.byFD, reg.fd)
		if err := l.poller.remove(reg.fd); err != nil && !errors.Is(err, ErrFDNotRegistered) {
			return err
		}
	}
	return nil
}

// ModifyInterest changes which readiness conditions an already-registered
// fd is watched for (used when a framed-I/O op flips from write to
// read, for instance).
func (l *Loop) ModifyInterest(h Handle, interest Interest) error {
	reg, ok := l.regs[h]
	if !ok || !reg.active || reg.kind != kindFD {
		return ErrHandlerNotFound
	}
	reg.interest = interest
	return l.poller.modify(reg.fd, interest)
}

// nextTimeout returns how long RunOnce should block for, in
// milliseconds, or -1 to block indefinitely.
func (l *Loop) nextTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	// Round up so the wait never ends before the earliest deadline.
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return int(ms)
}

// RunOnce blocks until at least one registered handler is ready or a
// timer fires, dispatches all ready handlers, then returns. Per spec
// §4.1, an error from RunOnce is fatal to the supervisor.
func (l *Loop) RunOnce() error {
	timeoutMs := l.nextTimeout()
	ready, err := l.poller.wait(timeoutMs)
	if err != nil {
		return err
	}

	l.fireExpiredTimers()

	for _, r := range ready {
		h, ok := l.byFD[r.fd]
		if !ok {
			continue
		}
		reg := l.regs[h]
		if reg == nil || !reg.active {
			continue
		}
		flags := r.flags & toFlagsMask(reg.interest)
		if flags == 0 {
			continue
		}
		if reg.hasTimer {
			l.cancelFDTimer(h, reg)
		}
		reg.fdFn(reg.fd, flags)
	}

	return nil
}

// toFlagsMask restricts fired flags to the interest actually requested,
// so a write-only registration never sees a spurious FlagReadable from a
// shared epoll event.
func toFlagsMask(interest Interest) Flags {
	var m Flags
	if interest&Readable != 0 {
		m |= FlagReadable
	}
	if interest&Writable != 0 {
		m |= FlagWritable
	}
	return m
}

// fireExpiredTimers pops and runs every timer whose deadline has
// passed. An fd registration with an armed deadline fires its FDHandler
// with FlagTimeout and is removed from the poller; a plain timer fires
// its TimerHandler.
func (l *Loop) fireExpiredTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		entry := heap.Pop(&l.timers).(timerEntry)
		reg, ok := l.regs[entry.handle]
		if !ok || !reg.active {
			continue
		}
		switch reg.kind {
		case kindTimer:
			delete(l.regs, entry.handle)
			if reg.timerFn != nil {
				reg.timerFn()
			}
		case kindFD:
			if !reg.hasTimer || reg.deadline != entry.when {
				continue // stale heap entry (timer was cancelled/rearmed)
			}
			_ = l.Remove(entry.handle)
			reg.fdFn(reg.fd, FlagTimeout)
		}
	}
}

// cancelFDTimer drops the armed deadline for an fd registration that
// became ready before its timeout fired. The stale heap entry is left
// in place and ignored by fireExpiredTimers, which skips fd entries whose
// registration no longer has hasTimer set; this mirrors the teacher's "lazy tombstone" approach used for
// history buckets (§4.5) rather than paying for heap.Fix on every I/O
// completion.
func (l *Loop) cancelFDTimer(h Handle, reg *registration) {
	reg.hasTimer = false
}

// Run drives RunOnce until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for !l.stopped {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := l.RunOnce(); err != nil {
			return err
		}
	}
	return nil
}

// Stop marks the loop for exit; the in-flight RunOnce still completes.
func (l *Loop) Stop() { l.stopped = true }

// Close releases the poller's epoll fd.
func (l *Loop) Close() error { return l.poller.close() }
