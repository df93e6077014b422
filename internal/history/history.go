// Package history implements the second- and hour-resolution sliding
// windows spec §4.5 uses to answer "load" queries: a fixed ring per
// command code, with lazy tombstone-based bucket acquisition so no
// sweep is ever needed to age out stale data.
package history

import (
	"errors"
	"time"

	"github.com/milterpool/multiplexor/internal/wire"
)

const (
	secondSlots = 600
	hourSlots   = 24
)

// ErrWindowOutOfRange is returned by a windowed query whose back
// parameter is not in (0, secondSlots], or by TotalsOverHours when hours
// is not in (0, hourSlots].
var ErrWindowOutOfRange = errors.New("history: window out of range")

// bucket is one second- or hour-resolution accumulator (spec §3).
// elapsed doubles as the tombstone: it holds the second-index (or
// hour-index) this bucket currently represents.
type bucket struct {
	elapsed    int64
	count      int64
	workers    int64
	ms         int64
	activated  int64
	reaped     int64
	first      int64
	last       int64
	hasElapsed bool
}

// Totals is the aggregate result of a windowed query.
type Totals struct {
	Count      int64
	Workers    int64
	Ms         int64
	Activated  int64
	Reaped     int64
	FirstSec   int64
	LastSec    int64
}

// AvgWorkers returns Workers/Count, or 0 if Count is 0.
func (t Totals) AvgWorkers() float64 {
	if t.Count == 0 {
		return 0
	}
	return float64(t.Workers) / float64(t.Count)
}

// AvgLatencyMs returns Ms/Count, or 0 if Count is 0.
func (t Totals) AvgLatencyMs() float64 {
	if t.Count == 0 {
		return 0
	}
	return float64(t.Ms) / float64(t.Count)
}

// Engine holds the per-command second and hour rings, for the four
// commands the history engine tracks (spec §4.5: Scan, RelayOk,
// SenderOk, RecipOk).
type Engine struct {
	seconds [4][secondSlots]bucket
	hours   [4][hourSlots]bucket
	now     func() time.Time
}

func commandIndex(c wire.Command) (int, bool) {
	switch c {
	case wire.Scan:
		return 0, true
	case wire.RelayOk:
		return 1, true
	case wire.SenderOk:
		return 2, true
	case wire.RecipOk:
		return 3, true
	default:
		return 0, false
	}
}

// New creates an empty history engine.
func New() *Engine {
	return &Engine{now: time.Now}
}

// RecordCompletion updates both the second and hour buckets for cmd with
// one request's outcome: spec §4.2 step 6, invoked after reply
// forwarding completes (§5's ordering guarantee — latency is attributed
// to the bucket active when the response lands, not when it started).
func (e *Engine) RecordCompletion(cmd wire.Command, busyWorkers int, latencyMs int64) {
	idx, ok := commandIndex(cmd)
	if !ok {
		return
	}
	now := e.now()
	sec := now.Unix()

	sb := e.getSecondBucket(idx, sec)
	sb.count++
	sb.workers += int64(busyWorkers)
	sb.ms += latencyMs

	hb := e.getHourBucket(idx, sec)
	hb.count++
	hb.workers += int64(busyWorkers)
	hb.ms += latencyMs
	if hb.first == 0 || sec < hb.first {
		hb.first = sec
	}
	if sec > hb.last {
		hb.last = sec
	}
}

// RecordActivation increments the Scan command's "activated" counter
// (spec §4.2 step 4: "increment history[Scan].activated").
func (e *Engine) RecordActivation() {
	now := e.now()
	sec := now.Unix()
	e.getSecondBucket(0, sec).activated++
	e.getHourBucket(0, sec).activated++
}

// RecordReap increments the Scan command's "reaped" counter (spec §4.2
// kill/reap step 4).
func (e *Engine) RecordReap() {
	now := e.now()
	sec := now.Unix()
	e.getSecondBucket(0, sec).reaped++
	e.getHourBucket(0, sec).reaped++
}

func (e *Engine) getSecondBucket(idx int, sec int64) *bucket {
	slot := int(sec % secondSlots)
	b := &e.seconds[idx][slot]
	if !b.hasElapsed || b.elapsed != sec {
		*b = bucket{elapsed: sec, hasElapsed: true}
	}
	return b
}

func (e *Engine) getHourBucket(idx int, sec int64) *bucket {
	hourIdx := sec / 3600
	slot := int(hourIdx % hourSlots)
	b := &e.hours[idx][slot]
	if !b.hasElapsed || b.elapsed != hourIdx {
		*b = bucket{elapsed: hourIdx, hasElapsed: true}
	}
	return b
}

// TotalsOverWindow sums the last `back` seconds (inclusive of now) of
// cmd's second-resolution ring, per spec §4.5's read path. back must be
// in (0, 600].
func (e *Engine) TotalsOverWindow(cmd wire.Command, back int) (Totals, error) {
	if back <= 0 || back > secondSlots {
		return Totals{}, ErrWindowOutOfRange
	}
	idx, ok := commandIndex(cmd)
	if !ok {
		return Totals{}, nil
	}
	now := e.now().Unix()
	var t Totals
	for i := now - int64(back) + 1; i <= now; i++ {
		slot := int(((i % secondSlots) + secondSlots) % secondSlots)
		b := &e.seconds[idx][slot]
		if b.hasElapsed && b.elapsed == i {
			t.Count += b.count
			t.Workers += b.workers
			t.Ms += b.ms
			t.Activated += b.activated
			t.Reaped += b.reaped
		}
	}
	return t, nil
}

// TotalsOverHours sums the last `backHours` hours (1..24) of cmd's
// hour-resolution ring, additionally reporting the actual first/last
// second covered (spec §4.5: "hourly queries ... track first and last
// second-of-message").
func (e *Engine) TotalsOverHours(cmd wire.Command, backHours int) (Totals, error) {
	if backHours <= 0 || backHours > hourSlots {
		return Totals{}, ErrWindowOutOfRange
	}
	idx, ok := commandIndex(cmd)
	if !ok {
		return Totals{}, nil
	}
	nowHour := e.now().Unix() / 3600
	var t Totals
	for i := nowHour - int64(backHours) + 1; i <= nowHour; i++ {
		slot := int(((i % hourSlots) + hourSlots) % hourSlots)
		b := &e.hours[idx][slot]
		if b.hasElapsed && b.elapsed == i {
			t.Count += b.count
			t.Workers += b.workers
			t.Ms += b.ms
			t.Activated += b.activated
			t.Reaped += b.reaped
			if t.FirstSec == 0 || b.first < t.FirstSec {
				t.FirstSec = b.first
			}
			if b.last > t.LastSec {
				t.LastSec = b.last
			}
		}
	}
	return t, nil
}
