// Package pool implements the fixed-size worker slot array, the four
// state lists, free-worker selection, the busy histogram, and
// generation-based reload (spec §3, §4.2, §4.4, §4.7).
package pool

import (
	"errors"
	"strconv"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/milterpool/multiplexor/internal/history"
	"github.com/milterpool/multiplexor/internal/logging"
	"github.com/milterpool/multiplexor/internal/reactor"
	"github.com/milterpool/multiplexor/internal/wire"
	"github.com/milterpool/multiplexor/internal/worker"
)

// Notifier is the subset of the notification bus a Pool needs; kept as
// an interface so this package stays unit-testable without a real bus.
type Notifier interface {
	Publish(msg string)
}

// Config bundles pool-level tunables, orthogonal to the per-worker
// activation parameters in worker.Config.
type Config struct {
	MaxWorkers                int
	PerDomainRecipCap         int
	MaxRequestsPerWorker      int64
	MaxWorkerLifetime         time.Duration
	MinWaitBetweenActivations time.Duration
}

// Pool owns every worker slot for the process lifetime (spec §3
// "Ownership").
type Pool struct {
	loop      *reactor.Loop
	workerCfg worker.Config
	poolCfg   Config
	log       *logging.Logger
	notify    Notifier

	slots []*worker.Worker

	stopped []*worker.Worker
	idle    []*worker.Worker
	busy    []*worker.Worker
	killed  []*worker.Worker

	generation        uint64
	nextActivationSeq uint64
	activations       int64

	// history records activation/reap counters against the Scan command
	// (spec §4.2 step 4, "Kill and reap" step 4); nil is fine, it just
	// means those side effects are skipped (used by unit tests that
	// don't care about history).
	history *history.Engine

	// queuePending reports whether the request queue currently holds a
	// deferred entry; expiry widens its max-requests limit 3x while one
	// is waiting (spec §4.2 "Expiry"). nil means "no queue".
	queuePending func() bool

	// onIdle fires after a worker lands back in Idle from Release,
	// after notifications and the expiry check (spec §5 ordering:
	// free-count events precede any dequeue). The supervisor wires it
	// to the control dispatcher's dequeue so a release from ANY path
	// (control verb, map lookup, tick) offers the worker to queued
	// work.
	onIdle func()

	// slew gates activation frequency, reused from its native
	// "requests-per-category-per-window" shape as a single-category,
	// one-permit-per-window limiter representing "minimum wait between
	// activations" (spec §4.2 step 1).
	slew *catrate.Limiter

	prevFreeCount int
}

// New allocates cfg.MaxWorkers Stopped slots.
func New(loop *reactor.Loop, workerCfg worker.Config, cfg Config, log *logging.Logger, notify Notifier) *Pool {
	p := &Pool{
		loop:      loop,
		workerCfg: workerCfg,
		poolCfg:   cfg,
		log:       log,
		notify:    notify,
		slots:     make([]*worker.Worker, cfg.MaxWorkers),
	}
	window := cfg.MinWaitBetweenActivations
	if window <= 0 {
		window = time.Nanosecond
	}
	p.slew = catrate.NewLimiter(map[time.Duration]int{window: 1})
	for i := range p.slots {
		w := worker.New(i)
		p.slots[i] = w
		p.stopped = append(p.stopped, w)
	}
	p.prevFreeCount = len(p.slots)
	return p
}

// SetHistory wires the history engine used for the activation/reap
// counters (spec §4.2 step 4, kill/reap step 4). Must be called before
// the pool is driven if those counters matter to the caller.
func (p *Pool) SetHistory(h *history.Engine) { p.history = h }

// SetQueuePending wires the request-queue occupancy check used by the
// expiry grace window (spec §4.2: "with a 3x grace window if the
// request queue has a pending entry").
func (p *Pool) SetQueuePending(fn func() bool) { p.queuePending = fn }

// SetOnIdle wires the released-worker hook (spec §4.3: "when a worker
// returns to Idle after a reply, it calls dequeue").
func (p *Pool) SetOnIdle(fn func()) { p.onIdle = fn }

// Activations returns the process-lifetime count of successful
// Activate calls, used by the "status" verb's activations field.
func (p *Pool) Activations() int64 { return p.activations }

// Slots returns the underlying slot array, for status reporting.
func (p *Pool) Slots() []*worker.Worker { return p.slots }

// FindByPID returns the slot currently holding pid, or nil. Used by the
// SIGCHLD reap loop, which only has a pid to go on.
func (p *Pool) FindByPID(pid int) *worker.Worker {
	for _, w := range p.slots {
		if w.PID == pid {
			return w
		}
	}
	return nil
}

// FreeCount returns the number of non-Busy, non-Killed workers (spec §6
// "free" verb).
func (p *Pool) FreeCount() int { return len(p.idle) + len(p.stopped) }

// BusyCount returns the number of currently Busy workers.
func (p *Pool) BusyCount() int { return len(p.busy) }

// Generation returns the current reload generation.
func (p *Pool) Generation() uint64 { return p.generation }

// ErrActivationSuppressed is returned by Activate when the slew limiter
// refuses a fresh activation (spec §4.2 step 1).
var ErrActivationSuppressed = errors.New("pool: activation suppressed by slew limit")

// Activate transitions w from Stopped to Idle by forking the worker
// binary (spec §4.2 "Activation"). If w is not currently Stopped it does
// nothing and returns nil.
func (p *Pool) Activate(w *worker.Worker) error {
	if w.State != wire.Stopped {
		return nil
	}
	if _, ok := p.slew.Allow("activation"); !ok {
		return ErrActivationSuppressed
	}

	w.Generation = p.generation
	// OnStateChange is deliberately left unwired here: the pool's own
	// onStateChange must run after moveList has updated list membership
	// (free-count depends on it), and every caller below already invokes
	// it explicitly at that point. Wiring it through worker.Callbacks too
	// would fire it a second time, before moveList runs.
	cb := worker.Callbacks{
		Log: p.log,
		OnStderrLine: func(ww *worker.Worker, line string) {
			if p.log != nil {
				p.log.Info().Int("slot", ww.Index).Str("line", line).Log("worker stderr")
			}
		},
		OnStatusLine: func(ww *worker.Worker, line string) {
			if p.notify != nil {
				p.notify.Publish("S " + strconv.Itoa(ww.Index) + " " + line)
			}
		},
	}
	if err := w.Activate(p.loop, p.workerCfg, cb, &p.nextActivationSeq); err != nil {
		return err
	}
	p.moveList(w, wire.Stopped, wire.Idle)
	p.activations++
	if p.history != nil {
		p.history.RecordActivation()
	}
	p.onStateChange(w, wire.Stopped)
	return nil
}

// FindFreeWorker implements spec §4.4's selection policy.
func (p *Pool) FindFreeWorker(cmd wire.Command) *worker.Worker {
	var best *worker.Worker
	var bestMatches bool
	for _, w := range p.idle {
		matches := w.LastCmd == cmd || w.LastCmd == wire.None
		switch {
		case best == nil:
			best, bestMatches = w, matches
		case matches && !bestMatches:
			best, bestMatches = w, true
		case matches == bestMatches && w.Activated < best.Activated:
			best = w
		}
	}
	if best != nil {
		best.StatusTag = ""
		return best
	}
	if len(p.stopped) > 0 {
		return p.stopped[0]
	}
	return nil
}

// DispatchResult mirrors worker.DispatchResult but travels through the
// pool so callers never need to import internal/worker directly for
// this one type.
type DispatchResult = worker.DispatchResult

// Dispatch assigns req to w (already selected via FindFreeWorker and,
// if Stopped, just Activated), moving it to Busy and recording the
// busy-count histogram side effect (spec §4.4).
func (p *Pool) Dispatch(w *worker.Worker, req wire.Request, clientFD int, onDone func(DispatchResult)) {
	p.moveList(w, wire.Idle, wire.Busy)
	k := len(p.busy)
	if k-1 >= 0 && k-1 < len(p.slots) {
		p.slots[k-1].Histo++
	}
	// w.Dispatch flips State to Busy synchronously before returning (the
	// actual I/O it starts is what's async), so the notification below
	// observes the already-updated state and list membership.
	w.Dispatch(p.loop, p.workerCfg, req, clientFD, onDone)
	p.onStateChange(w, wire.Idle)
}

// Release returns w to Idle after FinishRequest has already been
// called on it, then runs the expiry check (spec §4.2 step 7).
func (p *Pool) Release(w *worker.Worker) {
	p.moveList(w, wire.Busy, wire.Idle)
	p.onStateChange(w, wire.Busy)
	p.checkExpiry(w)
	if w.State == wire.Idle && p.onIdle != nil {
		p.onIdle()
	}
}

// checkExpiry applies spec §4.2 "Expiry" to w, killing it if warranted.
func (p *Pool) checkExpiry(w *worker.Worker) {
	queueHasPending := p.queuePending != nil && p.queuePending()
	if expire, reason := w.ShouldExpire(p.poolCfg.MaxRequestsPerWorker, queueHasPending, p.poolCfg.MaxWorkerLifetime, p.generation); expire {
		if p.log != nil {
			p.log.Info().Int("slot", w.Index).Str("reason", reason).Log("worker expired")
		}
		p.Kill(w, false)
	}
}

// Kill initiates the kill/reap pipeline for w (spec §4.2 "Kill and
// reap"). prejudice forces an immediate SIGTERM even if w is Idle.
func (p *Pool) Kill(w *worker.Worker, prejudice bool) {
	from := w.State
	if from != wire.Idle && from != wire.Busy {
		return
	}
	w.Kill(prejudice)
	p.moveList(w, from, wire.Killed)
	w.ArmEscalation(p.loop)
	p.onStateChange(w, from)
	if prejudice && p.notify != nil {
		p.notify.Publish("B busy-timeout kill")
	}
}

// MarkDead routes a worker whose process exited on its own — an
// unexpected death, spec §7 — into Killed so the normal Reap path can
// finalize it, without signalling the already-reaped pid or arming an
// escalation timer. Broadcasts the 'U' notification.
func (p *Pool) MarkDead(w *worker.Worker) {
	from := w.State
	if from != wire.Idle && from != wire.Busy {
		return
	}
	w.MarkDead()
	p.moveList(w, from, wire.Killed)
	p.onStateChange(w, from)
	if p.notify != nil {
		p.notify.Publish("U worker died unexpectedly")
	}
}

// Reap finalizes w's transition to Stopped once the signal bridge has
// waitpid'd its pid (spec §4.2 step 4).
func (p *Pool) Reap(w *worker.Worker) {
	w.Reap(p.loop)
	p.moveList(w, wire.Killed, wire.Stopped)
	if p.history != nil {
		p.history.RecordReap()
	}
	p.onStateChange(w, wire.Killed)
}

// MaintainMinimum activates Stopped workers until at least min workers
// are Idle or Busy, or activation is suppressed by the slew limiter
// (spec §2 item 4: "Drives activation slew and minimum-worker
// maintenance"). Intended to be called periodically by the supervisor.
func (p *Pool) MaintainMinimum(min int) {
	for len(p.idle)+len(p.busy) < min && len(p.stopped) > 0 {
		w := p.stopped[0]
		if err := p.Activate(w); err != nil {
			// Slew suppression or activation failure: stop for now, the
			// next periodic call will retry.
			return
		}
	}
}

// SweepIdle kills Idle workers that have been idle longer than timeout,
// stopping once only min workers (Idle+Busy) would remain, per spec §4.2
// "Expiry fires after each completed request or on idle-timeout
// sweeps". timeout <= 0 disables the sweep.
func (p *Pool) SweepIdle(timeout time.Duration, min int) {
	if timeout <= 0 {
		return
	}
	now := time.Now()
	candidates := append([]*worker.Worker(nil), p.idle...)
	for _, w := range candidates {
		if len(p.idle)+len(p.busy) <= min {
			return
		}
		if now.Sub(w.IdleTime) > timeout {
			p.Kill(w, false)
		}
	}
}

// BumpGeneration implements spec §4.7: increments the generation and
// kills every currently Idle worker; Busy workers are left to expire
// naturally.
func (p *Pool) BumpGeneration() {
	p.generation++
	idleSnapshot := append([]*worker.Worker(nil), p.idle...)
	for _, w := range idleSnapshot {
		p.Kill(w, false)
	}
	if p.notify != nil {
		p.notify.Publish("R reload")
	}
}

// onStateChange updates the stable free-count notification side effect
// (spec §5 ordering: "Free-worker count notifications ... emitted after
// the state transition that caused them") and per-slot 'S' status
// events.
func (p *Pool) onStateChange(w *worker.Worker, old wire.WorkerState) {
	if p.notify != nil {
		p.notify.Publish("S " + strconv.Itoa(w.Index) + " StateChange " + old.String() + " -> " + w.State.String())
	}
	free := p.FreeCount()
	if free == p.prevFreeCount {
		return
	}
	if p.notify != nil {
		p.notify.Publish("F " + strconv.Itoa(free))
		if free == 0 {
			p.notify.Publish("Z")
		} else if p.prevFreeCount == 0 {
			p.notify.Publish("Y")
		}
	}
	p.prevFreeCount = free
}

func (p *Pool) moveList(w *worker.Worker, from, to wire.WorkerState) {
	switch from {
	case wire.Stopped:
		p.stopped = removeWorker(p.stopped, w)
	case wire.Idle:
		p.idle = removeWorker(p.idle, w)
	case wire.Busy:
		p.busy = removeWorker(p.busy, w)
	case wire.Killed:
		p.killed = removeWorker(p.killed, w)
	}
	switch to {
	case wire.Stopped:
		p.stopped = append(p.stopped, w)
	case wire.Idle:
		p.idle = append(p.idle, w)
	case wire.Busy:
		p.busy = append(p.busy, w)
	case wire.Killed:
		p.killed = append(p.killed, w)
	}
}

func removeWorker(list []*worker.Worker, target *worker.Worker) []*worker.Worker {
	for i, w := range list {
		if w == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
