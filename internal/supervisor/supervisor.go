// Package supervisor wires every other package into one running process:
// the listen sockets, the signal bridge, the tick dispatcher, minimum-
// worker maintenance, the periodic log-status heartbeat, and the
// SIGTERM graceful-shutdown escalation (spec §2 items 1-9, §4.7, §4.8,
// §5, §6). Only cmd/multiplexor imports supervisor; it is the
// outermost layer, analogous to the teacher's top-level wiring in
// eventloop's own examples, generalized to this system's many moving
// parts.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/milterpool/multiplexor/internal/config"
	"github.com/milterpool/multiplexor/internal/control"
	"github.com/milterpool/multiplexor/internal/history"
	"github.com/milterpool/multiplexor/internal/logging"
	"github.com/milterpool/multiplexor/internal/notify"
	"github.com/milterpool/multiplexor/internal/pool"
	"github.com/milterpool/multiplexor/internal/queue"
	"github.com/milterpool/multiplexor/internal/reactor"
	"github.com/milterpool/multiplexor/internal/wire"
	"github.com/milterpool/multiplexor/internal/worker"
)

// maintenanceInterval is how often MaintainMinimum/SweepIdle re-run; not
// itself a spec-named tunable, so a small fixed period is used (the
// source drives the equivalent check off its own select/poll loop
// iteration, which this reactor does not expose as a stable cadence).
const maintenanceInterval = time.Second

// Supervisor owns every listener, the worker pool, and the reactor loop
// for one process lifetime.
type Supervisor struct {
	cfg config.Config
	log *logging.Logger

	loop    *reactor.Loop
	pool    *pool.Pool
	hist    *history.Engine
	q       *queue.Queue
	bus     *notify.Bus
	ctrl    *control.Dispatcher
	mapCtrl *control.MapDispatcher

	signals *reactor.SignalBridge

	sockets []listenSocket

	msgsProcessed int64
	startTime     time.Time

	shuttingDown bool
	pidfile      *os.File
	lockfile     *os.File
}

// New builds a Supervisor from a parsed configuration. It creates the
// worker pool and listen sockets but does not yet accept connections or
// process signals; call Run for that.
func New(cfg config.Config, log *logging.Logger, embedded worker.Embedded) (*Supervisor, error) {
	loop, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("supervisor: reactor: %w", err)
	}

	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		loop:      loop,
		hist:      history.New(),
		startTime: time.Now(),
	}

	s.q = queue.New(cfg.QueueSize)
	s.bus = notify.New(loop, maxListeners, cfg.ClientTimeout())

	workerCfg := worker.Config{
		WorkerProgram:     cfg.WorkerProgram,
		SubFilter:         cfg.SubFilter,
		WantStatusReports: cfg.WantStatusReports,
		RSSKb:             cfg.RSSKb,
		AddressSpaceKb:    cfg.AddressSpaceKb,
		Embedded:          embedded,
		BusyTimeout:       cfg.BusyTimeout(),
		ClientTimeout:     cfg.ClientTimeout(),
		MaxLineLen:        maxCommandLen,
	}
	poolCfg := pool.Config{
		MaxWorkers:                cfg.MaxWorkers,
		PerDomainRecipCap:         cfg.PerDomainRecipCap,
		MaxRequestsPerWorker:      cfg.MaxRequestsPerWorker,
		MaxWorkerLifetime:         cfg.MaxWorkerLifetime(),
		MinWaitBetweenActivations: maxDuration(cfg.SlewSec, cfg.MinWaitBetweenActivations),
	}
	s.pool = pool.New(loop, workerCfg, poolCfg, log, s.bus)
	s.pool.SetHistory(s.hist)
	s.pool.SetQueuePending(func() bool { return s.q.Len() > 0 })

	s.ctrl = &control.Dispatcher{
		Loop:          loop,
		Pool:          s.pool,
		History:       s.hist,
		Queue:         s.q,
		Log:           log,
		QueueTimeout:  cfg.QueueTimeout(),
		ClientTimeout: cfg.ClientTimeout(),
		MaxLineLen:    maxCommandLen,
		StartTime:     s.startTime,
		PerDomainCap:  cfg.PerDomainRecipCap,
		Counters: control.Counters{
			MsgsProcessed: &s.msgsProcessed,
			Activations:   s.pool.Activations,
		},
		OnReread: s.bumpGeneration,
		Notify:   s.bus,
	}
	s.pool.SetOnIdle(s.ctrl.DequeueNext)
	s.mapCtrl = &control.MapDispatcher{
		Loop:          loop,
		Pool:          s.pool,
		Log:           log,
		BusyTimeout:   cfg.BusyTimeout(),
		ClientTimeout: cfg.ClientTimeout(),
	}

	if err := s.openSockets(); err != nil {
		_ = s.Close()
		return nil, err
	}

	if cfg.LockFile != "" {
		lf, err := lockFile(cfg.LockFile)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		s.lockfile = lf
	}
	if cfg.PidFile != "" {
		pf, err := lockPidfile(cfg.PidFile)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		s.pidfile = pf
	}

	sigs, err := reactor.NewSignalBridge(syscall.SIGCHLD, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("supervisor: signal bridge: %w", err)
	}
	s.signals = sigs
	if _, err := loop.AddFD(sigs.FD(), reactor.Readable, s.onSignalWake); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("supervisor: register signal bridge: %w", err)
	}

	s.pool.MaintainMinimum(cfg.MinWorkers)
	s.scheduleMaintenance()
	s.scheduleLogStatus()
	s.startTicks()

	return s, nil
}

func maxDuration(slewSec, minWaitSec int) time.Duration {
	if minWaitSec > slewSec {
		return time.Duration(minWaitSec) * time.Second
	}
	return time.Duration(slewSec) * time.Second
}

// Run drives the reactor loop until ctx is cancelled or a SIGTERM-
// initiated shutdown completes.
func (s *Supervisor) Run(ctx context.Context) error {
	return s.loop.Run(ctx)
}

// Close releases every resource the Supervisor holds: listen sockets
// (unlinking their paths), the signal bridge, the pidfile lock, and the
// reactor's epoll fd (spec §8 invariant 7).
func (s *Supervisor) Close() error {
	for _, ls := range s.sockets {
		_ = unix.Close(ls.fd)
		if ls.path != "" {
			_ = os.Remove(ls.path)
		}
	}
	if s.signals != nil {
		_ = s.signals.Close()
	}
	if s.pidfile != nil {
		_ = s.pidfile.Close()
		_ = os.Remove(s.cfg.PidFile)
	}
	if s.lockfile != nil {
		_ = s.lockfile.Close()
	}
	if s.loop != nil {
		return s.loop.Close()
	}
	return nil
}

// onSignalWake drains the self-pipe and reacts to each signal observed
// since the last wake (spec §5 "self-pipe discipline": one wakeup
// drains all pending flags).
func (s *Supervisor) onSignalWake(_ int, _ reactor.Flags) {
	for _, sig := range s.signals.Drain() {
		switch sig {
		case syscall.SIGCHLD:
			s.reapChildren()
		case syscall.SIGINT:
			s.bumpGeneration()
		case syscall.SIGHUP:
			// spec §4.7 names only SIGINT explicitly; §2 item 9 lists
			// SIGHUP among the bridged signals without describing its
			// behavior. Treated identically to SIGINT (the conventional
			// Unix daemon "reread configuration" signal) since bridging
			// it to nothing would make the bridging pointless; recorded
			// as an open-question resolution in DESIGN.md.
			s.bumpGeneration()
		case syscall.SIGTERM:
			s.beginShutdown()
		}
	}
}

// bumpGeneration implements the "reread" side effect shared by the
// privileged verb and SIGINT/SIGHUP (spec §4.7).
func (s *Supervisor) bumpGeneration() {
	s.pool.BumpGeneration()
}

// reapChildren drains every exited child after a SIGCHLD wakeup (spec
// §4.2 "Kill and reap" step 4, §7 "Worker abnormal exit").
func (s *Supervisor) reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		w := s.pool.FindByPID(pid)
		if w == nil {
			continue
		}
		if w.State != wire.Killed {
			// The process exited without us having initiated a kill: an
			// unexpected death (spec §7). MarkDead routes it through the
			// Killed state so the list invariants hold and 'U' is
			// broadcast, without signalling the already-reaped pid.
			if s.log != nil {
				s.log.Err().Int("slot", w.Index).Int("pid", pid).
					Bool("exited", status.Exited()).Int("exitStatus", status.ExitStatus()).
					Log("worker died unexpectedly")
			}
			s.pool.MarkDead(w)
		} else if status.Signaled() && status.Signal() != syscall.SIGTERM && status.Signal() != syscall.SIGKILL {
			if s.log != nil {
				s.log.Warning().Int("slot", w.Index).Str("signal", status.Signal().String()).Log("worker terminated by unexpected signal")
			}
		}
		s.pool.Reap(w)
	}
	s.pool.MaintainMinimum(s.cfg.MinWorkers)
	if s.shuttingDown {
		s.maybeFinishShutdown()
	}
}

// beginShutdown implements the SIGTERM graceful-stop sequence of spec
// §5: every live worker's Kill already closes stdin and arms the
// 10s/10s SIGTERM/SIGKILL escalation, so driving every slot through the
// existing per-worker kill pipeline reproduces the documented drain
// without a separate state machine.
func (s *Supervisor) beginShutdown() {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	for _, w := range s.pool.Slots() {
		if w.State == wire.Idle || w.State == wire.Busy {
			s.pool.Kill(w, false)
		}
	}
	// Safety net beyond the per-worker 10s/10s escalation, in case a
	// worker never responds to SIGKILL (e.g. stuck in uninterruptible
	// sleep): stop the loop unconditionally after 25s.
	s.loop.AddTimer(25*time.Second, s.loop.Stop)
	s.maybeFinishShutdown()
}

func (s *Supervisor) maybeFinishShutdown() {
	for _, w := range s.pool.Slots() {
		if w.State != wire.Stopped {
			return
		}
	}
	s.loop.Stop()
}

// StatusLine exposes the compact status string for callers without a
// dispatcher connection, such as the -L log-status heartbeat.
func (s *Supervisor) StatusLine() string { return s.ctrl.StatusLine() }
