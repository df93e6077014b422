// Package worker implements the lifecycle of a single subprocess
// scanning worker: activation, command dispatch, expiry, and the
// kill/reap escalation pipeline (spec §3, §4.2).
package worker

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/milterpool/multiplexor/internal/framing"
	"github.com/milterpool/multiplexor/internal/logging"
	"github.com/milterpool/multiplexor/internal/reactor"
	"github.com/milterpool/multiplexor/internal/wire"
)

// Embedded is implemented by an in-process worker interpreter, an
// alternative to forking the external worker binary (spec §4.2 step 3:
// "If execution of the worker program is embedded in-process instead").
type Embedded interface {
	// Serve runs the embedded worker loop against stdin/stdout/stderr,
	// returning when stdin reaches EOF.
	Serve(stdin *os.File, stdout, stderr *os.File) error
}

// embeddedReexecEnv is set in the child's environment when Activate
// re-execs the supervisor binary itself to host an Embedded interpreter
// (spec §4.2 step 3, §9's note that the embedded-interpreter switch is
// "decided once at supervisor startup").
const embeddedReexecEnv = "MULTIPLEXOR_EMBEDDED_WORKER"

// RunEmbeddedIfRequested checks whether this process was re-exec'd to
// host an embedded worker and, if so, runs embedded.Serve against its
// standard descriptors and exits the process when it returns. main
// calls this before doing anything else; it returns immediately (doing
// nothing) in the supervisor process itself.
func RunEmbeddedIfRequested(embedded Embedded) {
	if embedded == nil || os.Getenv(embeddedReexecEnv) == "" {
		return
	}
	err := embedded.Serve(os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// Config holds activation-time parameters, one copy shared by every
// worker the pool activates.
type Config struct {
	WorkerProgram     string
	SubFilter         string
	WantStatusReports bool
	RSSKb             int
	// AddressSpaceKb is carried through from the CLI for flag-parity but
	// never enforced; see applyResourceLimits.
	AddressSpaceKb int
	Embedded       Embedded
	BusyTimeout    time.Duration
	ClientTimeout  time.Duration
	MaxLineLen     int
}

// Worker is one slot in the fixed-size pool array (spec §3).
type Worker struct {
	Index int

	State wire.WorkerState
	PID   int

	StdinFD  int
	StdoutFD int
	StderrFD int
	StatusFD int // -1 when status reports disabled

	cmd *exec.Cmd

	NumRequests int64
	NumScans    int64

	IdleTime        time.Time
	ActivationTime  time.Time
	FirstReqTime    time.Time
	LastStateChange time.Time

	Activated uint64

	ClientFD  int
	PendingIO *framing.Op

	TermHandler    reactor.Handle
	hasTermHandler bool
	prejudice      bool

	Qid       string
	Workdir   string
	StatusTag string
	Domain    string

	Cmd     wire.Command
	LastCmd wire.Command

	StartCmd time.Time

	Generation uint64
	Histo      uint32

	cb Callbacks
}

// New creates a Stopped worker slot at index idx.
func New(idx int) *Worker {
	return &Worker{Index: idx, State: wire.Stopped, ClientFD: -1, StatusFD: -1}
}

// Callbacks bundles the handlers a Worker invokes for events owned by
// the supervisor (logging, notification broadcast, pool bookkeeping),
// keeping this package free of any direct dependency on pool/notify.
type Callbacks struct {
	Log           *logging.Logger
	OnStderrLine  func(w *Worker, line string)
	OnStatusLine  func(w *Worker, line string)
	OnStateChange func(w *Worker, old wire.WorkerState)
}

// Activate forks (or, if cfg.Embedded is set, launches the embedded
// interpreter in a child process) the worker binary and wires its
// descriptors into loop. See spec §4.2 "Activation".
func (w *Worker) Activate(loop *reactor.Loop, cfg Config, cb Callbacks, nextActivationSeq *uint64) error {
	stdinR, stdinW, err := pipe2()
	if err != nil {
		return fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := pipe2()
	if err != nil {
		closeAll(stdinR, stdinW)
		return fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := pipe2()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return fmt.Errorf("worker: stderr pipe: %w", err)
	}
	statusR, statusW := -1, -1
	if cfg.WantStatusReports {
		statusR, statusW, err = pipe2()
		if err != nil {
			closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
			return fmt.Errorf("worker: status pipe: %w", err)
		}
	}

	program := cfg.WorkerProgram
	args := []string{}
	if cfg.Embedded != nil {
		// The embedded interpreter still runs as a genuine child process
		// (spec §5's fork/exec ordering and resource-limit story apply
		// unchanged); it re-execs this same binary with a sentinel
		// environment variable instead of spawning an external program.
		exe, err := os.Executable()
		if err != nil {
			closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW, statusR, statusW)
			return fmt.Errorf("worker: resolve self executable for embedded mode: %w", err)
		}
		program = exe
	} else if cfg.SubFilter != "" {
		args = append(args, "-f", cfg.SubFilter)
	}
	if cfg.WantStatusReports {
		args = append(args, "-bs") // server mode with status reporting
	} else {
		args = append(args, "-b") // plain server mode
	}

	c := exec.Command(program, args...)
	if cfg.Embedded != nil {
		c.Env = append(os.Environ(), embeddedReexecEnv+"=1")
	}
	c.Stdin = os.NewFile(uintptr(stdinR), "worker-stdin")
	c.Stdout = os.NewFile(uintptr(stdoutW), "worker-stdout")
	c.Stderr = os.NewFile(uintptr(stderrW), "worker-stderr")
	if cfg.WantStatusReports {
		c.ExtraFiles = []*os.File{os.NewFile(uintptr(statusW), "worker-status")}
	}

	if err := c.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW, statusR, statusW)
		return fmt.Errorf("worker: start: %w", err)
	}

	if cfg.RSSKb > 0 {
		if err := applyResourceLimits(c.Process.Pid, cfg.RSSKb); err != nil && cb.Log != nil {
			cb.Log.Warning().Int("slot", w.Index).Err(err).Log("failed to apply worker resource limits")
		}
	}

	// The child has its own dup'd copies; release our references to its
	// ends now that Start has forked.
	_ = unix.Close(stdinR)
	_ = unix.Close(stdoutW)
	_ = unix.Close(stderrW)
	if cfg.WantStatusReports {
		_ = unix.Close(statusW)
	}

	for _, fd := range []int{stdinW, stdoutR, stderrR, statusR} {
		if fd < 0 {
			continue
		}
		if err := framing.SetNonBlockingCloseOnExec(fd); err != nil {
			_ = c.Process.Kill()
			closeAll(stdinW, stdoutR, stderrR, statusR)
			return fmt.Errorf("worker: set nonblocking: %w", err)
		}
	}

	now := time.Now()
	w.cb = cb
	w.cmd = c
	w.PID = c.Process.Pid
	w.StdinFD = stdinW
	w.StdoutFD = stdoutR
	w.StderrFD = stderrR
	w.StatusFD = statusR
	w.State = wire.Idle
	w.ActivationTime = now
	w.IdleTime = now
	w.LastStateChange = now
	w.NumRequests = 0
	w.NumScans = 0
	w.Cmd = wire.None
	w.LastCmd = wire.None
	w.StatusTag = ""
	*nextActivationSeq++
	w.Activated = *nextActivationSeq

	w.drainStderr(loop, cb)
	if w.StatusFD >= 0 {
		w.drainStatus(loop, cb)
	}

	return nil
}

func pipe2() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeAll(fds ...int) {
	for _, fd := range fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}

// drainStderr reads lines from the worker's stderr for the lifetime of
// the process and hands each to cb.OnStderrLine (normally: log at INFO
// and discard, spec §4.2 step 4 "drain into syslog").
func (w *Worker) drainStderr(loop *reactor.Loop, cb Callbacks) {
	w.drainLines(loop, w.StderrFD, cb, cb.OnStderrLine)
}

func (w *Worker) drainStatus(loop *reactor.Loop, cb Callbacks) {
	w.drainLines(loop, w.StatusFD, cb, func(ww *Worker, line string) {
		// spec §9 Open Question: only update status while Busy.
		if ww.State == wire.Busy {
			ww.StatusTag = line
		}
		if cb.OnStatusLine != nil {
			cb.OnStatusLine(ww, line)
		}
	})
}

func (w *Worker) drainLines(loop *reactor.Loop, fd int, cb Callbacks, handle func(*Worker, string)) {
	if fd < 0 {
		return
	}
	var arm func()
	arm = func() {
		_, err := framing.ReadBuf(loop, fd, 4096, '\n', framing.NoDeadline, false, func(buf []byte, n int, flag framing.CompletionFlag) {
			if n > 0 && handle != nil {
				handle(w, string(trimNewline(buf[:n])))
			}
			if flag == framing.Complete {
				arm()
			}
			// EOF/IOError: the pipe is dead, likely the worker exited; the
			// reap path in the pool will clean up the slot.
		})
		if err != nil && cb.Log != nil {
			cb.Log.Warning().Int("slot", w.Index).Err(err).Log("drain reader re-arm failed")
		}
	}
	arm()
}

func trimNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b[:len(b)-1]
	}
	return b
}

// Dispatch assigns req, read from clientFD, to this Idle worker, writes
// its raw line plus a newline to the worker's stdin, and reads back the
// single-line reply (spec §4.2 "Command dispatch"). onDone is invoked
// exactly once with the outcome, including the reply; sending the reply
// to clientFD is left to the caller.
func (w *Worker) Dispatch(loop *reactor.Loop, cfg Config, req wire.Request, clientFD int, onDone func(result DispatchResult)) {
	w.setState(wire.Busy)
	if w.FirstReqTime.IsZero() {
		w.FirstReqTime = time.Now()
	}
	w.LastCmd = req.Cmd
	w.Cmd = req.Cmd
	w.StartCmd = time.Now()
	w.ClientFD = clientFD
	w.Qid = req.Qid()
	w.Workdir = req.Workdir()
	if req.Cmd == wire.RecipOk {
		w.Domain = req.RecipientDomain()
	} else {
		w.Domain = ""
	}

	line := req.Raw + "\n"
	// A synchronous completion (the write lands on its first attempt, the
	// common case for a short command line into an empty pipe) re-enters
	// via readReply before WriteBuf returns, which may itself assign its
	// own, newer op to w.PendingIO. Overwriting that with this call's now-
	// stale, finished op below would orphan it, so only assign when the
	// callback hasn't already run.
	fired := false
	op, err := framing.WriteBuf(loop, w.StdinFD, []byte(line), cfg.BusyTimeout, func(flag framing.CompletionFlag) {
		fired = true
		w.PendingIO = nil
		if flag != framing.Complete {
			onDone(DispatchResult{Err: ErrWorkerWriteFailed, Prejudice: false})
			return
		}
		w.readReply(loop, cfg, onDone)
	})
	if err != nil {
		onDone(DispatchResult{Err: err})
		return
	}
	if !fired {
		w.PendingIO = op
	}
}

func (w *Worker) readReply(loop *reactor.Loop, cfg Config, onDone func(DispatchResult)) {
	// Same synchronous-completion hazard as Dispatch above.
	fired := false
	op, err := framing.ReadBuf(loop, w.StdoutFD, cfg.MaxLineLen, '\n', cfg.BusyTimeout, false, func(buf []byte, n int, flag framing.CompletionFlag) {
		fired = true
		w.PendingIO = nil
		if flag != framing.Complete {
			// Only a genuine busy timeout warrants the with-prejudice kill
			// path (and its 'B' broadcast); EOF or a read error means the
			// worker is already gone or broken, handled as an unexpected
			// death by the caller.
			onDone(DispatchResult{Err: ErrWorkerReadFailed, Prejudice: flag == framing.Timeout})
			return
		}
		onDone(DispatchResult{Reply: trimNewline(append([]byte(nil), buf[:n]...)), LatencyMs: time.Since(w.StartCmd).Milliseconds()})
	})
	if err != nil {
		onDone(DispatchResult{Err: err, Prejudice: false})
		return
	}
	if !fired {
		w.PendingIO = op
	}
}

// DispatchResult is the outcome of Dispatch, handed to the caller's
// completion callback.
type DispatchResult struct {
	Reply     []byte
	LatencyMs int64
	Err       error
	Prejudice bool // set when the failure warrants an immediate SIGTERM
}

// ErrWorkerWriteFailed / ErrWorkerReadFailed classify a Dispatch failure
// for the caller's error-string selection (spec §7).
var (
	ErrWorkerWriteFailed = fmt.Errorf("worker: write to stdin failed or timed out")
	ErrWorkerReadFailed  = fmt.Errorf("worker: read from stdout failed or timed out")
)

// FinishRequest moves the worker back to Idle after a completed (or
// failed-but-recovered) request, per spec §4.2 step 7.
func (w *Worker) FinishRequest() {
	now := time.Now()
	w.NumRequests++
	if w.Cmd == wire.Scan {
		w.NumScans++
	}
	w.ClientFD = -1
	w.Cmd = wire.None
	w.IdleTime = now
	w.setState(wire.Idle)
}

// Kill begins the kill/reap pipeline (spec §4.2 "Kill and reap"): SIGCONT,
// SIGTERM if Busy ("with prejudice"), stdin close, and the Killed state
// transition. The caller is responsible for arming the escalation timer
// via ArmEscalation, since the timer lives on the reactor the pool owns.
func (w *Worker) Kill(prejudice bool) {
	if w.State == wire.Busy {
		prejudice = true
	}
	if w.PID > 0 {
		_ = unix.Kill(w.PID, unix.SIGCONT)
		if prejudice {
			_ = unix.Kill(w.PID, unix.SIGTERM)
		}
	}
	w.prejudice = prejudice
	if w.PendingIO != nil {
		w.PendingIO.Cancel()
		w.PendingIO = nil
	}
	w.ClientFD = -1
	if w.StdinFD >= 0 {
		_ = unix.Close(w.StdinFD)
		w.StdinFD = -1
	}
	w.setState(wire.Killed)
}

// MarkDead transitions a worker whose process exited on its own into
// Killed without signalling the pid (already reaped by wait4, so a
// signal could land on a recycled process) and without arming an
// escalation timer — there is nothing left to escalate against. If a
// dispatch was still in flight (the SIGCHLD can be observed before the
// stdout EOF it implies), its originator is closed so the client sees
// EOF instead of waiting out its own timeout.
func (w *Worker) MarkDead() {
	w.prejudice = false
	if w.PendingIO != nil {
		w.PendingIO.Cancel()
		w.PendingIO = nil
	}
	if w.ClientFD >= 0 {
		_ = framing.CloseFD(w.ClientFD)
		w.ClientFD = -1
	}
	if w.StdinFD >= 0 {
		_ = unix.Close(w.StdinFD)
		w.StdinFD = -1
	}
	w.setState(wire.Killed)
}

// ArmEscalation arms the 10s SIGTERM/SIGKILL escalation timer (spec
// §4.2 step 3). If the kill was already "with prejudice", the first
// timer sends SIGKILL directly.
func (w *Worker) ArmEscalation(loop *reactor.Loop) {
	if w.prejudice {
		w.TermHandler = loop.AddTimer(10*time.Second, func() {
			if w.PID > 0 {
				_ = unix.Kill(w.PID, unix.SIGKILL)
			}
		})
	} else {
		w.TermHandler = loop.AddTimer(10*time.Second, func() {
			if w.PID > 0 {
				_ = unix.Kill(w.PID, unix.SIGTERM)
			}
			w.TermHandler = loop.AddTimer(10*time.Second, func() {
				if w.PID > 0 {
					_ = unix.Kill(w.PID, unix.SIGKILL)
				}
			})
			w.hasTermHandler = true
		})
	}
	w.hasTermHandler = true
}

// Reap finalizes the transition to Stopped after the signal bridge has
// waitpid'd this worker's pid (spec §4.2 step 4).
func (w *Worker) Reap(loop *reactor.Loop) {
	if w.hasTermHandler {
		_ = loop.Remove(w.TermHandler)
		w.hasTermHandler = false
	}
	for _, fd := range []int{w.StdoutFD, w.StderrFD, w.StatusFD} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	w.StdoutFD, w.StderrFD, w.StatusFD = -1, -1, -1
	w.PID = 0
	w.cmd = nil
	w.setState(wire.Stopped)
}

func (w *Worker) setState(s wire.WorkerState) {
	old := w.State
	w.LastStateChange = time.Now()
	w.State = s
	if w.cb.OnStateChange != nil {
		w.cb.OnStateChange(w, old)
	}
}

// ShouldExpire implements spec §4.2 "Expiry": evaluated after each
// completed request.
func (w *Worker) ShouldExpire(maxRequests int64, queueHasPending bool, maxLifetime time.Duration, generation uint64) (bool, string) {
	limit := maxRequests
	if queueHasPending {
		limit *= 3
	}
	if maxRequests > 0 && w.NumRequests >= limit {
		return true, "max requests reached"
	}
	if maxLifetime > 0 && !w.FirstReqTime.IsZero() && time.Since(w.FirstReqTime) > maxLifetime {
		return true, "max lifetime reached"
	}
	if w.Generation < generation {
		return true, "new generation — force reread"
	}
	return false, ""
}
