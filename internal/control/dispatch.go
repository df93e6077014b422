// Package control implements the text command-protocol dispatcher (spec
// §6) that sits behind the privileged and unprivileged listening
// sockets: verb parsing, admission/queueing for scanning-style
// commands, and the read-only reporting verbs (status, load, histo,
// workerinfo, ...).
package control

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milterpool/multiplexor/internal/framing"
	"github.com/milterpool/multiplexor/internal/history"
	"github.com/milterpool/multiplexor/internal/logging"
	"github.com/milterpool/multiplexor/internal/pool"
	"github.com/milterpool/multiplexor/internal/queue"
	"github.com/milterpool/multiplexor/internal/reactor"
	"github.com/milterpool/multiplexor/internal/wire"
	"github.com/milterpool/multiplexor/internal/worker"
)

// Version is the reply to the "version" verb.
const Version = "multiplexor/1.0"

// defaultLoadWindowSec is used by the bare "load"/"load-*" verbs, which
// (unlike "load1") take no explicit window argument.
const defaultLoadWindowSec = 60

// Counters are the process-lifetime counters the status/msgs verbs
// report, owned by the supervisor and shared by pointer so every
// connection sees the latest value.
type Counters struct {
	MsgsProcessed *int64
	// Activations reads the process-lifetime activation count; backed
	// by pool.Pool.Activations so the dispatcher never mutates it
	// directly.
	Activations func() int64
}

// Dispatcher wires the control protocol to the supervisor's pool,
// history, queue, and notification bus.
type Dispatcher struct {
	Loop          *reactor.Loop
	Pool          *pool.Pool
	History       *history.Engine
	Queue         *queue.Queue
	Log           *logging.Logger
	QueueTimeout  time.Duration
	ClientTimeout time.Duration
	MaxLineLen    int
	StartTime     time.Time
	Counters      Counters
	// PerDomainCap is the per-domain recipok admission cap (spec §4.3
	// step 1); 0 disables it.
	PerDomainCap int
	// OnReread is invoked for the privileged "reread" verb; kept as a
	// callback so this package never imports the supervisor directly.
	OnReread func()
	// Notify broadcasts the 'U' code when a worker I/O error (not a
	// busy timeout — pool.Kill broadcasts 'B' for those) forces a kill
	// (spec §7). nil disables the broadcast.
	Notify pool.Notifier
}

// HandleConnection reads exactly one request line from fd, dispatches
// it, and replies; privileged gates the verbs marked '*' in spec §6.
func (d *Dispatcher) HandleConnection(fd int, privileged bool) {
	_, err := framing.ReadBuf(d.Loop, fd, d.MaxLineLen, '\n', d.ClientTimeout, false, func(buf []byte, n int, flag framing.CompletionFlag) {
		if flag != framing.Complete {
			_ = framing.CloseFD(fd)
			return
		}
		req := wire.ParseRequest(string(buf[:n]))
		d.dispatch(req, fd, privileged)
	})
	if err != nil {
		_ = framing.CloseFD(fd)
	}
}

func (d *Dispatcher) dispatch(req wire.Request, clientFD int, privileged bool) {
	verb := strings.ToLower(req.Verb)
	switch verb {
	case "help":
		d.replyAndClose(clientFD, helpText)
	case "free":
		d.replyAndClose(clientFD, strconv.Itoa(d.Pool.FreeCount())+"\n")
	case "version":
		d.replyAndClose(clientFD, Version+"\n")
	case "status":
		d.replyAndClose(clientFD, d.statusLine().Format())
	case "rawstatus":
		if !privileged {
			d.rejectPrivileged(clientFD)
			return
		}
		d.replyAndClose(clientFD, d.statusLine().Format())
	case "barstatus":
		d.replyAndClose(clientFD, d.barStatus())
	case "workers":
		d.replyAndClose(clientFD, d.workersReport(false))
	case "busyworkers":
		d.replyAndClose(clientFD, d.workersReport(true))
	case "workerinfo":
		d.replyAndClose(clientFD, d.workerInfo(req))
	case "msgs":
		d.replyAndClose(clientFD, strconv.FormatInt(d.counterValue(d.Counters.MsgsProcessed), 10)+"\n")
	case "load":
		d.replyAndClose(clientFD, d.loadReport(wire.Scan, defaultLoadWindowSec))
	case "load-relayok":
		d.replyAndClose(clientFD, d.loadReport(wire.RelayOk, defaultLoadWindowSec))
	case "load-senderok":
		d.replyAndClose(clientFD, d.loadReport(wire.SenderOk, defaultLoadWindowSec))
	case "load-recipok":
		d.replyAndClose(clientFD, d.loadReport(wire.RecipOk, defaultLoadWindowSec))
	case "load1":
		d.replyAndClose(clientFD, d.load1Report(req))
	case "hload":
		d.replyAndClose(clientFD, d.hloadReport(wire.Scan, req))
	case "hload-relayok":
		d.replyAndClose(clientFD, d.hloadReport(wire.RelayOk, req))
	case "hload-senderok":
		d.replyAndClose(clientFD, d.hloadReport(wire.SenderOk, req))
	case "hload-recipok":
		d.replyAndClose(clientFD, d.hloadReport(wire.RecipOk, req))
	case "histo":
		d.replyAndClose(clientFD, d.histoReport())
	case "reread":
		if !privileged {
			d.rejectPrivileged(clientFD)
			return
		}
		if d.OnReread != nil {
			d.OnReread()
		}
		d.replyAndClose(clientFD, "ok\n")
	case "tick":
		d.replyAndClose(clientFD, "error: tick is internal only\n")
	case "":
		// Empty line: a malformed request, not a command (spec §7
		// "Client/originator errors").
		_ = framing.CloseFD(clientFD)
	case "scan", "relayok", "senderok", "recipok":
		if !privileged {
			d.rejectPrivileged(clientFD)
			return
		}
		d.admit(req, clientFD)
	default:
		if !privileged {
			d.rejectPrivileged(clientFD)
			return
		}
		d.admit(req, clientFD)
	}
}

func (d *Dispatcher) counterValue(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func (d *Dispatcher) activationsValue() int64 {
	if d.Counters.Activations == nil {
		return 0
	}
	return d.Counters.Activations()
}

// StatusLine exposes the compact "status" verb reply so the supervisor
// can reuse it for the periodic log-status heartbeat (spec §9 / the
// "-L" CLI option).
func (d *Dispatcher) StatusLine() string { return d.statusLine().Format() }

func (d *Dispatcher) rejectPrivileged(clientFD int) {
	d.replyAndClose(clientFD, "error: privileged verb on unprivileged socket\n")
}

func (d *Dispatcher) replyAndClose(clientFD int, msg string) {
	_, err := framing.WriteBuf(d.Loop, clientFD, []byte(msg), d.ClientTimeout, func(framing.CompletionFlag) {
		_ = framing.CloseFD(clientFD)
	})
	if err != nil {
		_ = framing.CloseFD(clientFD)
	}
}

// admit implements spec §4.3 "Request admission and queueing".
func (d *Dispatcher) admit(req wire.Request, clientFD int) {
	if req.Cmd == wire.RecipOk && d.perDomainCapHit(req) {
		d.replyAndClose(clientFD, wire.PerDomainCapReply())
		return
	}

	w := d.Pool.FindFreeWorker(req.Cmd)
	if w == nil {
		d.enqueueOrReject(req, clientFD)
		return
	}
	if w.State == wire.Stopped {
		if err := d.Pool.Activate(w); err != nil {
			if d.Log != nil {
				d.Log.Warning().Int("slot", w.Index).Err(err).Log("activation failed")
			}
			d.replyAndClose(clientFD, "error: Unable to activate worker\n")
			return
		}
	}
	d.dispatchToWorker(w, req, clientFD)
}

func (d *Dispatcher) perDomainCapHit(req wire.Request) bool {
	if d.PerDomainCap <= 0 {
		return false
	}
	domain := strings.ToLower(req.RecipientDomain())
	count := 0
	for _, w := range d.Pool.Slots() {
		if w.State == wire.Busy && w.Cmd == wire.RecipOk && strings.ToLower(w.Domain) == domain {
			count++
		}
	}
	return count >= d.PerDomainCap
}

func (d *Dispatcher) enqueueOrReject(req wire.Request, clientFD int) {
	if d.Queue == nil || d.Queue.Capacity() <= 0 {
		d.replyAndClose(clientFD, "error: No free workers\n")
		return
	}
	entry := &queue.Entry{CmdLine: req.Raw, ClientFD: clientFD}
	if err := d.Queue.Enqueue(entry); err != nil {
		d.replyAndClose(clientFD, "error: No free workers\n")
		return
	}
	entry.TimeoutHandle = d.Loop.AddTimer(d.QueueTimeout, func() {
		if d.Queue.Remove(entry) {
			d.replyAndClose(clientFD, "error: Queued request timed out\n")
		}
	})
}

// DequeueNext is called by the supervisor whenever a worker returns to
// Idle, implementing spec §4.3's "when a worker returns to Idle ...
// calls dequeue".
func (d *Dispatcher) DequeueNext() {
	if d.Queue == nil {
		return
	}
	entry, ok := d.Queue.DequeueHead()
	if !ok {
		return
	}
	_ = d.Loop.Remove(entry.TimeoutHandle)
	req := wire.ParseRequest(entry.CmdLine)
	d.admit(req, entry.ClientFD)
}

func (d *Dispatcher) dispatchToWorker(w *worker.Worker, req wire.Request, clientFD int) {
	d.Pool.Dispatch(w, req, clientFD, func(result pool.DispatchResult) {
		latency := result.LatencyMs
		if result.Err != nil {
			errMsg := "ERR No response from worker\n"
			if result.Prejudice {
				errMsg = "ERR Filter timed out; worker did not reply\n"
			}
			d.replyAndClose(clientFD, errMsg)
			d.Pool.Kill(w, result.Prejudice)
			if !result.Prejudice && d.Notify != nil {
				d.Notify.Publish("U worker I/O error")
			}
			return
		}
		d.replyAndClose(clientFD, string(result.Reply)+"\n")
		w.FinishRequest()
		if d.History != nil {
			busy := d.Pool.BusyCount()
			d.History.RecordCompletion(req.Cmd, busy, latency)
			if req.Cmd == wire.Scan && d.Counters.MsgsProcessed != nil {
				*d.Counters.MsgsProcessed++
			}
		}
		// Release's idle hook (wired by the supervisor) takes care of
		// offering the freed worker to any queued request.
		d.Pool.Release(w)
	})
}

func (d *Dispatcher) statusLine() wire.StatusLine {
	states := make([]wire.WorkerState, 0, len(d.Pool.Slots()))
	for _, w := range d.Pool.Slots() {
		states = append(states, w.State)
	}
	queued := 0
	queueCap := 0
	if d.Queue != nil {
		queued = d.Queue.Len()
		queueCap = d.Queue.Capacity()
	}
	return wire.StatusLine{
		SlotStates:  states,
		MsgsProc:    d.counterValue(d.Counters.MsgsProcessed),
		Activations: d.activationsValue(),
		QueueSize:   queueCap,
		Queued:      queued,
		UptimeSec:   int64(time.Since(d.StartTime).Seconds()),
	}
}

func (d *Dispatcher) barStatus() string {
	var b strings.Builder
	for _, w := range d.Pool.Slots() {
		b.WriteByte(w.State.Letter())
	}
	b.WriteByte('\n')
	return b.String()
}

func (d *Dispatcher) workersReport(busyOnly bool) string {
	var b strings.Builder
	for _, w := range d.Pool.Slots() {
		if busyOnly && w.State != wire.Busy {
			continue
		}
		fmt.Fprintf(&b, "slot %d: state=%s pid=%d requests=%d scans=%d lastCmd=%s\n",
			w.Index, w.State, w.PID, w.NumRequests, w.NumScans, w.LastCmd)
	}
	return b.String()
}

func (d *Dispatcher) workerInfo(req wire.Request) string {
	n, err := strconv.Atoi(req.Qid())
	if err != nil || n < 0 || n >= len(d.Pool.Slots()) {
		return "error: invalid slot\n"
	}
	w := d.Pool.Slots()[n]
	var b strings.Builder
	fmt.Fprintf(&b, "slot: %d\n", w.Index)
	fmt.Fprintf(&b, "state: %s\n", w.State)
	fmt.Fprintf(&b, "pid: %d\n", w.PID)
	fmt.Fprintf(&b, "requests: %d\n", w.NumRequests)
	fmt.Fprintf(&b, "scans: %d\n", w.NumScans)
	fmt.Fprintf(&b, "activated: %d\n", w.Activated)
	fmt.Fprintf(&b, "lastCmd: %s\n", w.LastCmd)
	fmt.Fprintf(&b, "statusTag: %s\n", w.StatusTag)
	fmt.Fprintf(&b, "qid: %s\n", w.Qid)
	fmt.Fprintf(&b, "workdir: %s\n", w.Workdir)
	return b.String()
}

func (d *Dispatcher) loadReport(cmd wire.Command, windowSec int) string {
	totals, err := d.History.TotalsOverWindow(cmd, windowSec)
	if err != nil {
		return "error: " + err.Error() + "\n"
	}
	return fmt.Sprintf("count=%d avgWorkers=%.2f avgLatencyMs=%.2f activated=%d reaped=%d\n",
		totals.Count, totals.AvgWorkers(), totals.AvgLatencyMs(), totals.Activated, totals.Reaped)
}

func (d *Dispatcher) load1Report(req wire.Request) string {
	back, err := strconv.Atoi(req.Qid())
	if err != nil || back < 10 || back > 600 {
		return "error: back must be in [10, 600]\n"
	}
	totals, terr := d.History.TotalsOverWindow(wire.Scan, back)
	if terr != nil {
		return "error: " + terr.Error() + "\n"
	}
	return fmt.Sprintf("%d %d %.2f %.2f\n", back, totals.Count, totals.AvgWorkers(), totals.AvgLatencyMs())
}

func (d *Dispatcher) hloadReport(cmd wire.Command, req wire.Request) string {
	hours := 1
	if v, err := strconv.Atoi(req.Qid()); err == nil {
		hours = v
	}
	totals, err := d.History.TotalsOverHours(cmd, hours)
	if err != nil {
		return "error: " + err.Error() + "\n"
	}
	return fmt.Sprintf("hours=%d count=%d avgWorkers=%.2f avgLatencyMs=%.2f firstSec=%d lastSec=%d\n",
		hours, totals.Count, totals.AvgWorkers(), totals.AvgLatencyMs(), totals.FirstSec, totals.LastSec)
}

func (d *Dispatcher) histoReport() string {
	var b strings.Builder
	for i, w := range d.Pool.Slots() {
		fmt.Fprintf(&b, "%d %d\n", i+1, w.Histo)
	}
	return b.String()
}

const helpText = `help free version status rawstatus barstatus workers busyworkers
workerinfo msgs load load-relayok load-senderok load-recipok hload load1
histo reread scan relayok senderok recipok
`
