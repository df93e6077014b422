package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/milterpool/multiplexor/internal/reactor"
	"github.com/milterpool/multiplexor/internal/wire"
	"github.com/milterpool/multiplexor/internal/worker"
)

func newTestPool(t *testing.T, maxWorkers int) *Pool {
	t.Helper()
	loop, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return New(loop, worker.Config{}, Config{MaxWorkers: maxWorkers}, nil, nil)
}

func TestFindFreeWorkerPrefersLastCmdMatch(t *testing.T) {
	p := newTestPool(t, 3)
	a, b, c := p.slots[0], p.slots[1], p.slots[2]
	a.LastCmd, a.Activated = wire.RelayOk, 1
	b.LastCmd, b.Activated = wire.Scan, 2
	c.LastCmd, c.Activated = wire.Scan, 3
	p.stopped = nil
	p.idle = []*worker.Worker{a, b, c}

	got := p.FindFreeWorker(wire.Scan)
	require.Same(t, b, got) // matches LastCmd, lowest Activated among matches
}

func TestFindFreeWorkerFallsBackToLowestActivated(t *testing.T) {
	p := newTestPool(t, 2)
	a, b := p.slots[0], p.slots[1]
	a.LastCmd, a.Activated = wire.RelayOk, 5
	b.LastCmd, b.Activated = wire.SenderOk, 1
	p.stopped = nil
	p.idle = []*worker.Worker{a, b}

	got := p.FindFreeWorker(wire.Scan)
	require.Same(t, b, got) // no match; lowest activated wins
}

func TestFindFreeWorkerNoneMatchesAnyCommand(t *testing.T) {
	p := newTestPool(t, 1)
	a := p.slots[0]
	a.LastCmd, a.Activated = wire.None, 1
	p.stopped = nil
	p.idle = []*worker.Worker{a}

	require.Same(t, a, p.FindFreeWorker(wire.Scan))
}

func TestFindFreeWorkerFallsBackToStoppedHead(t *testing.T) {
	p := newTestPool(t, 2)
	got := p.FindFreeWorker(wire.Scan)
	require.Same(t, p.slots[0], got)
}

func TestHistogramAccumulatesOnBusyTransition(t *testing.T) {
	p := newTestPool(t, 4)
	for _, w := range p.slots {
		p.moveList(w, wire.Stopped, wire.Idle)
	}
	for i := 0; i < 3; i++ {
		p.moveList(p.slots[i], wire.Idle, wire.Busy)
		k := len(p.busy)
		p.slots[k-1].Histo++
	}
	require.EqualValues(t, 1, p.slots[2].Histo)

	p.moveList(p.slots[0], wire.Busy, wire.Idle)
	p.moveList(p.slots[1], wire.Busy, wire.Idle)
	p.moveList(p.slots[0], wire.Idle, wire.Busy)
	p.moveList(p.slots[1], wire.Idle, wire.Busy)
	k := len(p.busy)
	p.slots[k-1].Histo++
	require.EqualValues(t, 1, p.slots[1].Histo)
}

func TestFreeCountExcludesBusyAndKilled(t *testing.T) {
	p := newTestPool(t, 3)
	require.Equal(t, 3, p.FreeCount())
	p.moveList(p.slots[0], wire.Stopped, wire.Idle)
	p.moveList(p.slots[1], wire.Stopped, wire.Busy)
	p.moveList(p.slots[2], wire.Stopped, wire.Killed)
	require.Equal(t, 1, p.FreeCount())
}

func TestBumpGenerationKillsIdleOnly(t *testing.T) {
	p := newTestPool(t, 2)
	idleW := p.slots[0]
	busyW := p.slots[1]
	p.moveList(idleW, wire.Stopped, wire.Idle)
	idleW.State = wire.Idle
	idleW.PID = 0
	idleW.StdinFD = -1
	p.moveList(busyW, wire.Stopped, wire.Busy)
	busyW.State = wire.Busy
	busyW.PID = 0

	p.BumpGeneration()

	require.Equal(t, wire.Killed, idleW.State)
	require.Equal(t, wire.Busy, busyW.State)
	require.Equal(t, uint64(1), p.Generation())
}

func TestSweepIdleKillsOnlyStaleWorkersAboveMinimum(t *testing.T) {
	p := newTestPool(t, 2)
	stale, fresh := p.slots[0], p.slots[1]
	stale.PID, fresh.PID = 0, 0
	stale.StdinFD, fresh.StdinFD = -1, -1
	p.moveList(stale, wire.Stopped, wire.Idle)
	p.moveList(fresh, wire.Stopped, wire.Idle)
	stale.State, fresh.State = wire.Idle, wire.Idle
	stale.IdleTime = time.Now().Add(-time.Hour)
	fresh.IdleTime = time.Now()

	p.SweepIdle(time.Minute, 1)

	require.Equal(t, wire.Killed, stale.State)
	require.Equal(t, wire.Idle, fresh.State)
}

func TestSweepIdleStopsAtMinimum(t *testing.T) {
	p := newTestPool(t, 2)
	a, b := p.slots[0], p.slots[1]
	a.PID, b.PID = 0, 0
	a.StdinFD, b.StdinFD = -1, -1
	p.moveList(a, wire.Stopped, wire.Idle)
	p.moveList(b, wire.Stopped, wire.Idle)
	a.State, b.State = wire.Idle, wire.Idle
	a.IdleTime = time.Now().Add(-time.Hour)
	b.IdleTime = time.Now().Add(-time.Hour)

	p.SweepIdle(time.Minute, 2)

	require.Equal(t, wire.Idle, a.State)
	require.Equal(t, wire.Idle, b.State)
}

type recordingNotifier struct {
	msgs []string
}

func (n *recordingNotifier) Publish(msg string) { n.msgs = append(n.msgs, msg) }

func TestMarkDeadBroadcastsUWithoutB(t *testing.T) {
	loop, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	n := &recordingNotifier{}
	p := New(loop, worker.Config{}, Config{MaxWorkers: 1}, nil, n)

	w := p.slots[0]
	w.PID = 0 // already reaped; MarkDead must not signal
	w.StdinFD = -1
	p.moveList(w, wire.Stopped, wire.Busy)
	w.State = wire.Busy

	p.MarkDead(w)

	require.Equal(t, wire.Killed, w.State)
	var sawU, sawB bool
	for _, m := range n.msgs {
		switch m[0] {
		case 'U':
			sawU = true
		case 'B':
			sawB = true
		}
	}
	require.True(t, sawU)
	require.False(t, sawB)
}

func TestKillWithPrejudiceBroadcastsB(t *testing.T) {
	loop, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	n := &recordingNotifier{}
	p := New(loop, worker.Config{}, Config{MaxWorkers: 1}, nil, n)

	w := p.slots[0]
	w.PID = 0
	w.StdinFD = -1
	p.moveList(w, wire.Stopped, wire.Busy)
	w.State = wire.Busy

	p.Kill(w, true)

	var sawB bool
	for _, m := range n.msgs {
		if m[0] == 'B' {
			sawB = true
		}
	}
	require.True(t, sawB)
}

func TestReleaseAppliesQueueGraceWindow(t *testing.T) {
	p := newTestPool(t, 1)
	p.poolCfg.MaxRequestsPerWorker = 10
	pending := true
	p.SetQueuePending(func() bool { return pending })

	w := p.slots[0]
	w.PID = 0
	w.StdinFD = -1
	p.moveList(w, wire.Stopped, wire.Busy)
	w.State = wire.Busy
	w.NumRequests = 20 // over the limit, but inside the 3x grace window

	w.FinishRequest()
	p.Release(w)
	require.Equal(t, wire.Idle, w.State)

	// With nothing queued the same count expires immediately.
	pending = false
	p.moveList(w, wire.Idle, wire.Busy)
	w.State = wire.Busy
	w.FinishRequest()
	p.Release(w)
	require.Equal(t, wire.Killed, w.State)
}

func TestMaintainMinimumNoopWhenActivationFails(t *testing.T) {
	// An empty WorkerProgram fails to exec; MaintainMinimum must not
	// loop forever retrying the same stopped slot.
	p := newTestPool(t, 2)
	p.MaintainMinimum(2)
	require.Equal(t, 2, len(p.stopped))
}
