package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/milterpool/multiplexor/internal/framing"
	"github.com/milterpool/multiplexor/internal/history"
	"github.com/milterpool/multiplexor/internal/pool"
	"github.com/milterpool/multiplexor/internal/queue"
	"github.com/milterpool/multiplexor/internal/reactor"
	"github.com/milterpool/multiplexor/internal/wire"
	"github.com/milterpool/multiplexor/internal/worker"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, framing.SetNonBlockingCloseOnExec(fds[0]))
	require.NoError(t, framing.SetNonBlockingCloseOnExec(fds[1]))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func readAvailable(t *testing.T, fd int) string {
	t.Helper()
	buf := make([]byte, 512)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func newDispatcher(t *testing.T, maxWorkers int) (*Dispatcher, *reactor.Loop) {
	t.Helper()
	loop, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	wcfg := worker.Config{
		WorkerProgram: "/bin/cat",
		BusyTimeout:   2 * time.Second,
		ClientTimeout: 2 * time.Second,
		MaxLineLen:    4096,
	}
	p := pool.New(loop, wcfg, pool.Config{MaxWorkers: maxWorkers}, nil, nil)
	d := &Dispatcher{
		Loop:          loop,
		Pool:          p,
		History:       history.New(),
		Queue:         queue.New(4),
		ClientTimeout: 2 * time.Second,
		QueueTimeout:  2 * time.Second,
		MaxLineLen:    4096,
		StartTime:     time.Now(),
	}
	return d, loop
}

func TestFreeVerbReportsAllSlotsFree(t *testing.T) {
	d, _ := newDispatcher(t, 3)
	srv, cli := socketpair(t)
	d.HandleConnection(srv, false)
	_, err := unix.Write(cli, []byte("free\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, "3\n", readAvailable(t, cli))
}

func TestVersionVerb(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	srv, cli := socketpair(t)
	d.HandleConnection(srv, false)
	_, err := unix.Write(cli, []byte("version\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, Version+"\n", readAvailable(t, cli))
}

func TestRawstatusRejectedOnUnprivilegedSocket(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	srv, cli := socketpair(t)
	d.HandleConnection(srv, false)
	_, err := unix.Write(cli, []byte("rawstatus\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, "error: privileged verb on unprivileged socket\n", readAvailable(t, cli))
}

func TestScanRejectedOnUnprivilegedSocket(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	srv, cli := socketpair(t)
	d.HandleConnection(srv, false)
	_, err := unix.Write(cli, []byte("scan abc123 /tmp/work\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, "error: privileged verb on unprivileged socket\n", readAvailable(t, cli))
}

func TestScanDispatchesToWorkerAndForwardsReply(t *testing.T) {
	d, loop := newDispatcher(t, 1)
	srv, cli := socketpair(t)
	d.HandleConnection(srv, true)
	_, err := unix.Write(cli, []byte("scan abc123 /tmp/work\n"))
	require.NoError(t, err)

	// Let the read, activation, and worker-write/read round trip complete.
	// /bin/cat is started as "cat -b" (Activate always appends the
	// -b/-bs server-mode flag), which prefixes the echoed line with a
	// deterministic line number: for a single input line this is always
	// "     1\t<line>\n", so the full reply (worker line plus the single
	// trailing newline dispatch.go adds) is asserted exactly.
	for i := 0; i < 20; i++ {
		require.NoError(t, loop.RunOnce())
	}

	require.Equal(t, "     1\tscan abc123 /tmp/work\n", readAvailable(t, cli))
	require.Equal(t, 1, d.Pool.FreeCount())
}

func TestBarstatusReflectsSlotCount(t *testing.T) {
	d, _ := newDispatcher(t, 2)
	srv, cli := socketpair(t)
	d.HandleConnection(srv, false)
	_, err := unix.Write(cli, []byte("barstatus\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, "SS\n", readAvailable(t, cli))
}

func TestHistoReportListsOneLinePerSlot(t *testing.T) {
	d, _ := newDispatcher(t, 2)
	srv, cli := socketpair(t)
	d.HandleConnection(srv, false)
	_, err := unix.Write(cli, []byte("histo\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, "1 0\n2 0\n", readAvailable(t, cli))
}

func TestQueueFullRejectsOverflowRequest(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	d.Queue = queue.New(1)

	// Occupy the only worker without running the reactor, so it stays
	// Busy for both requests below.
	w := d.Pool.FindFreeWorker(wire.Scan)
	require.NotNil(t, w)
	require.NoError(t, d.Pool.Activate(w))
	d.Pool.Dispatch(w, wire.ParseRequest("scan Q1 /tmp/w1"), -1, func(pool.DispatchResult) {})

	// Second request: no free worker, queue has room, so it is deferred.
	srv2, cli2 := socketpair(t)
	d.HandleConnection(srv2, true)
	_, err := unix.Write(cli2, []byte("scan Q2 /tmp/w2\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, 1, d.Queue.Len())

	// Third request: queue full, rejected immediately.
	srv3, cli3 := socketpair(t)
	d.HandleConnection(srv3, true)
	_, err = unix.Write(cli3, []byte("scan Q3 /tmp/w3\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, "error: No free workers\n", readAvailable(t, cli3))
}

func TestPerDomainCapRejectsRecipokOverCap(t *testing.T) {
	d, _ := newDispatcher(t, 2)
	d.PerDomainCap = 1

	// Drive one worker straight to Busy on "example.com" without letting
	// the reactor run the write/read round trip to completion, so it
	// stays genuinely Busy for the cap check below regardless of how
	// fast the stand-in worker program replies.
	w := d.Pool.FindFreeWorker(wire.RecipOk)
	require.NotNil(t, w)
	require.NoError(t, d.Pool.Activate(w))
	req1 := wire.ParseRequest("recipok foo@example.com")
	d.Pool.Dispatch(w, req1, -1, func(pool.DispatchResult) {})
	require.Equal(t, 1, d.Pool.BusyCount())

	srv2, cli2 := socketpair(t)
	d.HandleConnection(srv2, true)
	_, err := unix.Write(cli2, []byte("recipok bar@example.com\n"))
	require.NoError(t, err)
	require.NoError(t, d.Loop.RunOnce())
	require.Equal(t, "ok -1 Per-domain%20recipok%20limit%20hit;%20please%20try%20again%20later\n", readAvailable(t, cli2))
}
