package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/milterpool/multiplexor/internal/pool"
	"github.com/milterpool/multiplexor/internal/reactor"
	"github.com/milterpool/multiplexor/internal/worker"
)

func newMapDispatcher(t *testing.T, maxWorkers int) (*MapDispatcher, *reactor.Loop) {
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
	m := &MapDispatcher{
		Loop:          loop,
		Pool:          p,
		BusyTimeout:   2 * time.Second,
		ClientTimeout: 2 * time.Second,
	}
	return m, loop
}

func TestMapDispatcherNoFreeWorkers(t *testing.T) {
	m, loop := newMapDispatcher(t, 0)
	srv, cli := socketpair(t)
	m.HandleConnection(srv)

	req := "9:aliases x,"
	_, err := unix.Write(cli, []byte(req))
	require.NoError(t, err)
	require.NoError(t, loop.RunOnce())

	reply := readAvailable(t, cli)
	require.Contains(t, reply, "TEMP")
}

func TestMapDispatcherRoundTrip(t *testing.T) {
	m, loop := newMapDispatcher(t, 1)
	srv, cli := socketpair(t)
	m.HandleConnection(srv)

	req := "9:aliases x,"
	_, err := unix.Write(cli, []byte(req))
	require.NoError(t, err)

	// activation, write, reply read, reply write; a handful of ticks
	// covers fork + pipe plumbing against the real /bin/cat worker.
	for i := 0; i < 20; i++ {
		require.NoError(t, loop.RunOnce())
	}

	// /bin/cat is started as "cat -b", which for a single input line
	// deterministically prefixes it with "     1\t"; the reply netstring's
	// payload must be exactly that plus the worker's line, with no
	// embedded trailing newline left over from the worker's reply.
	reply := readAvailable(t, cli)
	require.Equal(t, "20:     1\tmap aliases x,", reply)
}
