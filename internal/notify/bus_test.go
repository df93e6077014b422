package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/milterpool/multiplexor/internal/framing"
	"github.com/milterpool/multiplexor/internal/reactor"
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
	buf := make([]byte, 256)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestAcceptSendsGreetingAndAppliesSubscription(t *testing.T) {
	loop, err := reactor.New()
	require.NoError(t, err)
	defer loop.Close()

	bus := New(loop, 5, time.Second)
	srv, cli := socketpair(t)

	require.NoError(t, bus.Accept(srv))
	require.Equal(t, "*OK\n", readAvailable(t, cli))

	_, err = unix.Write(cli, []byte("?RB\n"))
	require.NoError(t, err)
	require.NoError(t, loop.RunOnce())

	require.Equal(t, 1, bus.ListenerCount())
}

func TestPublishDeliversToSubscribedListenerOnly(t *testing.T) {
	loop, err := reactor.New()
	require.NoError(t, err)
	defer loop.Close()

	bus := New(loop, 5, time.Second)

	srv1, cli1 := socketpair(t)
	require.NoError(t, bus.Accept(srv1))
	require.Equal(t, "*OK\n", readAvailable(t, cli1))
	_, err = unix.Write(cli1, []byte("?R\n"))
	require.NoError(t, err)
	require.NoError(t, loop.RunOnce())

	srv2, cli2 := socketpair(t)
	require.NoError(t, bus.Accept(srv2))
	require.Equal(t, "*OK\n", readAvailable(t, cli2))
	_, err = unix.Write(cli2, []byte("?B\n"))
	require.NoError(t, err)
	require.NoError(t, loop.RunOnce())

	bus.Publish("R reload complete")

	require.Equal(t, "R reload complete\n", readAvailable(t, cli1))

	buf := make([]byte, 16)
	require.NoError(t, unix.SetNonblock(cli2, true))
	_, rerr := unix.Read(cli2, buf)
	require.Equal(t, unix.EAGAIN, rerr)
}

func TestPublishWildcardSubscription(t *testing.T) {
	loop, err := reactor.New()
	require.NoError(t, err)
	defer loop.Close()

	bus := New(loop, 5, time.Second)
	srv, cli := socketpair(t)
	require.NoError(t, bus.Accept(srv))
	require.Equal(t, "*OK\n", readAvailable(t, cli))
	_, err = unix.Write(cli, []byte("?*\n"))
	require.NoError(t, err)
	require.NoError(t, loop.RunOnce())

	bus.Publish("Z free slots exhausted")
	require.Equal(t, "Z free slots exhausted\n", readAvailable(t, cli))
}

func TestAcceptRejectsBeyondMaxListeners(t *testing.T) {
	loop, err := reactor.New()
	require.NoError(t, err)
	defer loop.Close()

	bus := New(loop, 1, time.Second)
	srv1, _ := socketpair(t)
	require.NoError(t, bus.Accept(srv1))

	srv2, _ := socketpair(t)
	require.ErrorIs(t, bus.Accept(srv2), framing.ErrTooManyListeners)
}
