package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestLoopFiresOnReadable(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w := pipe(t)

	fired := make(chan Flags, 1)
	_, err = l.AddFD(r, Readable, func(fd int, flags Flags) {
		fired <- flags
	})
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.RunOnce())

	select {
	case f := <-fired:
		require.True(t, f.Readable())
		require.False(t, f.Timeout())
	default:
		t.Fatal("handler did not fire")
	}
}

func TestLoopTimeout(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, _ := pipe(t)

	fired := make(chan Flags, 1)
	_, err = l.AddFDWithTimeout(r, Readable, 5*time.Millisecond, func(fd int, flags Flags) {
		fired <- flags
	})
	require.NoError(t, err)

	require.NoError(t, l.RunOnce())

	select {
	case f := <-fired:
		require.True(t, f.Timeout())
		require.False(t, f.Readable())
	default:
		t.Fatal("timeout handler did not fire")
	}
}

func TestLoopTimerFiresBeforeIOTimeout(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	var order []string
	l.AddTimer(1*time.Millisecond, func() { order = append(order, "timer") })

	r, _ := pipe(t)
	_, err = l.AddFDWithTimeout(r, Readable, 50*time.Millisecond, func(fd int, flags Flags) {
		order = append(order, "fd-timeout")
	})
	require.NoError(t, err)

	require.NoError(t, l.RunOnce())
	require.Equal(t, []string{"timer"}, order)
}

func TestLoopRemoveCancelsHandler(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w := pipe(t)
	called := false
	h, err := l.AddFD(r, Readable, func(fd int, flags Flags) { called = true })
	require.NoError(t, err)
	require.NoError(t, l.Remove(h))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	// RunOnce blocks until something is ready; a short timer makes it return.
	l.AddTimer(5*time.Millisecond, func() {})
	require.NoError(t, l.RunOnce())
	require.False(t, called)
}

func TestLoopRunStopsOnContextCancel(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = l.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
