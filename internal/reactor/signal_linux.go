//go:build linux

package reactor

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// signalQueue is the one piece of state shared between the relay
// goroutine and the loop goroutine; a plain mutex is sufficient since
// signals are rare events, not a hot path.
type signalQueue struct {
	mu      sync.Mutex
	pending []os.Signal
}

func (q *signalQueue) push(s os.Signal) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	q.mu.Unlock()
}

func (q *signalQueue) drain() []os.Signal {
	q.mu.Lock()
	out := q.pending
	q.pending = nil
	q.mu.Unlock()
	return out
}

// SignalBridge turns os/signal notifications into loop wakeups via a
// self-pipe, per spec §2 item 9 and §5's "self-pipe discipline": a
// signal handler must never touch loop state directly, it only has to
// cause the next RunOnce to observe the signal. Grounded in
// eventloop's eventfd-based wake mechanism (wakeup_linux.go), but backed
// here by a real pipe(2) since Go's signal.Notify already gives us an
// async-signal-safe channel send — the self-pipe only needs to be
// readable by epoll, not itself async-signal-safe.
type SignalBridge struct {
	readFD, writeFD int
	ch              chan os.Signal
	done            chan struct{}
	pending         signalQueue
}

// NewSignalBridge creates the self-pipe and starts relaying the given
// signals onto it. Call Close to stop relaying and release the pipe.
func NewSignalBridge(sigs ...os.Signal) (*SignalBridge, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}
	b := &SignalBridge{
		readFD:  fds[0],
		writeFD: fds[1],
		ch:      make(chan os.Signal, 16),
		done:    make(chan struct{}),
	}
	signal.Notify(b.ch, sigs...)
	go b.relay()
	return b, nil
}

// relay is the only goroutine besides the loop goroutine in this
// process; it does nothing but turn a received signal into one byte on
// the self-pipe, which the loop goroutine later reads via its normal
// Readable handler. This preserves the single-threaded-supervisor
// invariant: all interpretation of "what happened" still runs on the
// loop goroutine.
func (b *SignalBridge) relay() {
	for {
		select {
		case sig := <-b.ch:
			b.pending.push(sig)
			_, _ = unix.Write(b.writeFD, []byte{1})
		case <-b.done:
			return
		}
	}
}

// FD is the read end, suitable for AddFD(fd, Readable, ...).
func (b *SignalBridge) FD() int { return b.readFD }

// Drain reads and discards all pending wakeup bytes and returns the
// signals observed since the last Drain, oldest first.
func (b *SignalBridge) Drain() []os.Signal {
	var buf [64]byte
	for {
		_, err := unix.Read(b.readFD, buf[:])
		if err != nil {
			break
		}
	}
	return b.pending.drain()
}

// Close stops relaying signals and releases the pipe.
func (b *SignalBridge) Close() error {
	signal.Stop(b.ch)
	close(b.done)
	_ = unix.Close(b.writeFD)
	return unix.Close(b.readFD)
}
