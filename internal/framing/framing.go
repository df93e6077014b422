// Package framing builds the non-blocking, callback-based I/O primitives
// spec §4.1 calls the "framed I/O layer": read-until-delimiter-or-budget,
// whole-buffer write, length-prefixed netstrings, and non-blocking
// connect. Every higher layer (worker stdin/stdout plumbing, the control
// dispatcher, the notification bus) is built on these ops for its socket
// and pipe I/O; the reactor's signal self-pipe and the supervisor's
// pidfile and daemon handshake do their own reads and writes.
package framing

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/milterpool/multiplexor/internal/reactor"
)

// CompletionFlag reports how a framed-I/O operation ended.
type CompletionFlag uint8

const (
	Complete CompletionFlag = iota
	IOError
	EOF
	Timeout
)

func (f CompletionFlag) String() string {
	switch f {
	case Complete:
		return "complete"
	case IOError:
		return "io-error"
	case EOF:
		return "eof"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// NoDeadline disables the timeout for an operation.
const NoDeadline time.Duration = 0

// ErrTooManyListeners is returned when a fixed-capacity listener slot
// set (spec §3: notification bus) is already full.
var ErrTooManyListeners = errors.New("framing: too many listeners")

// CloseFD closes fd, ignoring EINTR/EBADF the way spec §4.1 treats a
// close on an already-torn-down connection as a no-op.
func CloseFD(fd int) error {
	err := unix.Close(fd)
	if err == unix.EBADF || err == unix.EINTR {
		return nil
	}
	return err
}

// Op is a handle on an in-flight framed-I/O operation. Cancel guarantees
// the completion callback never fires and releases any reactor
// registration the op holds (spec §3: "pendingIO ... canceling it is
// required before reusing the descriptor").
//
// An op may hold both an fd registration and an independent deadline
// timer at once: a read or write that needs more than one readiness
// event to finish keeps the same fd registration armed across every
// event (epoll is level-triggered, so it fires again on its own) while
// the timer enforces one deadline for the whole operation, not just its
// first readiness event.
type Op struct {
	loop        *reactor.Loop
	fdHandle    reactor.Handle
	timerHandle reactor.Handle
	hasFD       bool
	hasTimer    bool
	done        bool
}

// Cancel aborts the operation. Safe to call more than once.
func (o *Op) Cancel() {
	if o == nil || o.done {
		return
	}
	o.done = true
	o.release()
}

// release drops any reactor registrations this op still holds, without
// touching done or invoking a callback. Called both by Cancel and by
// every normal-completion path, since a finished op must stop watching
// its fd and its timer exactly as much as a cancelled one must.
func (o *Op) release() {
	if o.hasFD {
		_ = o.loop.Remove(o.fdHandle)
		o.hasFD = false
	}
	if o.hasTimer {
		_ = o.loop.Remove(o.timerHandle)
		o.hasTimer = false
	}
}

func setNonBlockingCloseOnExec(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	return err
}

// SetNonBlockingCloseOnExec exposes setNonBlockingCloseOnExec: spec §4.1
// requires "every new fd the system opens must be set non-blocking and
// close-on-exec", and this is the one place that invariant is enforced.
func SetNonBlockingCloseOnExec(fd int) error { return setNonBlockingCloseOnExec(fd) }

// ReadBufFunc is invoked exactly once when a ReadBuf operation completes,
// times out, or fails.
type ReadBufFunc func(buf []byte, n int, flag CompletionFlag)

// ReadBuf reads from fd until either maxLen bytes have accumulated or
// delim is seen (delim < 0 disables the delimiter search), per spec
// §4.1.1. When chunked is false and a delimiter is being searched for,
// every read is a single byte so the search never consumes past the
// delimiter; when
// chunked is true, bytes read past the delimiter in the same syscall are
// simply discarded from the returned length (the caller only sees up to
// and including delim).
func ReadBuf(loop *reactor.Loop, fd int, maxLen int, delim int, timeout time.Duration, chunked bool, cb ReadBufFunc) (*Op, error) {
	st := &readState{
		loop:    loop,
		fd:      fd,
		buf:     make([]byte, 0, maxLen),
		maxLen:  maxLen,
		delim:   delim,
		chunked: chunked,
		timeout: timeout,
		cb:      cb,
	}
	op := &Op{loop: loop}
	st.op = op

	// Try a synchronous first attempt: many replies are already fully
	// buffered in the kernel socket/pipe by the time we get here.
	if st.tryRead() {
		return op, nil
	}

	if err := st.arm(); err != nil {
		return nil, err
	}
	return op, nil
}

type readState struct {
	op      *Op
	loop    *reactor.Loop
	fd      int
	buf     []byte
	maxLen  int
	delim   int
	chunked bool
	timeout time.Duration
	cb      ReadBufFunc
}

// arm registers exactly one fd readiness handler for the lifetime of the
// whole operation (epoll is level-triggered, so a single registration
// keeps firing until the op removes it) plus, independently, one timer
// covering the operation's whole deadline — not just its first readiness
// event, which a read spanning more than one syscall would otherwise
// reset or lose entirely.
func (st *readState) arm() error {
	h, err := st.loop.AddFD(st.fd, reactor.Readable, st.onReadable)
	if err != nil {
		return err
	}
	st.op.fdHandle = h
	st.op.hasFD = true
	if st.timeout > 0 {
		st.op.timerHandle = st.loop.AddTimer(st.timeout, st.onTimeout)
		st.op.hasTimer = true
	}
	return nil
}

func (st *readState) onReadable(int, reactor.Flags) {
	if st.op.done {
		return
	}
	// tryRead calls finish (which releases both registrations) whenever
	// it resolves; an incomplete result just waits for the fd's next
	// readiness event on the same registration.
	st.tryRead()
}

func (st *readState) onTimeout() {
	if st.op.done {
		return
	}
	st.finish(Timeout)
}

// tryRead performs one or more non-blocking read attempts and, if the
// operation is now complete, invokes cb and returns true. It returns
// false if the caller must wait for another readiness event.
func (st *readState) tryRead() bool {
	for {
		remaining := st.maxLen - len(st.buf)
		if remaining <= 0 {
			st.finish(Complete)
			return true
		}

		// When a delimiter is being sought and over-reads aren't allowed,
		// read one byte at a time so the delimiter search never consumes
		// bytes belonging to whatever follows it on the wire.
		chunk := remaining
		if st.delim >= 0 && !st.chunked {
			chunk = 1
		}

		tmp := make([]byte, chunk)
		n, err := unix.Read(st.fd, tmp)
		if n > 0 {
			st.buf = append(st.buf, tmp[:n]...)
			if idx := st.findDelim(n); idx >= 0 {
				if st.chunked {
					st.buf = st.buf[:idx+1]
				}
				st.finish(Complete)
				return true
			}
			if len(st.buf) >= st.maxLen {
				st.finish(Complete)
				return true
			}
			continue
		}
		if n == 0 {
			st.finish(EOF)
			return true
		}
		if errors.Is(err, unix.EAGAIN) {
			return false
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		st.finish(IOError)
		return true
	}
}

// findDelim searches only the most recently appended lastN bytes for
// delim, returning its absolute index in st.buf, or -1.
func (st *readState) findDelim(lastN int) int {
	if st.delim < 0 {
		return -1
	}
	start := len(st.buf) - lastN
	if start < 0 {
		start = 0
	}
	for i := start; i < len(st.buf); i++ {
		if int(st.buf[i]) == st.delim {
			return i
		}
	}
	return -1
}

func (st *readState) finish(flag CompletionFlag) {
	st.op.done = true
	st.op.release()
	st.cb(st.buf, len(st.buf), flag)
}

// WriteBufFunc is invoked exactly once when a WriteBuf operation
// completes, times out, or fails.
type WriteBufFunc func(flag CompletionFlag)

// WriteBuf writes exactly len(buf) bytes to fd (spec §4.1.2).
func WriteBuf(loop *reactor.Loop, fd int, buf []byte, timeout time.Duration, cb WriteBufFunc) (*Op, error) {
	st := &writeState{loop: loop, fd: fd, buf: buf, timeout: timeout, cb: cb}
	op := &Op{loop: loop}
	st.op = op

	if st.tryWrite() {
		return op, nil
	}
	if err := st.arm(); err != nil {
		return nil, err
	}
	return op, nil
}

type writeState struct {
	op      *Op
	loop    *reactor.Loop
	fd      int
	buf     []byte
	offset  int
	timeout time.Duration
	cb      WriteBufFunc
}

// arm registers exactly one fd readiness handler for the lifetime of the
// whole operation, mirroring readState.arm: epoll re-fires the same
// registration on every writable event, and a separate timer covers the
// operation's whole deadline rather than just its first event.
func (st *writeState) arm() error {
	h, err := st.loop.AddFD(st.fd, reactor.Writable, st.onWritable)
	if err != nil {
		return err
	}
	st.op.fdHandle = h
	st.op.hasFD = true
	if st.timeout > 0 {
		st.op.timerHandle = st.loop.AddTimer(st.timeout, st.onTimeout)
		st.op.hasTimer = true
	}
	return nil
}

func (st *writeState) onWritable(int, reactor.Flags) {
	if st.op.done {
		return
	}
	st.tryWrite()
}

func (st *writeState) onTimeout() {
	if st.op.done {
		return
	}
	st.finish(Timeout)
}

func (st *writeState) tryWrite() bool {
	for st.offset < len(st.buf) {
		n, err := unix.Write(st.fd, st.buf[st.offset:])
		if n > 0 {
			st.offset += n
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return false
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		st.finish(IOError)
		return true
	}
	st.finish(Complete)
	return true
}

func (st *writeState) finish(flag CompletionFlag) {
	st.op.done = true
	st.op.release()
	st.cb(flag)
}
