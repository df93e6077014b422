package framing

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/milterpool/multiplexor/internal/reactor"
)

// ConnectFunc is invoked once with the connect outcome.
type ConnectFunc func(flag CompletionFlag)

// Connect performs a non-blocking connect(2) on fd, completing via
// writable-readiness plus an SO_ERROR check (spec §4.1.5).
func Connect(loop *reactor.Loop, fd int, addr unix.Sockaddr, timeout time.Duration, cb ConnectFunc) (*Op, error) {
	if err := setNonBlockingCloseOnExec(fd); err != nil {
		return nil, err
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		cb(Complete)
		return &Op{loop: loop, done: true}, nil
	}
	if err != unix.EINPROGRESS {
		cb(IOError)
		return &Op{loop: loop, done: true}, nil
	}

	op := &Op{loop: loop}
	handler := func(_ int, flags reactor.Flags) {
		if op.done {
			return
		}
		op.done = true
		// AddFDWithTimeout already removes the registration itself before
		// invoking the handler on the timeout path; on the readiness path
		// (RunOnce's ready-dispatch loop) nothing removes it automatically,
		// so this op must release it on every branch. Remove is harmless to
		// call twice (the timeout path's is already gone).
		op.release()
		if flags.Timeout() {
			cb(Timeout)
			return
		}
		soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil || soErr != 0 {
			cb(IOError)
			return
		}
		cb(Complete)
	}

	var h reactor.Handle
	if timeout > 0 {
		h, err = loop.AddFDWithTimeout(fd, reactor.Writable, timeout, handler)
	} else {
		h, err = loop.AddFD(fd, reactor.Writable, handler)
	}
	if err != nil {
		return nil, err
	}
	op.fdHandle = h
	op.hasFD = true
	return op, nil
}
