// Package reactor implements the single-threaded readiness/timer event loop
// that every other component in this module is wired through (spec §2.1,
// §5). It is grounded in the teacher repository's epoll poller and
// eventfd-based self-pipe (go-eventloop's poller_linux.go / wakeup_linux.go),
// simplified to the cooperative, single-goroutine model this system
// requires: there is no fast path, no microtask ring, and no promise
// registry, because nothing here is ever submitted from a second thread
// except the one byte written by a signal handler (see Signal).
package reactor

// Interest is a bitmask of readiness conditions a handler wants to be
// notified of.
type Interest uint8

const (
	// Readable requests notification when the fd has data to read (or, for
	// a listening socket, a pending connection).
	Readable Interest = 1 << iota
	// Writable requests notification when the fd can accept a write
	// without blocking (also used to detect non-blocking connect
	// completion).
	Writable
)

// Flags reports which conditions fired for a given wakeup. Timeout is set
// on its own, with no interest bits, when an operation's deadline elapsed
// before anything else did.
type Flags uint8

const (
	FlagReadable Flags = 1 << iota
	FlagWritable
	FlagTimeout
)

func (f Flags) Readable() bool { return f&FlagReadable != 0 }
func (f Flags) Writable() bool { return f&FlagWritable != 0 }
func (f Flags) Timeout() bool  { return f&FlagTimeout != 0 }
