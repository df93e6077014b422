// Package notify implements the secondary broadcast channel of spec
// §4.6: listeners subscribe to a bitmask of event-type letters and
// receive newline-terminated messages.
package notify

import (
	"time"

	"github.com/milterpool/multiplexor/internal/framing"
	"github.com/milterpool/multiplexor/internal/reactor"
)

// MaxPendingBytes bounds a listener's buffered-but-unsent message size;
// beyond it the newest message replaces the pending buffer rather than
// appending (spec §4.6).
const MaxPendingBytes = 4096

// Event codes defined by spec §4.6.
const (
	EventReload       = 'R'
	EventBusyKill     = 'B'
	EventUnexpected   = 'U'
	EventFreeChanged  = 'F'
	EventFreeZero     = 'Z'
	EventFreeNonZero  = 'Y'
	EventStatusChange = 'S'
)

// listener tracks one subscriber connection.
type listener struct {
	fd          int
	mask        uint32 // bit i set => subscribed to letter 'A'+i, or all 26 bits for '*'
	pending     []byte
	writeOp     *framing.Op
	readOp      *framing.Op
	closed      bool
}

func maskBit(letter byte) uint32 {
	if letter < 'A' || letter > 'Z' {
		return 0
	}
	return 1 << uint(letter-'A')
}

// Bus is the notification bus. maxListeners bounds concurrent
// subscribers (spec §3: "Listener slot ... fixed small capacity, e.g.,
// 5").
type Bus struct {
	loop         *reactor.Loop
	maxListeners int
	clientTO     time.Duration
	listeners    []*listener
}

// New creates a bus bound to loop, accepting up to maxListeners
// concurrent subscribers.
func New(loop *reactor.Loop, maxListeners int, clientTimeout time.Duration) *Bus {
	return &Bus{loop: loop, maxListeners: maxListeners, clientTO: clientTimeout}
}

// Accept registers a newly-accepted notification-socket connection: it
// writes "*OK\n" and begins reading subscription lines (spec §4.6).
func (b *Bus) Accept(fd int) error {
	if len(b.listeners) >= b.maxListeners {
		return framing.ErrTooManyListeners
	}
	l := &listener{fd: fd}
	b.listeners = append(b.listeners, l)

	// The callback can fire synchronously, before WriteBuf returns, if the
	// write completes on its first attempt (the common case for a few
	// bytes on a fresh connection). When that happens it may already have
	// started the subscription read and stashed its own op on l.readOp;
	// assigning the stale, already-finished write op to l.writeOp below
	// would make deliver treat the listener as mid-write and buffer its
	// messages indefinitely, so only do it if the callback hasn't already
	// run.
	fired := false
	op, err := framing.WriteBuf(b.loop, fd, []byte("*OK\n"), b.clientTO, func(flag framing.CompletionFlag) {
		fired = true
		if flag != framing.Complete {
			b.closeListener(l)
			return
		}
		b.readSubscription(l)
	})
	if err != nil {
		b.removeListener(l)
		return err
	}
	if !fired {
		l.writeOp = op
	}
	return nil
}

func (b *Bus) readSubscription(l *listener) {
	// Same synchronous-completion hazard as Accept/startWrite: if a
	// subscription line is already fully buffered, the callback below
	// runs before ReadBuf returns and re-arms its own, newer read op via
	// the recursive readSubscription call. Overwriting l.readOp with the
	// stale, already-finished op afterward would orphan that newer
	// registration, so only assign when the callback hasn't already run.
	fired := false
	op, err := framing.ReadBuf(b.loop, l.fd, 64, '\n', b.clientTO, false, func(buf []byte, n int, flag framing.CompletionFlag) {
		fired = true
		if flag != framing.Complete {
			b.closeListener(l)
			return
		}
		b.applySubscription(l, buf[:n])
		b.readSubscription(l)
	})
	if err != nil {
		b.closeListener(l)
		return
	}
	if !fired {
		l.readOp = op
	}
}

func (b *Bus) applySubscription(l *listener, line []byte) {
	s := string(line)
	if len(s) == 0 || s[0] != '?' {
		return
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '*' {
			l.mask = 0x03FFFFFF
			continue
		}
		l.mask |= maskBit(c)
	}
}

// Publish broadcasts msg (without trailing newline; one is appended) to
// every listener subscribed to msg's leading event-code byte.
func (b *Bus) Publish(msg string) {
	if len(msg) == 0 {
		return
	}
	bit := maskBit(msg[0])
	line := msg + "\n"
	for _, l := range b.listeners {
		if l.closed || l.mask&bit == 0 {
			continue
		}
		b.deliver(l, line)
	}
}

func (b *Bus) deliver(l *listener, line string) {
	if l.writeOp != nil {
		// Mid-write: append, or replace if over budget (spec §4.6).
		if len(l.pending)+len(line) > MaxPendingBytes {
			l.pending = []byte(line)
		} else {
			l.pending = append(l.pending, line...)
		}
		return
	}
	b.startWrite(l, []byte(line))
}

func (b *Bus) startWrite(l *listener, buf []byte) {
	// A synchronous completion re-enters startWrite (via the pending-flush
	// branch) and sets l.writeOp for that newer write before this call
	// returns; guard against clobbering it with this call's now-stale,
	// finished op, the same hazard as Accept/readSubscription above.
	fired := false
	op, err := framing.WriteBuf(b.loop, l.fd, buf, b.clientTO, func(flag framing.CompletionFlag) {
		fired = true
		l.writeOp = nil
		if flag != framing.Complete {
			b.closeListener(l)
			return
		}
		if len(l.pending) > 0 {
			next := l.pending
			l.pending = nil
			b.startWrite(l, next)
		}
	})
	if err != nil {
		b.closeListener(l)
		return
	}
	if !fired {
		l.writeOp = op
	}
}

func (b *Bus) closeListener(l *listener) {
	if l.closed {
		return
	}
	l.closed = true
	if l.readOp != nil {
		l.readOp.Cancel()
	}
	if l.writeOp != nil {
		l.writeOp.Cancel()
	}
	_ = framing.CloseFD(l.fd)
	b.removeListener(l)
}

func (b *Bus) removeListener(target *listener) {
	for i, l := range b.listeners {
		if l == target {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount reports the current subscriber count (used by tests and
// status reporting).
func (b *Bus) ListenerCount() int { return len(b.listeners) }
