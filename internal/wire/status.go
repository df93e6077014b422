package wire

import (
	"fmt"
	"strings"
)

// StatusLine is the "status" verb's compact reply (spec §6): one
// character per worker slot followed by five integer counters.
type StatusLine struct {
	SlotStates   []WorkerState
	MsgsProc     int64
	Activations  int64
	QueueSize    int
	Queued       int
	UptimeSec    int64
}

// Format renders the compact status string, terminated by '\n'.
func (s StatusLine) Format() string {
	var b strings.Builder
	for _, st := range s.SlotStates {
		b.WriteByte(st.Letter())
	}
	fmt.Fprintf(&b, " %d %d %d %d %d\n", s.MsgsProc, s.Activations, s.QueueSize, s.Queued, s.UptimeSec)
	return b.String()
}

// WorkerReply is the "ok <code> [message]" reply used by the admission-
// gating verbs (spec §6).
type WorkerReply struct {
	Code    ReplyCode
	Message string
}

// Format renders the reply line.
func (r WorkerReply) Format() string {
	if r.Message == "" {
		return fmt.Sprintf("ok %d\n", r.Code)
	}
	return fmt.Sprintf("ok %d %s\n", r.Code, r.Message)
}

// PerDomainCapReply is the fixed reply for a per-domain recipok cap hit
// (spec §4.3 step 1, §8 scenario 3).
func PerDomainCapReply() string {
	return WorkerReply{
		Code:    ReplyTempfail,
		Message: PercentEncode("Per-domain recipok limit hit; please try again later"),
	}.Format()
}
