package control

import (
	"strings"
	"time"

	"github.com/milterpool/multiplexor/internal/framing"
	"github.com/milterpool/multiplexor/internal/logging"
	"github.com/milterpool/multiplexor/internal/pool"
	"github.com/milterpool/multiplexor/internal/reactor"
	"github.com/milterpool/multiplexor/internal/wire"
)

// MapDispatcher implements the embedded map sub-protocol of spec §4.9:
// length-prefixed netstring requests, forwarded through a worker as a
// "map <name> <key>" command line, replied to as a netstring.
type MapDispatcher struct {
	Loop          *reactor.Loop
	Pool          *pool.Pool
	Log           *logging.Logger
	BusyTimeout   time.Duration
	ClientTimeout time.Duration
}

// HandleConnection reads exactly one netstring request from fd and
// replies with exactly one netstring.
func (m *MapDispatcher) HandleConnection(fd int) {
	_, err := framing.ReadNetstring(m.Loop, fd, m.ClientTimeout, func(payload []byte, flag framing.CompletionFlag) {
		if flag != framing.Complete {
			_ = framing.CloseFD(fd)
			return
		}
		m.handle(fd, string(payload))
	})
	if err != nil {
		_ = framing.CloseFD(fd)
	}
}

// handle parses "<map-name> <key>", picks a free worker exactly like any
// other command (spec §4.9), and forwards the reformatted request.
func (m *MapDispatcher) handle(fd int, payload string) {
	mapName, key, ok := splitMapPayload(payload)
	if !ok {
		m.reply(fd, "PERM malformed map request")
		return
	}

	w := m.Pool.FindFreeWorker(wire.Other)
	if w == nil {
		m.reply(fd, "TEMP no free workers")
		return
	}
	if w.State == wire.Stopped {
		if err := m.Pool.Activate(w); err != nil {
			m.reply(fd, "TEMP unable to activate worker")
			return
		}
	}

	line := "map " + wire.PercentEncode(mapName) + " " + wire.PercentEncode(key)
	req := wire.Request{Raw: line, Cmd: wire.Other}
	m.Pool.Dispatch(w, req, -1, func(result pool.DispatchResult) {
		if result.Err != nil {
			m.reply(fd, "TEMP no response from worker")
			m.Pool.Kill(w, result.Prejudice)
			return
		}
		w.FinishRequest()
		m.Pool.Release(w)
		m.reply(fd, wire.PercentDecode(string(result.Reply)))
	})
}

// splitMapPayload splits "<map-name> <key>" on the first space, per
// spec §4.9's client-side framing ("<map-name><space><key>").
func splitMapPayload(s string) (mapName, key string, ok bool) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func (m *MapDispatcher) reply(fd int, payload string) {
	_, err := framing.WriteNetstring(m.Loop, fd, []byte(payload), m.ClientTimeout, func(framing.CompletionFlag) {
		_ = framing.CloseFD(fd)
	})
	if err != nil {
		_ = framing.CloseFD(fd)
	}
}
