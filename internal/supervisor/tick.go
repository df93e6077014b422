package supervisor

import (
	"fmt"

	"github.com/milterpool/multiplexor/internal/pool"
	"github.com/milterpool/multiplexor/internal/wire"
)

// startTicks arms cfg.NumTicks independent, self-rescheduling tick
// loops (spec §4.8): each fires "tick <n>" against a free worker on its
// own cfg.TickInterval cadence, discards the reply, and never touches
// the queue or history. A zero interval or zero count disables ticking
// entirely.
func (s *Supervisor) startTicks() {
	interval := s.cfg.TickInterval()
	if interval <= 0 || s.cfg.NumTicks <= 0 {
		return
	}
	for n := 0; n < s.cfg.NumTicks; n++ {
		n := n
		s.loop.AddTimer(interval, func() { s.runTick(n) })
	}
}

func (s *Supervisor) runTick(n int) {
	defer func() {
		if !s.shuttingDown {
			s.loop.AddTimer(s.cfg.TickInterval(), func() { s.runTick(n) })
		}
	}()

	w := s.pool.FindFreeWorker(wire.Other)
	if w == nil {
		if s.log != nil {
			s.log.Info().Int("tick", n).Log("skipped: no free worker")
		}
		return
	}
	if w.State == wire.Stopped {
		if err := s.pool.Activate(w); err != nil {
			if s.log != nil {
				s.log.Info().Int("tick", n).Err(err).Log("skipped: activation suppressed")
			}
			return
		}
	}

	req := wire.Request{Raw: fmt.Sprintf("tick %d", n), Cmd: wire.Other}
	s.pool.Dispatch(w, req, -1, func(result pool.DispatchResult) {
		if result.Err != nil {
			s.pool.Kill(w, result.Prejudice)
			return
		}
		w.FinishRequest()
		s.pool.Release(w)
	})
}
