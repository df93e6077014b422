package supervisor

import "time"

// scheduleMaintenance arms the recurring timer that drives minimum-
// worker maintenance and the idle-timeout sweep (spec §2 item 4, §4.2
// "Expiry fires after each completed request or on idle-timeout
// sweeps"). It reschedules itself every tick, since reactor.Loop only
// offers one-shot timers.
func (s *Supervisor) scheduleMaintenance() {
	s.loop.AddTimer(maintenanceInterval, s.runMaintenance)
}

func (s *Supervisor) runMaintenance() {
	s.pool.MaintainMinimum(s.cfg.MinWorkers)
	s.pool.SweepIdle(s.cfg.IdleTimeout(), s.cfg.MinWorkers)
	if !s.shuttingDown {
		s.scheduleMaintenance()
	}
}

// scheduleLogStatus arms the "-L" periodic log-status heartbeat (spec §9
// recovered feature: the original logs a status line on a configurable
// interval independent of any client requesting one). A zero interval
// disables it.
func (s *Supervisor) scheduleLogStatus() {
	interval := s.cfg.LogStatusInterval()
	if interval <= 0 {
		return
	}
	s.loop.AddTimer(interval, func() { s.runLogStatus(interval) })
}

func (s *Supervisor) runLogStatus(interval time.Duration) {
	if s.log != nil {
		s.log.Info().Str("status", s.StatusLine()).Log("periodic status")
	}
	if !s.shuttingDown {
		s.loop.AddTimer(interval, func() { s.runLogStatus(interval) })
	}
}
