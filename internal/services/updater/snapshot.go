package updater

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.stopCh != nil
	tick := s.effectiveTickLocked()
	loc := s.loc
	c := s.c
	tickEntry := s.tickEntry
	forceEntry := s.forceEntry
	s.mu.Unlock()

	tz := ""
	if loc != nil {
		tz = loc.String()
	}

	snap := Snapshot{
		Running:      running,
		Period:       s.upd.Period(),
		TickInterval: tick,
		Timezone:     tz,
		HardwareID:   s.upd.HardwareID(),
		Tasks:        s.upd.Names(),
		Ticks:        s.ticks.Load(),
		Forced:       s.forced.Load(),
		Watchdog:     time.Duration(s.watchdog.Load()),
	}
	if c != nil {
		if tickEntry != 0 {
			snap.NextTick = c.Entry(tickEntry).Next
		}
		if forceEntry != 0 {
			snap.NextForce = c.Entry(forceEntry).Next
		}
	}
	return snap
}
