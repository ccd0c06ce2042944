package session

import (
	"context"
	"time"
)

// runSweeper feeds sweepTick events into the loop. The sweep itself runs on
// the loop so it can never race an on-demand placement.
func (m *Manager) runSweeper(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-t.C:
			select {
			case m.events <- sweepTick{}:
			case <-ctx.Done():
				return
			case <-m.done:
				return
			default:
				// Loop is backed up; the next tick will retry.
			}
		}
	}
}

// sweep retries placement for every candidate whose last attempt is older
// than the cooldown. Candidates paired earlier in the same sweep are skipped.
func (m *Manager) sweep() {
	now := m.now()
	for _, c := range m.engine.Candidates() {
		if !m.engine.Waiting(c.ID) {
			continue
		}
		if !c.LastAttempt.IsZero() && now.Sub(c.LastAttempt) < m.cfg.SweepCooldown {
			continue
		}
		m.place(c.ID, true)
	}
}
