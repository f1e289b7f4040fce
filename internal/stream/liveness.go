package stream

import (
	"context"
	"time"
)

// armExpiryLocked (re)arma o timer curto da fonte. Chamar com e.mu travado.
func (e *Engine) armExpiryLocked(sourceID string, entry *sourceEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	gen := entry.gen
	entry.timer = time.AfterFunc(e.opts.Expiry, func() {
		e.endSource(sourceID, "expired", func(cur *sourceEntry) bool {
			return cur.gen == gen
		})
	})
}

// Run executa o sweep periódico até ctx ser cancelado. É a rede de segurança
// para fontes cujo timer curto não foi armado ou não disparou.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	e.log.Info().
		Dur("expiry", e.opts.Expiry).
		Dur("sweep_window", e.opts.SweepWindow).
		Dur("sweep_interval", e.opts.SweepInterval).
		Msg("liveness monitor iniciado")

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// sweep derruba fontes cujo último frame é mais velho que a janela.
func (e *Engine) sweep(now time.Time) int {
	cutoff := now.Add(-e.opts.SweepWindow)

	e.mu.Lock()
	stale := e.sources.staleSince(cutoff)
	e.mu.Unlock()

	for _, id := range stale {
		e.endSource(id, "swept", func(cur *sourceEntry) bool {
			return cur.frame.ReceivedAt.Before(cutoff)
		})
	}
	if len(stale) > 0 {
		e.log.Info().Int("sources", len(stale)).Msg("sweep removeu fontes inativas")
	}
	return len(stale)
}
