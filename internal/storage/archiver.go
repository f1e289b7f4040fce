package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/events"
)

// SnapshotKey é onde fica a última imagem da fonte.
func SnapshotKey(sourceID string) string {
	return sourceID + "/last.jpg"
}

// Archiver sobe o último frame de cada fonte que terminou. O upload roda fora
// da goroutine que derrubou a fonte.
type Archiver struct {
	store   ImageStore
	log     zerolog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func NewArchiver(store ImageStore, log zerolog.Logger) *Archiver {
	return &Archiver{store: store, log: log, timeout: 15 * time.Second}
}

func (a *Archiver) Register(hub *events.Hub) {
	hub.OnSourceEnded(a.onSourceEnded)
}

func (a *Archiver) onSourceEnded(evt events.SourceEnded) {
	if len(evt.LastFrame) == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		key := SnapshotKey(evt.SourceID)
		url, err := a.store.SaveSnapshot(ctx, key, evt.LastFrame, "image/jpeg")
		if err != nil {
			a.log.Warn().Err(err).Str("source_id", evt.SourceID).Msg("snapshot upload failed")
			return
		}
		a.log.Info().
			Str("source_id", evt.SourceID).
			Str("reason", evt.Reason).
			Str("url", url).
			Msg("last frame archived")
	}()
}

// Wait espera os uploads em andamento (ou ctx acabar).
func (a *Archiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
