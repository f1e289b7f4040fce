// Package stream é o engine de broadcast: guarda o último frame de cada fonte
// e distribui para N viewers, derrubando fontes que param de mandar frames.
package stream

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/core"
	"github.com/sua-org/cam-stream/internal/events"
)

const (
	DefaultExpiry       = 5 * time.Second
	DefaultSweepWindow  = 30 * time.Second
	DefaultViewerBuffer = 8
)

// Options configura o Engine. Zeros viram defaults.
type Options struct {
	// Expiry é o timer curto rearmado a cada push.
	Expiry time.Duration
	// SweepWindow é a janela do sweep periódico (nunca menor que Expiry).
	SweepWindow time.Duration
	// SweepInterval é o período do ticker do sweep (default SweepWindow/3).
	SweepInterval time.Duration
	ViewerBuffer  int

	Hub    *events.Hub
	Logger zerolog.Logger
}

type Engine struct {
	opts Options
	log  zerolog.Logger
	hub  *events.Hub

	mu      sync.Mutex
	sources *sourceRegistry
	viewers *fanout
	seq     uint64
	closed  bool

	// emitMu é tomado antes de soltar mu quando há evento de ciclo de vida:
	// started/ended saem na mesma ordem das mudanças no registry.
	emitMu sync.Mutex

	framesPushed  atomic.Uint64
	framesDropped atomic.Uint64
	sinkFailures  atomic.Uint64
}

// Stats são contadores do engine para o /metrics.
type Stats struct {
	Sources       int
	Viewers       int
	FramesPushed  uint64
	FramesDropped uint64
	SinkFailures  uint64
}

func NewEngine(opts Options) *Engine {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.SweepWindow <= 0 {
		opts.SweepWindow = DefaultSweepWindow
	}
	if opts.SweepWindow < opts.Expiry {
		opts.Logger.Warn().
			Dur("sweep_window", opts.SweepWindow).
			Dur("expiry", opts.Expiry).
			Msg("sweep window menor que expiry, ajustando")
		opts.SweepWindow = opts.Expiry
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.SweepWindow / 3
	}
	if opts.ViewerBuffer <= 0 {
		opts.ViewerBuffer = DefaultViewerBuffer
	}
	return &Engine{
		opts:    opts,
		log:     opts.Logger,
		hub:     opts.Hub,
		sources: newSourceRegistry(),
		viewers: newFanout(),
	}
}

// Push registra/atualiza a fonte com o frame, entrega para os viewers e
// rearma o timer curto de expiração. O slice é copiado.
func (e *Engine) Push(sourceID string, data []byte) error {
	if sourceID == "" {
		return ErrInvalidSource
	}
	if len(data) == 0 {
		return ErrEmptyFrame
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.seq++
	frame := core.Frame{
		SourceID:   sourceID,
		Data:       bytes.Clone(data),
		ReceivedAt: time.Now(),
		Seq:        e.seq,
	}
	entry, created := e.sources.upsert(frame)
	e.armExpiryLocked(sourceID, entry)
	// Enfileira com o lock: garante ordem de push por viewer.
	dropped := e.viewers.push(frame)
	if created {
		e.emitMu.Lock()
	}
	e.mu.Unlock()

	e.framesPushed.Add(1)
	if dropped > 0 {
		e.framesDropped.Add(uint64(dropped))
		e.log.Debug().Str("source_id", sourceID).Int("dropped", dropped).Msg("viewer lento, frame descartado")
	}
	if created {
		e.log.Info().Str("source_id", sourceID).Msg("source online")
		e.hub.EmitSourceStarted(events.SourceStarted{SourceID: sourceID, At: frame.ReceivedAt})
		e.emitMu.Unlock()
	}
	return nil
}

// EndSource derruba a fonte: cancela o timer, remove a entrada e encerra
// graciosamente todos os viewers. Idempotente; notifica uma vez só.
func (e *Engine) EndSource(sourceID string) {
	e.endSource(sourceID, "stopped", nil)
}

// AttachViewer registra o sink no fan-out da fonte. Se já existe frame, ele é
// entregue na hora (primeira pintura). Fonte inexistente não é erro: o viewer
// fica esperando o primeiro push.
func (e *Engine) AttachViewer(sourceID string, sink Sink) (*Viewer, error) {
	if sourceID == "" {
		return nil, ErrInvalidSource
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	v := newViewer(sourceID, sink, e.opts.ViewerBuffer, e.onSinkError)
	if entry, ok := e.sources.get(sourceID); ok {
		v.enqueue(entry.frame)
	}
	e.viewers.add(v)

	e.log.Debug().
		Str("source_id", sourceID).
		Str("viewer_id", v.ID).
		Int("viewers", e.viewers.count(sourceID)).
		Msg("viewer attached")
	return v, nil
}

// DetachViewer tira o viewer do conjunto (idempotente) e encerra sua escrita.
func (e *Engine) DetachViewer(sourceID string, v *Viewer) {
	if v == nil {
		return
	}
	e.mu.Lock()
	removed := e.viewers.remove(sourceID, v)
	e.mu.Unlock()

	v.end()
	if removed {
		e.log.Debug().Str("source_id", sourceID).Str("viewer_id", v.ID).Msg("viewer detached")
	}
}

// Status é somente leitura.
func (e *Engine) Status(sourceID string) core.SourceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(sourceID)
}

// Statuses devolve o status de toda fonte com frame ou com viewer esperando.
func (e *Engine) Statuses() []core.SourceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{})
	var out []core.SourceStatus
	for _, id := range append(e.sources.ids(), e.viewers.sourceIDs()...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, e.statusLocked(id))
	}
	return out
}

// Snapshot devolve o frame atual da fonte.
func (e *Engine) Snapshot(sourceID string) (core.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.sources.get(sourceID)
	if !ok {
		return core.Frame{}, ErrSourceNotFound
	}
	return entry.frame, nil
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	sources, viewers := e.sources.size(), e.viewers.total()
	e.mu.Unlock()
	return Stats{
		Sources:       sources,
		Viewers:       viewers,
		FramesPushed:  e.framesPushed.Load(),
		FramesDropped: e.framesDropped.Load(),
		SinkFailures:  e.sinkFailures.Load(),
	}
}

// Close para de aceitar push/attach e derruba tudo que estiver ativo.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ids := append(e.sources.ids(), e.viewers.sourceIDs()...)
	e.mu.Unlock()

	for _, id := range ids {
		e.endSource(id, "shutdown", nil)
	}
	e.log.Info().Int("sources", len(ids)).Msg("stream engine closed")
}

func (e *Engine) statusLocked(sourceID string) core.SourceStatus {
	st := core.SourceStatus{
		SourceID:    sourceID,
		ViewerCount: e.viewers.count(sourceID),
	}
	if entry, ok := e.sources.get(sourceID); ok {
		st.Exists = true
		st.LastFrameAt = entry.frame.ReceivedAt
	}
	return st
}

// endSource faz o teardown. Com cond != nil, só derruba se cond ainda for
// verdadeira com o lock travado (timer/sweep que perderam a corrida para um push).
func (e *Engine) endSource(sourceID, reason string, cond func(*sourceEntry) bool) {
	e.mu.Lock()
	if cond != nil {
		entry, ok := e.sources.get(sourceID)
		if !ok || !cond(entry) {
			e.mu.Unlock()
			return
		}
	}
	entry, existed := e.sources.remove(sourceID)
	viewers := e.viewers.take(sourceID)
	if existed {
		e.emitMu.Lock()
		defer e.emitMu.Unlock()
	}
	e.mu.Unlock()

	for _, v := range viewers {
		v.end()
	}
	if !existed {
		return
	}

	e.log.Info().
		Str("source_id", sourceID).
		Str("reason", reason).
		Int("viewers", len(viewers)).
		Msg("source ended")
	e.hub.EmitSourceEnded(events.SourceEnded{
		SourceID:    sourceID,
		Reason:      reason,
		LastFrame:   entry.frame.Data,
		LastFrameAt: entry.frame.ReceivedAt,
		At:          time.Now(),
	})
}

// onSinkError roda na goroutine do viewer: falha de escrita = detach implícito.
func (e *Engine) onSinkError(v *Viewer, err error) {
	e.sinkFailures.Add(1)
	e.log.Warn().
		Err(err).
		Str("source_id", v.SourceID).
		Str("viewer_id", v.ID).
		Msg(ErrSinkWriteFailed.Error())
	e.DetachViewer(v.SourceID, v)
}
