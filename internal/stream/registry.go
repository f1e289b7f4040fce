package stream

import (
	"time"

	"github.com/sua-org/cam-stream/internal/core"
)

// sourceEntry guarda o último frame da fonte e o timer de expiração.
// Só é acessado com Engine.mu travado.
type sourceEntry struct {
	frame core.Frame
	timer *time.Timer
	gen   uint64 // incrementa a cada push; timer antigo com gen diferente é ignorado
}

// sourceRegistry é o mapa sourceID -> último frame.
type sourceRegistry struct {
	entries map[string]*sourceEntry
}

func newSourceRegistry() *sourceRegistry {
	return &sourceRegistry{entries: make(map[string]*sourceEntry)}
}

func (r *sourceRegistry) get(id string) (*sourceEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// upsert troca o frame (nunca muta o anterior) e devolve se a entrada é nova.
func (r *sourceRegistry) upsert(frame core.Frame) (*sourceEntry, bool) {
	e, ok := r.entries[frame.SourceID]
	if !ok {
		e = &sourceEntry{}
		r.entries[frame.SourceID] = e
	}
	e.frame = frame
	e.gen++
	return e, !ok
}

func (r *sourceRegistry) remove(id string) (*sourceEntry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(r.entries, id)
	return e, true
}

// staleSince lista fontes cujo último frame é anterior a cutoff.
func (r *sourceRegistry) staleSince(cutoff time.Time) []string {
	var out []string
	for id, e := range r.entries {
		if e.frame.ReceivedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func (r *sourceRegistry) ids() []string {
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *sourceRegistry) size() int { return len(r.entries) }
