// Package events entrega as notificações tipadas do cam-stream
// (sourceStarted, sourceEnded, scriptExited, scriptOutput, detectionRecorded) para observadores
// registrados explicitamente.
//
// Observadores rodam de forma síncrona na goroutine de quem emitiu, fora de
// qualquer lock dos engines. Um observador que entra em panic é isolado:
// loga e segue para o próximo.
package events

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/core"
)

type SourceStarted struct {
	SourceID string
	At       time.Time
}

type SourceEnded struct {
	SourceID    string
	Reason      string // "expired", "swept", "stopped", "shutdown"
	LastFrame   []byte
	LastFrameAt time.Time
	At          time.Time
}

type ScriptExited struct {
	ScriptID string
	PID      int
	Status   core.ScriptStatus
	ExitCode int
	Err      error
	At       time.Time
}

type ScriptOutput struct {
	ScriptID string
	PID      int
	Stream   string // stdout|stderr
	Line     string
	At       time.Time
}

// DetectionRecorded sai depois que uma detecção foi aceita e persistida.
type DetectionRecorded struct {
	Detection core.Detection
}

type Hub struct {
	log zerolog.Logger

	mu            sync.RWMutex
	sourceStarted []func(SourceStarted)
	sourceEnded   []func(SourceEnded)
	scriptExited  []func(ScriptExited)
	scriptOutput  []func(ScriptOutput)
	detections    []func(DetectionRecorded)
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log}
}

func (h *Hub) OnSourceStarted(fn func(SourceStarted)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sourceStarted = append(h.sourceStarted, fn)
}

func (h *Hub) OnSourceEnded(fn func(SourceEnded)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sourceEnded = append(h.sourceEnded, fn)
}

func (h *Hub) OnScriptExited(fn func(ScriptExited)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scriptExited = append(h.scriptExited, fn)
}

func (h *Hub) OnScriptOutput(fn func(ScriptOutput)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scriptOutput = append(h.scriptOutput, fn)
}

func (h *Hub) OnDetectionRecorded(fn func(DetectionRecorded)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detections = append(h.detections, fn)
}

// Os Emit* aceitam receiver nil para que engines possam rodar sem hub (testes).

func (h *Hub) EmitSourceStarted(evt SourceStarted) {
	if h == nil {
		return
	}
	h.mu.RLock()
	list := h.sourceStarted
	h.mu.RUnlock()
	for _, fn := range list {
		h.safeCall("sourceStarted", func() { fn(evt) })
	}
}

func (h *Hub) EmitSourceEnded(evt SourceEnded) {
	if h == nil {
		return
	}
	h.mu.RLock()
	list := h.sourceEnded
	h.mu.RUnlock()
	for _, fn := range list {
		h.safeCall("sourceEnded", func() { fn(evt) })
	}
}

func (h *Hub) EmitScriptExited(evt ScriptExited) {
	if h == nil {
		return
	}
	h.mu.RLock()
	list := h.scriptExited
	h.mu.RUnlock()
	for _, fn := range list {
		h.safeCall("scriptExited", func() { fn(evt) })
	}
}

func (h *Hub) EmitScriptOutput(evt ScriptOutput) {
	if h == nil {
		return
	}
	h.mu.RLock()
	list := h.scriptOutput
	h.mu.RUnlock()
	for _, fn := range list {
		h.safeCall("scriptOutput", func() { fn(evt) })
	}
}

func (h *Hub) EmitDetectionRecorded(evt DetectionRecorded) {
	if h == nil {
		return
	}
	h.mu.RLock()
	list := h.detections
	h.mu.RUnlock()
	for _, fn := range list {
		h.safeCall("detectionRecorded", func() { fn(evt) })
	}
}

func (h *Hub) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Str("event", kind).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("observer panicked")
		}
	}()
	fn()
}
