package store

import (
	"context"
	"sync"
	"time"

	"github.com/sua-org/cam-stream/internal/core"
)

// Memory guarda tudo em mapas. Usado quando não há DATABASE_URL e nos testes.
type Memory struct {
	mu         sync.RWMutex
	scripts    map[string]ScriptRecord
	detections []core.Detection
}

func NewMemory() *Memory {
	return &Memory{scripts: make(map[string]ScriptRecord)}
}

func (m *Memory) UpdateScriptStatus(_ context.Context, scriptID string, status core.ScriptStatus, pid *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.scripts[scriptID]
	rec.ID = scriptID
	rec.Status = status
	rec.PID = nil
	if pid != nil {
		v := *pid
		rec.PID = &v
	}
	rec.UpdatedAt = time.Now()
	m.scripts[scriptID] = rec
	return nil
}

func (m *Memory) RegisterScript(_ context.Context, scriptID, ownerID, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.scripts[scriptID]
	if !ok {
		rec = ScriptRecord{ID: scriptID, Status: core.ScriptStatusStopped}
	}
	rec.OwnerID = ownerID
	rec.SourceID = sourceID
	rec.UpdatedAt = time.Now()
	m.scripts[scriptID] = rec
	return nil
}

func (m *Memory) Script(_ context.Context, scriptID string) (ScriptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scripts[scriptID]
	if !ok {
		return ScriptRecord{}, ErrScriptNotFound
	}
	return rec, nil
}

func (m *Memory) ScriptOwner(ctx context.Context, scriptID string) (string, error) {
	rec, err := m.Script(ctx, scriptID)
	if err != nil {
		return "", err
	}
	if rec.OwnerID == "" {
		return "", ErrScriptNotFound
	}
	return rec.OwnerID, nil
}

func (m *Memory) InsertDetection(_ context.Context, d core.Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = append(m.detections, d)
	return nil
}

// Detections devolve uma cópia das detecções gravadas.
func (m *Memory) Detections() []core.Detection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Detection(nil), m.detections...)
}

func (m *Memory) Close() {}
