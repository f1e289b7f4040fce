// Package store é o colaborador de persistência: status de execução dos
// scripts, dono de cada script e as detecções reportadas pelos scripts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sua-org/cam-stream/internal/core"
)

var ErrScriptNotFound = errors.New("script not found")

// ScriptRecord é a linha persistida de um script.
type ScriptRecord struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"ownerId"`
	SourceID  string            `json:"sourceId"`
	Status    core.ScriptStatus `json:"status"`
	PID       *int              `json:"pid"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type Store interface {
	// UpdateScriptStatus é idempotente: repetir a mesma chamada não muda nada.
	UpdateScriptStatus(ctx context.Context, scriptID string, status core.ScriptStatus, pid *int) error
	// RegisterScript grava (ou atualiza) dono e fonte do script.
	RegisterScript(ctx context.Context, scriptID, ownerID, sourceID string) error
	Script(ctx context.Context, scriptID string) (ScriptRecord, error)
	// ScriptOwner devolve ErrScriptNotFound se o script nunca foi registrado.
	ScriptOwner(ctx context.Context, scriptID string) (string, error)
	InsertDetection(ctx context.Context, d core.Detection) error
	Close()
}
