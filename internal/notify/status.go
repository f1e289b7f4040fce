package notify

import (
	"context"
	"time"

	"github.com/sua-org/cam-stream/internal/core"
)

// StatusRecorder é o mesmo contrato do supervisor de scripts.
type StatusRecorder interface {
	UpdateScriptStatus(ctx context.Context, scriptID string, status core.ScriptStatus, pid *int) error
}

type scriptStatusPayload struct {
	ScriptID string            `json:"scriptId"`
	Status   core.ScriptStatus `json:"status"`
	PID      *int              `json:"pid"`
	At       time.Time         `json:"at"`
}

type statusPublisher struct {
	next StatusRecorder
	n    *Notifier
}

// WrapStatus devolve um StatusRecorder que persiste em next e, se deu certo,
// publica o status retido do script.
func (n *Notifier) WrapStatus(next StatusRecorder) StatusRecorder {
	return &statusPublisher{next: next, n: n}
}

func (s *statusPublisher) UpdateScriptStatus(ctx context.Context, scriptID string, status core.ScriptStatus, pid *int) error {
	if s.next != nil {
		if err := s.next.UpdateScriptStatus(ctx, scriptID, status, pid); err != nil {
			return err
		}
	}
	s.n.enqueue(s.n.topic("scripts", scriptID, "status"), 1, true, scriptStatusPayload{
		ScriptID: scriptID,
		Status:   status,
		PID:      pid,
		At:       time.Now(),
	})
	return nil
}
