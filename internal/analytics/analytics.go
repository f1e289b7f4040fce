// Package analytics recebe as detecções que os scripts reportam em
// POST /analytics/log, confere o dono e persiste.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/core"
	"github.com/sua-org/cam-stream/internal/events"
	"github.com/sua-org/cam-stream/internal/store"
)

var (
	ErrInvalidDetection  = errors.New("invalid detection")
	ErrUnknownScript     = errors.New("unknown script")
	ErrOwnershipMismatch = errors.New("script does not belong to owner")
)

// Store é o pedaço do store que o recorder usa.
type Store interface {
	ScriptOwner(ctx context.Context, scriptID string) (string, error)
	InsertDetection(ctx context.Context, d core.Detection) error
}

// logRequest aceita os dois vocabulários: userId/deviceId (usado pelos
// scripts) e ownerId/sourceId.
type logRequest struct {
	UserID        string                 `json:"userId"`
	OwnerID       string                 `json:"ownerId"`
	DeviceID      string                 `json:"deviceId"`
	SourceID      string                 `json:"sourceId"`
	ScriptID      string                 `json:"scriptId"`
	DetectionType string                 `json:"detectionType"`
	DetectedCount *int                   `json:"detectedCount"`
	Confidence    *float64               `json:"confidence"`
	Metadata      map[string]interface{} `json:"metadata"`
	Timestamp     *time.Time             `json:"timestamp"`
}

// Decode lê o corpo JSON e devolve a detecção normalizada e validada.
func Decode(r io.Reader) (core.Detection, error) {
	var req logRequest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return core.Detection{}, fmt.Errorf("%w: %v", ErrInvalidDetection, err)
	}

	d := core.Detection{
		OwnerID:       strings.TrimSpace(firstNonEmpty(req.OwnerID, req.UserID)),
		SourceID:      strings.TrimSpace(firstNonEmpty(req.SourceID, req.DeviceID)),
		ScriptID:      strings.TrimSpace(req.ScriptID),
		DetectionType: strings.TrimSpace(req.DetectionType),
		Confidence:    req.Confidence,
		Metadata:      req.Metadata,
		Timestamp:     time.Now().UTC(),
	}
	if req.DetectedCount != nil {
		d.DetectedCount = *req.DetectedCount
	}
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		d.Timestamp = req.Timestamp.UTC()
	}

	if err := Validate(d, req.DetectedCount != nil); err != nil {
		return core.Detection{}, err
	}
	return d, nil
}

func Validate(d core.Detection, hasCount bool) error {
	var missing []string
	if d.OwnerID == "" {
		missing = append(missing, "ownerId")
	}
	if d.SourceID == "" {
		missing = append(missing, "sourceId")
	}
	if d.ScriptID == "" {
		missing = append(missing, "scriptId")
	}
	if d.DetectionType == "" {
		missing = append(missing, "detectionType")
	}
	if !hasCount {
		missing = append(missing, "detectedCount")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidDetection, strings.Join(missing, ", "))
	}
	if d.DetectedCount < 0 {
		return fmt.Errorf("%w: detectedCount must be >= 0", ErrInvalidDetection)
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidDetection)
	}
	return nil
}

type Recorder struct {
	store Store
	hub   *events.Hub
	log   zerolog.Logger
}

func NewRecorder(st Store, hub *events.Hub, log zerolog.Logger) *Recorder {
	return &Recorder{store: st, hub: hub, log: log}
}

// Record confere que o script pertence ao dono informado e grava.
func (r *Recorder) Record(ctx context.Context, d core.Detection) error {
	owner, err := r.store.ScriptOwner(ctx, d.ScriptID)
	if errors.Is(err, store.ErrScriptNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownScript, d.ScriptID)
	}
	if err != nil {
		return fmt.Errorf("lookup script owner: %w", err)
	}
	if owner != d.OwnerID {
		r.log.Warn().
			Str("script_id", d.ScriptID).
			Str("owner_id", d.OwnerID).
			Msg("detection rejected: owner mismatch")
		return ErrOwnershipMismatch
	}

	if err := r.store.InsertDetection(ctx, d); err != nil {
		return fmt.Errorf("persist detection: %w", err)
	}

	r.log.Debug().
		Str("script_id", d.ScriptID).
		Str("source_id", d.SourceID).
		Str("type", d.DetectionType).
		Int("count", d.DetectedCount).
		Msg("detection recorded")
	r.hub.EmitDetectionRecorded(events.DetectionRecorded{Detection: d})
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
