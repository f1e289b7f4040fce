// internal/core/types.go
package core

import "time"

// Frame é um JPEG completo recebido de uma fonte (câmera).
// Data nunca é alterado depois de criado: um push novo gera um Frame novo.
type Frame struct {
	SourceID   string
	Data       []byte
	ReceivedAt time.Time
	Seq        uint64
}

// SourceStatus é a visão somente-leitura de uma fonte.
type SourceStatus struct {
	SourceID    string    `json:"sourceId"`
	Exists      bool      `json:"exists"`
	LastFrameAt time.Time `json:"lastFrameAt,omitempty"`
	ViewerCount int       `json:"viewerCount"`
}

// ScriptStatus é o status persistido de um script.
type ScriptStatus string

const (
	ScriptStatusRunning ScriptStatus = "running"
	ScriptStatusStopped ScriptStatus = "stopped"
	ScriptStatusError   ScriptStatus = "error"
)

// RunConfig descreve para quem o script roda. Vira ambiente do processo filho.
type RunConfig struct {
	SourceID  string            `json:"sourceId"`
	OwnerID   string            `json:"ownerId"`
	ServerURL string            `json:"serverUrl"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// ProcessInfo é o snapshot de um script em execução.
type ProcessInfo struct {
	ScriptID   string        `json:"scriptId"`
	PID        int           `json:"pid"`
	StartTime  time.Time     `json:"startTime"`
	Uptime     time.Duration `json:"uptime"`
	Config     RunConfig     `json:"config"`
	Stopping   bool          `json:"stopping,omitempty"`
	CPUPercent float64       `json:"cpuPercent,omitempty"`
	MemoryRSS  uint64        `json:"memoryRssBytes,omitempty"`
}

// SupervisorStats agrega todos os scripts em execução.
type SupervisorStats struct {
	Count   int           `json:"count"`
	Scripts []ProcessInfo `json:"scripts"`
}

// ValidationResult é o resultado do dry-run de sintaxe.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Detection é o evento que um script reporta ao endpoint de analytics.
type Detection struct {
	OwnerID       string                 `json:"ownerId"`
	SourceID      string                 `json:"sourceId"`
	ScriptID      string                 `json:"scriptId"`
	DetectionType string                 `json:"detectionType"`
	DetectedCount int                    `json:"detectedCount"`
	Confidence    *float64               `json:"confidence,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}
