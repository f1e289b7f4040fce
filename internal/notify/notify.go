// Package notify publica no MQTT os eventos do hub e as mudanças de status
// dos scripts.
//
// Tópicos (base = MQTT_BASE_TOPIC):
//
//	<base>/service/status               online|offline (retido, last will)
//	<base>/sources/<id>/status          online|offline (retido)
//	<base>/sources/<id>/detections      detecções aceitas
//	<base>/scripts/<id>/status          running|stopped|error (retido)
//	<base>/scripts/<id>/exit            código de saída de cada processo
//	<base>/scripts/<id>/output          linhas de stdout/stderr (opcional)
//	<base>/pull/<id>/status             estado das câmeras puxadas (retido)
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/core"
	"github.com/sua-org/cam-stream/internal/events"
	"github.com/sua-org/cam-stream/internal/pull"
)

const defaultQueueSize = 256

// Publisher é o que o Notifier precisa do cliente MQTT.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

type Options struct {
	BaseTopic     string
	PublishOutput bool
	QueueSize     int
	Logger        zerolog.Logger
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// Notifier enfileira sem bloquear quem emitiu (o push de frames, por exemplo)
// e publica numa goroutine só. Fila cheia descarta a mensagem.
type Notifier struct {
	pub  Publisher
	opts Options
	log  zerolog.Logger

	queue   chan message
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func New(pub Publisher, opts Options) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	opts.BaseTopic = strings.TrimSuffix(opts.BaseTopic, "/")
	if opts.BaseTopic == "" {
		opts.BaseTopic = "cam-stream"
	}
	return &Notifier{
		pub:   pub,
		opts:  opts,
		log:   opts.Logger,
		queue: make(chan message, opts.QueueSize),
	}
}

// ServiceTopic é usado como last will do cliente MQTT.
func ServiceTopic(base string) string {
	return strings.TrimSuffix(base, "/") + "/service/status"
}

// Register liga o Notifier aos eventos do hub.
func (n *Notifier) Register(hub *events.Hub) {
	hub.OnSourceStarted(n.onSourceStarted)
	hub.OnSourceEnded(n.onSourceEnded)
	hub.OnScriptExited(n.onScriptExited)
	hub.OnDetectionRecorded(n.onDetection)
	if n.opts.PublishOutput {
		hub.OnScriptOutput(n.onScriptOutput)
	}
}

// Run publica a fila até ctx acabar; no fim escoa o que já estava enfileirado.
func (n *Notifier) Run(ctx context.Context) error {
	n.publishNow(message{topic: ServiceTopic(n.opts.BaseTopic), qos: 1, retained: true, payload: []byte("online")})
	for {
		select {
		case <-ctx.Done():
			n.drain()
			n.publishNow(message{topic: ServiceTopic(n.opts.BaseTopic), qos: 1, retained: true, payload: []byte("offline")})
			return nil
		case m := <-n.queue:
			n.publishNow(m)
		}
	}
}

func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }
func (n *Notifier) Failed() uint64  { return n.failed.Load() }

func (n *Notifier) drain() {
	for {
		select {
		case m := <-n.queue:
			n.publishNow(m)
		default:
			return
		}
	}
}

func (n *Notifier) publishNow(m message) {
	if err := n.pub.Publish(m.topic, m.qos, m.retained, m.payload); err != nil {
		n.failed.Add(1)
		n.log.Warn().Err(err).Str("topic", m.topic).Msg("mqtt publish failed")
	}
}

func (n *Notifier) enqueue(topic string, qos byte, retained bool, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.log.Error().Err(err).Str("topic", topic).Msg("encode notification")
		return
	}
	select {
	case n.queue <- message{topic: topic, qos: qos, retained: retained, payload: payload}:
	default:
		n.dropped.Add(1)
		n.log.Warn().Str("topic", topic).Msg("notification queue full, dropping")
	}
}

func (n *Notifier) topic(parts ...string) string {
	return n.opts.BaseTopic + "/" + strings.Join(parts, "/")
}

type sourceStatusPayload struct {
	SourceID    string    `json:"sourceId"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	LastFrameAt time.Time `json:"lastFrameAt,omitempty"`
	At          time.Time `json:"at"`
}

func (n *Notifier) onSourceStarted(evt events.SourceStarted) {
	n.enqueue(n.topic("sources", evt.SourceID, "status"), 1, true, sourceStatusPayload{
		SourceID: evt.SourceID,
		Status:   "online",
		At:       evt.At,
	})
}

func (n *Notifier) onSourceEnded(evt events.SourceEnded) {
	n.enqueue(n.topic("sources", evt.SourceID, "status"), 1, true, sourceStatusPayload{
		SourceID:    evt.SourceID,
		Status:      "offline",
		Reason:      evt.Reason,
		LastFrameAt: evt.LastFrameAt,
		At:          evt.At,
	})
}

type scriptExitPayload struct {
	ScriptID string            `json:"scriptId"`
	PID      int               `json:"pid,omitempty"`
	Status   core.ScriptStatus `json:"status"`
	ExitCode int               `json:"exitCode"`
	Error    string            `json:"error,omitempty"`
	At       time.Time         `json:"at"`
}

func (n *Notifier) onScriptExited(evt events.ScriptExited) {
	p := scriptExitPayload{
		ScriptID: evt.ScriptID,
		PID:      evt.PID,
		Status:   evt.Status,
		ExitCode: evt.ExitCode,
		At:       evt.At,
	}
	if evt.Err != nil {
		p.Error = evt.Err.Error()
	}
	n.enqueue(n.topic("scripts", evt.ScriptID, "exit"), 1, false, p)
}

type scriptOutputPayload struct {
	ScriptID string    `json:"scriptId"`
	PID      int       `json:"pid"`
	Stream   string    `json:"stream"`
	Line     string    `json:"line"`
	At       time.Time `json:"at"`
}

func (n *Notifier) onScriptOutput(evt events.ScriptOutput) {
	n.enqueue(n.topic("scripts", evt.ScriptID, "output"), 0, false, scriptOutputPayload(evt))
}

func (n *Notifier) onDetection(evt events.DetectionRecorded) {
	n.enqueue(n.topic("sources", evt.Detection.SourceID, "detections"), 1, false, evt.Detection)
}

// PullStatus publica o estado de uma câmera puxada; vai em pull.Options.OnStatus.
func (n *Notifier) PullStatus(st pull.Status) {
	n.enqueue(n.topic("pull", st.SourceID, "status"), 1, true, st)
}
