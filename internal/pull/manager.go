package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRetryDelay = 5 * time.Second
	configTopicSuffix = "/config"
)

// Subscriber é o que o Manager usa do cliente MQTT para receber configs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

type Options struct {
	Cameras       []Camera
	MaxFrameBytes int
	RetryDelay    time.Duration
	// BaseTopic habilita config dinâmica em <base>/pull/<sourceId>/config.
	BaseTopic string
	// OnStatus recebe cada mudança de estado de uma câmera.
	OnStatus func(Status)
	Logger   zerolog.Logger
}

// Status é a visão pública de um worker.
type Status struct {
	SourceID      string          `json:"sourceId"`
	URL           string          `json:"url"`
	State         ConnectionState `json:"state"`
	Since         time.Time       `json:"since"`
	Reason        string          `json:"reason,omitempty"`
	EverConnected bool            `json:"everConnected"`
	LastFrameAt   time.Time       `json:"lastFrameAt,omitempty"`
	Frames        uint64          `json:"frames"`
}

type worker struct {
	cam    Camera
	cancel context.CancelFunc
	done   chan struct{}

	// protegidos por Manager.mu
	state         ConnectionState
	since         time.Time
	reason        string
	everConnected bool
	lastFrameAt   time.Time
	frames        uint64
}

// Manager mantém um worker por sourceId e reinicia o worker quando a config
// da câmera muda.
type Manager struct {
	pusher Pusher
	opts   Options
	log    zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*worker
}

func NewManager(pusher Pusher, opts Options) *Manager {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	opts.BaseTopic = strings.TrimSuffix(opts.BaseTopic, "/")
	return &Manager{
		pusher:  pusher,
		opts:    opts,
		log:     opts.Logger,
		workers: make(map[string]*worker),
	}
}

// ConfigTopic é o filtro de assinatura das configs dinâmicas.
func ConfigTopic(base string) string {
	return strings.TrimSuffix(base, "/") + "/pull/+" + configTopicSuffix
}

// Run sobe as câmeras estáticas, assina as configs (se sub != nil) e segura
// até ctx acabar; no fim para todos os workers e espera cada um sair.
func (m *Manager) Run(ctx context.Context, sub Subscriber) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	for _, cam := range m.opts.Cameras {
		if err := m.Apply(cam); err != nil {
			m.log.Warn().Err(err).Str("source_id", cam.SourceID).Msg("câmera estática ignorada")
		}
	}

	if sub != nil && m.opts.BaseTopic != "" {
		topic := ConfigTopic(m.opts.BaseTopic)
		if err := sub.Subscribe(topic, 1, m.HandleConfigMessage); err != nil {
			m.log.Error().Err(err).Str("topic", topic).Msg("erro ao assinar configs de pull")
		} else {
			m.log.Info().Str("topic", topic).Msg("aguardando configs de pull")
		}
	}

	<-ctx.Done()
	m.stopAll()
	return nil
}

// Apply inicia ou atualiza o worker da câmera. Config igual é ignorada.
func (m *Manager) Apply(cam Camera) error {
	if err := cam.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return fmt.Errorf("pull manager not running")
	}

	if w, ok := m.workers[cam.SourceID]; ok {
		if w.cam == cam {
			m.log.Debug().Str("source_id", cam.SourceID).Msg("config igual, ignorando")
			return nil
		}
		m.log.Info().Str("source_id", cam.SourceID).Msg("config mudou, reiniciando worker")
		w.cancel()
		delete(m.workers, cam.SourceID)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	w := &worker{
		cam:    cam,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateConnecting,
		since:  time.Now().UTC(),
		reason: "aguardando conexão",
	}
	m.workers[cam.SourceID] = w

	f := &fetcher{
		cam:           cam,
		client:        newHTTPClient(cam),
		pusher:        m.pusher,
		maxFrameBytes: m.opts.MaxFrameBytes,
		retryDelay:    m.opts.RetryDelay,
		onStatus:      func(state ConnectionState, reason string) { m.updateStatus(w, state, reason) },
		onFrame:       func() { m.touch(w) },
		log:           m.log.With().Str("source_id", cam.SourceID).Logger(),
	}
	go func() {
		defer close(w.done)
		f.run(ctx)
	}()
	return nil
}

// Remove para o worker da fonte. A fonte no engine expira sozinha.
func (m *Manager) Remove(sourceID string) bool {
	m.mu.Lock()
	w, ok := m.workers[sourceID]
	if ok {
		delete(m.workers, sourceID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.log.Info().Str("source_id", sourceID).Msg("parando pull worker")
	w.cancel()
	<-w.done
	m.emit(m.statusOf(w, StateOffline, "removida"))
	return true
}

// HandleConfigMessage trata <base>/pull/<sourceId>/config. Payload vazio
// remove a câmera (é como um retido é apagado no broker).
func (m *Manager) HandleConfigMessage(topic string, payload []byte) {
	sourceID := sourceFromTopic(topic)
	if sourceID == "" {
		m.log.Warn().Str("topic", topic).Msg("tópico de config inválido")
		return
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		m.Remove(sourceID)
		return
	}

	var msg struct {
		URL        string `json:"url"`
		Username   string `json:"username"`
		Password   string `json:"password"`
		Insecure   bool   `json:"insecure"`
		IntervalMS int    `json:"intervalMs"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.log.Warn().Err(err).Str("topic", topic).Msg("config de pull inválida")
		return
	}
	cam := Camera{
		SourceID: sourceID,
		URL:      msg.URL,
		Username: msg.Username,
		Password: msg.Password,
		Insecure: msg.Insecure,
		Interval: time.Duration(msg.IntervalMS) * time.Millisecond,
	}
	if err := m.Apply(cam); err != nil {
		m.log.Warn().Err(err).Str("source_id", sourceID).Msg("config de pull rejeitada")
	}
}

func sourceFromTopic(topic string) string {
	if !strings.HasSuffix(topic, configTopicSuffix) {
		return ""
	}
	parts := strings.Split(strings.TrimSuffix(topic, configTopicSuffix), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "pull" {
		return ""
	}
	return parts[len(parts)-1]
}

// Statuses devolve o estado de cada worker, ordenado por sourceId.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, m.snapshotLocked(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Online conta câmeras conectadas (gauge do /metrics).
func (m *Manager) Online() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.workers {
		if w.state == StateOnline {
			n++
		}
	}
	return n
}

func (m *Manager) touch(w *worker) {
	m.mu.Lock()
	w.lastFrameAt = time.Now().UTC()
	w.frames++
	m.mu.Unlock()
}

func (m *Manager) updateStatus(w *worker, state ConnectionState, reason string) {
	m.mu.Lock()
	if m.workers[w.cam.SourceID] != w {
		// worker substituído ou removido
		m.mu.Unlock()
		return
	}
	changed := w.state != state
	w.state = state
	w.reason = reason
	w.since = time.Now().UTC()
	if state == StateOnline {
		w.everConnected = true
	}
	st := m.snapshotLocked(w)
	m.mu.Unlock()

	if changed {
		m.log.Info().Str("source_id", st.SourceID).Str("state", string(state)).Str("reason", reason).Msg("pull status")
		m.emit(st)
	}
}

func (m *Manager) statusOf(w *worker, state ConnectionState, reason string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.snapshotLocked(w)
	st.State = state
	st.Reason = reason
	st.Since = time.Now().UTC()
	return st
}

func (m *Manager) snapshotLocked(w *worker) Status {
	return Status{
		SourceID:      w.cam.SourceID,
		URL:           redactURL(w.cam.URL),
		State:         w.state,
		Since:         w.since,
		Reason:        w.reason,
		EverConnected: w.everConnected,
		LastFrameAt:   w.lastFrameAt,
		Frames:        w.frames,
	}
}

func (m *Manager) emit(st Status) {
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(st)
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Remove(id)
	}
}
