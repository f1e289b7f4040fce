// Package httpapi é a superfície HTTP do cam-stream: ingestão e visualização
// de frames, controle dos scripts e o endpoint de analytics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/analytics"
	"github.com/sua-org/cam-stream/internal/core"
	"github.com/sua-org/cam-stream/internal/metrics"
	"github.com/sua-org/cam-stream/internal/pull"
	"github.com/sua-org/cam-stream/internal/store"
	"github.com/sua-org/cam-stream/internal/stream"
)

// PullStatuses expõe o estado das câmeras puxadas por HTTP.
type PullStatuses interface {
	Statuses() []pull.Status
}

// Scripts é o que os handlers usam do supervisor.
type Scripts interface {
	Validate(ctx context.Context, code string) core.ValidationResult
	Check(ctx context.Context, code string) error
	Start(ctx context.Context, scriptID, code string, cfg core.RunConfig) (int, error)
	Stop(scriptID string) error
	Restart(ctx context.Context, scriptID, code string, cfg core.RunConfig) (int, error)
	Info(scriptID string) (core.ProcessInfo, bool)
	Stats() core.SupervisorStats
}

// ScriptRegistry guarda dono e fonte de cada script iniciado por aqui.
type ScriptRegistry interface {
	RegisterScript(ctx context.Context, scriptID, ownerID, sourceID string) error
	Script(ctx context.Context, scriptID string) (store.ScriptRecord, error)
}

type Options struct {
	// ServerURL é o endereço que os scripts usam para ler frames e reportar.
	ServerURL     string
	MaxFrameBytes int
	// WSIdleTimeout derruba conexões websocket de ingestão sem mensagens.
	WSIdleTimeout time.Duration
}

type Server struct {
	engine   *stream.Engine
	scripts  Scripts
	registry ScriptRegistry
	recorder *analytics.Recorder
	pull     PullStatuses
	metrics  *metrics.Metrics
	log      zerolog.Logger
	opts     Options
}

type Deps struct {
	Engine   *stream.Engine
	Scripts  Scripts
	Registry ScriptRegistry
	Recorder *analytics.Recorder
	Pull     PullStatuses
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 2 << 20
	}
	if opts.WSIdleTimeout <= 0 {
		opts.WSIdleTimeout = 60 * time.Second
	}
	return &Server{
		engine:   deps.Engine,
		scripts:  deps.Scripts,
		registry: deps.Registry,
		recorder: deps.Recorder,
		pull:     deps.Pull,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		opts:     opts,
	}
}

// Router monta as rotas. Sem timeout global: MJPEG e ingestão contínua são
// requests longos por natureza.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.log))
	if s.metrics != nil {
		r.Use(metrics.RequestMiddleware(s.metrics))
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/streams", s.listStreams)
	r.Route("/api/stream/{sourceID}", func(r chi.Router) {
		r.Post("/", s.ingestFrames)
		r.Delete("/", s.endStream)
		r.Get("/ws", s.ingestWebSocket)
		r.Get("/status", s.streamStatus)
		r.Get("/snapshot", s.streamSnapshot)
	})
	r.Get("/api/view/{sourceID}", s.viewStream)
	if s.pull != nil {
		r.Get("/api/pull", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"cameras": s.pull.Statuses()})
		})
	}

	if s.scripts != nil {
		r.Route("/api/scripts", func(r chi.Router) {
			r.Get("/", s.listScripts)
			r.Post("/validate", s.validateScript)
			r.Route("/{scriptID}", func(r chi.Router) {
				r.Get("/", s.scriptInfo)
				r.Post("/start", s.startScript)
				r.Post("/stop", s.stopScript)
				r.Post("/restart", s.restartScript)
			})
		})
	}

	if s.recorder != nil {
		r.Post("/analytics/log", s.logDetection)
	}
	return r
}
