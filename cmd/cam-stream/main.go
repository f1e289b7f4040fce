// cmd/cam-stream/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sua-org/cam-stream/internal/analytics"
	"github.com/sua-org/cam-stream/internal/config"
	"github.com/sua-org/cam-stream/internal/events"
	"github.com/sua-org/cam-stream/internal/httpapi"
	"github.com/sua-org/cam-stream/internal/logger"
	"github.com/sua-org/cam-stream/internal/metrics"
	"github.com/sua-org/cam-stream/internal/mqttclient"
	"github.com/sua-org/cam-stream/internal/notify"
	"github.com/sua-org/cam-stream/internal/pull"
	"github.com/sua-org/cam-stream/internal/scripts"
	"github.com/sua-org/cam-stream/internal/storage"
	"github.com/sua-org/cam-stream/internal/store"
	"github.com/sua-org/cam-stream/internal/stream"
)

func main() {
	dotenvErr := config.LoadDotEnv()

	var warnings []string
	cfg, err := config.Load(func(msg string) { warnings = append(warnings, msg) })

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	mainLog := logger.Component(log, "main")
	if dotenvErr != nil {
		mainLog.Debug().Err(dotenvErr).Msg(".env não carregado")
	}
	for _, w := range warnings {
		mainLog.Warn().Msg(w)
	}
	if err != nil {
		mainLog.Fatal().Err(err).Msg("erro ao carregar configuração")
	}

	if err := run(cfg, log); err != nil {
		mainLog.Fatal().Err(err).Msg("cam-stream terminou com erro")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	mainLog := logger.Component(log, "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(logger.Component(log, "events"))
	m := metrics.New()
	m.Register(hub)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	var (
		statusStore scripts.StatusRecorder = st
		notifier    *notify.Notifier
		mqttCli     *mqttclient.Client
	)
	if cfg.MQTT.Enabled {
		mqttCfg := mqttclient.ConfigFromEnv("cam-stream")
		mqttCfg.WillTopic = notify.ServiceTopic(cfg.MQTT.BaseTopic)
		mqttCfg.WillPayload = []byte("offline")
		mqttCli, err = mqttclient.NewClient(mqttCfg, logger.Component(log, "mqtt"))
		if err != nil {
			return err
		}
		notifier = notify.New(mqttCli, notify.Options{
			BaseTopic:     cfg.MQTT.BaseTopic,
			PublishOutput: cfg.MQTT.PublishScriptOutput,
			Logger:        logger.Component(log, "notify"),
		})
		notifier.Register(hub)
		statusStore = notifier.WrapStatus(st)
		m.RegisterNotifier(notifier.Dropped, notifier.Failed)
	}

	var archiver *storage.Archiver
	if minioCfg := storage.MinioConfigFromEnv(); minioCfg.Enabled() {
		images, err := storage.NewMinioStore(ctx, minioCfg, logger.Component(log, "minio"))
		if err != nil {
			// snapshot remoto é opcional
			mainLog.Warn().Err(err).Msg("MinIO não inicializado, seguindo sem snapshots")
		} else {
			archiver = storage.NewArchiver(images, logger.Component(log, "archiver"))
			archiver.Register(hub)
		}
	}

	engine := stream.NewEngine(stream.Options{
		Expiry:       cfg.Stream.Expiry,
		SweepWindow:  cfg.Stream.SweepWindow,
		ViewerBuffer: cfg.Stream.ViewerBuffer,
		Hub:          hub,
		Logger:       logger.Component(log, "stream"),
	})
	m.RegisterStream(engine.Stats)

	pullOpts := pull.Options{
		Cameras:       pullCameras(cfg.Pull.Cameras),
		MaxFrameBytes: cfg.Stream.MaxFrameBytes,
		RetryDelay:    cfg.Pull.RetryDelay,
		Logger:        logger.Component(log, "pull"),
	}
	if notifier != nil {
		pullOpts.BaseTopic = cfg.MQTT.BaseTopic
		pullOpts.OnStatus = notifier.PullStatus
	}
	puller := pull.NewManager(engine, pullOpts)
	m.RegisterPull(puller.Online)

	resolver := scripts.NewPythonResolver(cfg.Scripts.Interpreters, cfg.Scripts.RequiredMajor, logger.Component(log, "interpreter"))
	if interp, err := resolver.Resolve(ctx); err != nil {
		// não é fatal: o stream funciona sem scripts e o python pode aparecer depois
		mainLog.Warn().Err(err).Msg("nenhum interpretador compatível encontrado")
	} else {
		mainLog.Info().Str("interpreter", interp.Path).Str("version", interp.Version).Msg("interpretador resolvido")
	}

	sup, err := scripts.NewSupervisor(scripts.Options{
		WorkDir:         cfg.Scripts.WorkDir,
		Resolver:        resolver,
		Store:           statusStore,
		Hub:             hub,
		Logger:          logger.Component(log, "scripts"),
		StopGrace:       cfg.Scripts.StopGrace,
		RestartDelay:    cfg.Scripts.RestartDelay,
		ValidateTimeout: cfg.Scripts.ValidateTimeout,
	})
	if err != nil {
		return err
	}
	m.RegisterScripts(sup.Count)

	api := httpapi.NewServer(httpapi.Deps{
		Engine:   engine,
		Scripts:  sup,
		Registry: st,
		Recorder: analytics.NewRecorder(st, hub, logger.Component(log, "analytics")),
		Pull:     puller,
		Metrics:  m,
		Logger:   logger.Component(log, "http"),
	}, httpapi.Options{
		ServerURL:     cfg.ServerURL,
		MaxFrameBytes: cfg.Stream.MaxFrameBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// o notifier vive além do ctx de sinal para publicar o fim dos scripts
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	g, gctx := errgroup.WithContext(bgCtx)
	g.Go(func() error { return engine.Run(gctx) })
	if notifier != nil {
		g.Go(func() error { return notifier.Run(gctx) })
	}
	pullCtx, cancelPull := context.WithCancel(gctx)
	defer cancelPull()
	g.Go(func() error {
		var sub pull.Subscriber
		if mqttCli != nil {
			sub = mqttCli
		}
		return puller.Run(pullCtx, sub)
	})

	serveErr := make(chan error, 1)
	go func() {
		mainLog.Info().Str("addr", cfg.HTTPAddr).Str("server_url", cfg.ServerURL).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		mainLog.Info().Msg("sinal recebido, encerrando...")
	case err := <-serveErr:
		runErr = err
		mainLog.Error().Err(err).Msg("http server falhou")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// sem novos frames puxados a partir daqui
	cancelPull()

	if err := stopServing(shutdownCtx, srv, engine); err != nil {
		mainLog.Warn().Err(err).Msg("http shutdown incompleto")
	}

	// Os scripts têm prazo próprio: o kill forçado precisa disparar mesmo que
	// o Shutdown tenha gastado o shutdownCtx.
	_ = drainScripts(sup, scriptDrainBudget(cfg.Scripts.StopGrace), mainLog)

	if archiver != nil {
		if err := archiver.Wait(shutdownCtx); err != nil {
			mainLog.Warn().Err(err).Msg("uploads de snapshot pendentes")
		}
	}

	cancelBg()
	if err := g.Wait(); err != nil {
		mainLog.Warn().Err(err).Msg("worker terminou com erro")
	}
	if mqttCli != nil {
		mqttCli.Close()
	}

	mainLog.Info().Msg("cam-stream encerrado")
	return runErr
}

// stopServing fecha o engine antes do Shutdown: viewers MJPEG e ingest longos
// só devolvem quando a fonte termina, e o Shutdown esperaria o prazo inteiro.
func stopServing(ctx context.Context, srv *http.Server, engine *stream.Engine) error {
	engine.Close()
	return srv.Shutdown(ctx)
}

type scriptDrainer interface {
	StopAll() int
	Wait(ctx context.Context) error
}

// scriptDrainBudget cobre o término gracioso, o kill forçado e a drenagem dos
// pipes do último filho.
func scriptDrainBudget(stopGrace time.Duration) time.Duration {
	if stopGrace <= 0 {
		stopGrace = scripts.DefaultStopGrace
	}
	return stopGrace + scripts.DefaultWaitDelay + time.Second
}

func drainScripts(sup scriptDrainer, budget time.Duration, log zerolog.Logger) error {
	n := sup.StopAll()
	log.Info().Int("scripts", n).Msg("parando scripts")

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("scripts ainda rodando no fim do prazo")
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		storeLog := logger.Component(log, "main")
		storeLog.Warn().Msg("DATABASE_URL vazio, usando store em memória")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger.Component(log, "store"))
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func pullCameras(in []config.PullCamera) []pull.Camera {
	out := make([]pull.Camera, 0, len(in))
	for _, c := range in {
		out = append(out, pull.Camera{
			SourceID: c.SourceID,
			URL:      c.URL,
			Username: c.Username,
			Password: c.Password,
			Insecure: c.Insecure,
			Interval: c.Interval,
		})
	}
	return out
}
