// Package scripts supervisiona os scripts de analytics dos usuários, cada um
// rodando como processo filho do interpretador.
//
// No máximo um processo por scriptId. Start/Stop/Restart do mesmo id são
// serializados por uma trava por chave; a saída do processo é observada por
// uma goroutine própria que remove a entrada e persiste o status uma única vez.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/sua-org/cam-stream/internal/core"
	"github.com/sua-org/cam-stream/internal/events"
)

const (
	DefaultStopGrace    = 5 * time.Second
	DefaultRestartDelay = time.Second
	DefaultWaitDelay    = 2 * time.Second
)

var scriptIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateID confere que o id serve como parte de nome de arquivo.
func ValidateID(scriptID string) error {
	if !scriptIDRe.MatchString(scriptID) {
		return fmt.Errorf("%w: %q", ErrInvalidScriptID, scriptID)
	}
	return nil
}

// StatusRecorder é o colaborador de persistência. Precisa aceitar chamadas
// repetidas com o mesmo valor.
type StatusRecorder interface {
	UpdateScriptStatus(ctx context.Context, scriptID string, status core.ScriptStatus, pid *int) error
}

type Options struct {
	WorkDir  string
	Resolver Resolver
	Store    StatusRecorder
	Hub      *events.Hub
	Logger   zerolog.Logger

	// StopGrace é quanto o SIGTERM tem antes do kill forçado.
	StopGrace time.Duration
	// RestartDelay é a pausa entre a saída da instância antiga e o novo start.
	RestartDelay    time.Duration
	ValidateTimeout time.Duration
	// WaitDelay limita a espera pelos pipes depois que o processo morreu.
	WaitDelay time.Duration
}

type Supervisor struct {
	opts      Options
	log       zerolog.Logger
	hub       *events.Hub
	store     StatusRecorder
	resolver  Resolver
	validator *Validator
	workDir   string

	keys *keyLocks

	mu      sync.Mutex
	procs   map[string]*runningProcess
	closing bool
}

type runningProcess struct {
	scriptID  string
	cmd       *exec.Cmd
	pid       int
	startTime time.Time
	config    core.RunConfig
	workFile  string

	// stopping e killTimer são protegidos por Supervisor.mu
	stopping  bool
	killTimer *time.Timer

	stdout *lineWriter
	stderr *lineWriter

	// ready fecha depois que pid e startTime foram gravados; a saída do filho
	// espera por ele antes de ler o pid.
	ready chan struct{}
	done  chan struct{}
}

func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Resolver == nil {
		return nil, errors.New("scripts: resolver is required")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "scripts"
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = DefaultWaitDelay
	}

	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("scripts: resolve work dir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("scripts: create work dir: %w", err)
	}

	return &Supervisor{
		opts:      opts,
		log:       opts.Logger,
		hub:       opts.Hub,
		store:     opts.Store,
		resolver:  opts.Resolver,
		validator: NewValidator(opts.Resolver, workDir, opts.ValidateTimeout, opts.Logger),
		workDir:   workDir,
		keys:      newKeyLocks(),
		procs:     make(map[string]*runningProcess),
	}, nil
}

// Validate faz o dry-run de sintaxe. Nunca executa a lógica do script.
func (s *Supervisor) Validate(ctx context.Context, code string) core.ValidationResult {
	return s.validator.Validate(ctx, code)
}

// Check é o Validate em forma de erro, para quem precisa distinguir sintaxe
// inválida (ErrValidationFailed) de interpretador ausente.
func (s *Supervisor) Check(ctx context.Context, code string) error {
	return s.validator.Check(ctx, code)
}

// Start grava o código no arquivo de trabalho, sobe o interpretador e devolve
// o pid. Já existir processo para o id é ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, scriptID, code string, cfg core.RunConfig) (int, error) {
	if err := ValidateID(scriptID); err != nil {
		return 0, err
	}

	unlock := s.keys.lock(scriptID)
	defer unlock()

	s.mu.Lock()
	closing := s.closing
	_, running := s.procs[scriptID]
	s.mu.Unlock()
	if closing {
		return 0, ErrSupervisorClosed
	}
	if running {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, scriptID)
	}

	interp, err := s.resolver.Resolve(ctx)
	if err != nil {
		return 0, s.spawnFailed(ctx, scriptID, err)
	}

	workFile := s.workFilePath(scriptID)
	if err := os.WriteFile(workFile, []byte(code), 0o600); err != nil {
		return 0, s.spawnFailed(ctx, scriptID, fmt.Errorf("write work file: %w", err))
	}

	p := &runningProcess{
		scriptID: scriptID,
		config:   cfg,
		workFile: workFile,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	args := append(append([]string{}, interp.Args...), workFile)
	cmd := exec.Command(interp.Path, args...)
	cmd.Dir = s.workDir
	cmd.Env = append(os.Environ(), childEnv(scriptID, cfg)...)
	p.stdout = newLineWriter(func(line string) { s.onOutput(p, "stdout", line) })
	p.stderr = newLineWriter(func(line string) { s.onOutput(p, "stderr", line) })
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.WaitDelay = s.opts.WaitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		close(p.ready)
		_ = os.Remove(workFile)
		return 0, s.spawnFailed(ctx, scriptID, err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startTime = time.Now()
	close(p.ready)

	s.mu.Lock()
	s.procs[scriptID] = p
	s.mu.Unlock()

	pid := p.pid
	s.persist(ctx, scriptID, core.ScriptStatusRunning, &pid)

	s.log.Info().
		Str("script_id", scriptID).
		Int("pid", pid).
		Str("interpreter", interp.Path).
		Str("source_id", cfg.SourceID).
		Msg("script started")

	// A goroutine de saída precisa da trava da chave, então só persiste depois
	// que este Start terminou.
	go s.waitForExit(p)
	return pid, nil
}

// Stop manda o pedido gracioso de término e arma o kill forçado. Não espera
// o processo sair; a saída é tratada por waitForExit.
func (s *Supervisor) Stop(scriptID string) error {
	unlock := s.keys.lock(scriptID)
	defer unlock()

	_, err := s.stopLocked(scriptID)
	return err
}

// Restart para a instância atual (se houver), espera ela sair, aguarda o
// settle delay e sobe de novo.
func (s *Supervisor) Restart(ctx context.Context, scriptID, code string, cfg core.RunConfig) (int, error) {
	unlock := s.keys.lock(scriptID)
	p, err := s.stopLocked(scriptID)
	unlock()

	if err != nil && !errors.Is(err, ErrNotRunning) {
		return 0, err
	}

	if p != nil {
		wait := time.NewTimer(s.opts.StopGrace + s.opts.WaitDelay)
		defer wait.Stop()
		select {
		case <-p.done:
		case <-wait.C:
			return 0, fmt.Errorf("restart %s: previous instance (pid %d) did not exit", scriptID, p.pid)
		case <-ctx.Done():
			return 0, ctx.Err()
		}

		settle := time.NewTimer(s.opts.RestartDelay)
		defer settle.Stop()
		select {
		case <-settle.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	return s.Start(ctx, scriptID, code, cfg)
}

// StopAll fecha o supervisor para novos starts e manda stop para todos os
// processos em paralelo. Erros individuais são logados e não interrompem os
// outros. Devolve quantos stops foram emitidos.
func (s *Supervisor) StopAll() int {
	s.mu.Lock()
	s.closing = true
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
				s.log.Warn().Err(err).Str("script_id", id).Msg("stop during shutdown failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info().Int("scripts", len(ids)).Msg("stopAll issued")
	return len(ids)
}

// Wait bloqueia até todos os processos atuais saírem ou ctx acabar.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	dones := make([]chan struct{}, 0, len(s.procs))
	for _, p := range s.procs {
		dones = append(dones, p.done)
	}
	s.mu.Unlock()

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) IsRunning(scriptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[scriptID]
	return ok
}

// Count é barato: não lê CPU/RSS como Stats.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Info devolve o snapshot do processo, com CPU/RSS quando o SO deixa ler.
func (s *Supervisor) Info(scriptID string) (core.ProcessInfo, bool) {
	s.mu.Lock()
	p, ok := s.procs[scriptID]
	var info core.ProcessInfo
	if ok {
		info = p.infoLocked(time.Now())
	}
	s.mu.Unlock()

	if !ok {
		return core.ProcessInfo{}, false
	}
	fillResourceUsage(&info)
	return info, true
}

func (s *Supervisor) Stats() core.SupervisorStats {
	now := time.Now()
	s.mu.Lock()
	infos := make([]core.ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		infos = append(infos, p.infoLocked(now))
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ScriptID < infos[j].ScriptID })
	for i := range infos {
		fillResourceUsage(&infos[i])
	}
	return core.SupervisorStats{Count: len(infos), Scripts: infos}
}

func (p *runningProcess) infoLocked(now time.Time) core.ProcessInfo {
	return core.ProcessInfo{
		ScriptID:  p.scriptID,
		PID:       p.pid,
		StartTime: p.startTime,
		Uptime:    now.Sub(p.startTime),
		Config:    p.config,
		Stopping:  p.stopping,
	}
}

func fillResourceUsage(info *core.ProcessInfo) {
	proc, err := process.NewProcess(int32(info.PID))
	if err != nil {
		return
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		info.MemoryRSS = mem.RSS
	}
}

// stopLocked exige a trava da chave. Devolve o processo parado (ou já em
// parada) para quem precisar esperar por ele.
func (s *Supervisor) stopLocked(scriptID string) (*runningProcess, error) {
	s.mu.Lock()
	p, ok := s.procs[scriptID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, scriptID)
	}
	if p.stopping {
		s.mu.Unlock()
		return p, nil
	}
	p.stopping = true
	p.killTimer = time.AfterFunc(s.opts.StopGrace, func() { s.forceKill(p) })
	s.mu.Unlock()

	if err := terminateProcess(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn().Err(err).Str("script_id", scriptID).Int("pid", p.pid).Msg("graceful stop signal failed")
	}
	if err := os.Remove(p.workFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Debug().Err(err).Str("script_id", scriptID).Msg("remove work file")
	}

	s.log.Info().
		Str("script_id", scriptID).
		Int("pid", p.pid).
		Dur("grace", s.opts.StopGrace).
		Msg("script stop requested")
	return p, nil
}

func (s *Supervisor) forceKill(p *runningProcess) {
	select {
	case <-p.done:
		return
	default:
	}
	s.log.Warn().
		Str("script_id", p.scriptID).
		Int("pid", p.pid).
		Msg("script did not exit in time, killing")
	if err := killProcess(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Error().Err(err).Str("script_id", p.scriptID).Int("pid", p.pid).Msg("force kill failed")
	}
}

func (s *Supervisor) waitForExit(p *runningProcess) {
	err := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()

	unlock := s.keys.lock(p.scriptID)

	s.mu.Lock()
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	stopping := p.stopping
	if cur, ok := s.procs[p.scriptID]; ok && cur == p {
		delete(s.procs, p.scriptID)
	}
	s.mu.Unlock()

	exitCode := p.cmd.ProcessState.ExitCode()
	status := exitStatus(stopping, err)
	s.persist(context.Background(), p.scriptID, status, nil)
	unlock()

	evt := s.log.Info()
	if status == core.ScriptStatusError {
		evt = s.log.Warn().Err(err)
	}
	evt.Str("script_id", p.scriptID).
		Int("pid", p.pid).
		Int("exit_code", exitCode).
		Str("status", string(status)).
		Dur("uptime", time.Since(p.startTime)).
		Msg("script exited")

	s.hub.EmitScriptExited(events.ScriptExited{
		ScriptID: p.scriptID,
		PID:      p.pid,
		Status:   status,
		ExitCode: exitCode,
		Err:      err,
		At:       time.Now(),
	})
	close(p.done)
}

// exitStatus: parada pedida (mesmo com kill forçado) ou saída 0 => stopped;
// qualquer outra coisa => error. Crash não é reiniciado aqui.
func exitStatus(stopRequested bool, waitErr error) core.ScriptStatus {
	if stopRequested || waitErr == nil {
		return core.ScriptStatusStopped
	}
	return core.ScriptStatusError
}

func (s *Supervisor) spawnFailed(ctx context.Context, scriptID string, cause error) error {
	s.log.Error().Err(cause).Str("script_id", scriptID).Msg("script spawn failed")
	s.persist(ctx, scriptID, core.ScriptStatusError, nil)
	s.hub.EmitScriptExited(events.ScriptExited{
		ScriptID: scriptID,
		Status:   core.ScriptStatusError,
		ExitCode: -1,
		Err:      cause,
		At:       time.Now(),
	})
	return fmt.Errorf("%w: %w", ErrSpawnFailed, cause)
}

func (s *Supervisor) persist(ctx context.Context, scriptID string, status core.ScriptStatus, pid *int) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateScriptStatus(ctx, scriptID, status, pid); err != nil {
		s.log.Error().
			Err(err).
			Str("script_id", scriptID).
			Str("status", string(status)).
			Msg("persist script status failed")
	}
}

func (s *Supervisor) onOutput(p *runningProcess, stream, line string) {
	<-p.ready

	evt := s.log.Info()
	if stream == "stderr" {
		evt = s.log.Warn()
	}
	evt.Str("script_id", p.scriptID).
		Int("pid", p.pid).
		Str("stream", stream).
		Msg(line)

	s.hub.EmitScriptOutput(events.ScriptOutput{
		ScriptID: p.scriptID,
		PID:      p.pid,
		Stream:   stream,
		Line:     line,
		At:       time.Now(),
	})
}

func (s *Supervisor) workFilePath(scriptID string) string {
	return filepath.Join(s.workDir, "script_"+scriptID+".py")
}

// childEnv é o contrato com o script: quem ele é, de quem é, qual câmera ler
// e para onde mandar as detecções.
func childEnv(scriptID string, cfg core.RunConfig) []string {
	env := []string{
		"SCRIPT_ID=" + scriptID,
		"SERVER_URL=" + cfg.ServerURL,
		"DEVICE_ID=" + cfg.SourceID,
		"USER_ID=" + cfg.OwnerID,
		"SOURCE_ID=" + cfg.SourceID,
		"OWNER_ID=" + cfg.OwnerID,
		"PYTHONUNBUFFERED=1",
	}
	keys := make([]string, 0, len(cfg.Extra))
	for k := range cfg.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Extra[k])
	}
	return env
}
