package scripts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/core"
)

// ValidationError carrega o diagnóstico do compilador. errors.Is com
// ErrValidationFailed funciona.
type ValidationError struct {
	Diagnostic string
}

func (e *ValidationError) Error() string {
	return ErrValidationFailed.Error() + ": " + e.Diagnostic
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Validator roda só o modo de checagem de sintaxe do interpretador.
type Validator struct {
	resolver Resolver
	workDir  string
	timeout  time.Duration
	log      zerolog.Logger
}

func NewValidator(resolver Resolver, workDir string, timeout time.Duration, log zerolog.Logger) *Validator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{resolver: resolver, workDir: workDir, timeout: timeout, log: log}
}

// Validate nunca devolve erro: qualquer problema, inclusive falta de
// interpretador, vira Valid=false com a mensagem.
func (v *Validator) Validate(ctx context.Context, code string) core.ValidationResult {
	err := v.Check(ctx, code)
	if err == nil {
		return core.ValidationResult{Valid: true}
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return core.ValidationResult{Valid: false, Error: vErr.Diagnostic}
	}
	return core.ValidationResult{Valid: false, Error: err.Error()}
}

// Check devolve nil, um *ValidationError (sintaxe) ou o erro de infraestrutura
// (ErrInterpreterNotFound, disco, timeout).
func (v *Validator) Check(ctx context.Context, code string) error {
	interp, err := v.resolver.Resolve(ctx)
	if err != nil {
		v.log.Warn().Err(err).Msg("validate sem interpretador")
		return err
	}

	if err := os.MkdirAll(v.workDir, 0o755); err != nil {
		return fmt.Errorf("prepare work dir: %w", err)
	}
	f, err := os.CreateTemp(v.workDir, "validate_*.py")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	args := append(append([]string{}, interp.CheckArgs...), path)
	out, err := exec.CommandContext(ctx, interp.Path, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("syntax check timed out after %s", v.timeout)
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("run syntax check: %w", err)
	}

	msg := strings.TrimSpace(string(out))
	// o caminho temporário não interessa para quem escreveu o script
	msg = strings.ReplaceAll(msg, path, "<script>")
	msg = strings.ReplaceAll(msg, filepath.Base(path), "<script>")
	if msg == "" {
		msg = fmt.Sprintf("syntax check failed with exit code %d", exitErr.ExitCode())
	}
	return &ValidationError{Diagnostic: msg}
}
