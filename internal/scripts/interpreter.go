package scripts

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Interpreter é o comando resolvido que roda (Args) e checa sintaxe
// (CheckArgs) de um arquivo de script. O caminho do arquivo vai por último.
type Interpreter struct {
	Name      string
	Path      string
	Args      []string
	CheckArgs []string
	Version   string
}

// Resolver descobre qual interpretador usar no host.
type Resolver interface {
	Resolve(ctx context.Context) (Interpreter, error)
}

// StaticResolver devolve sempre o mesmo interpretador (config explícita, testes).
type StaticResolver Interpreter

func (r StaticResolver) Resolve(context.Context) (Interpreter, error) {
	if strings.TrimSpace(r.Path) == "" {
		return Interpreter{}, ErrInterpreterNotFound
	}
	return Interpreter(r), nil
}

var pythonVersionRe = regexp.MustCompile(`Python (\d+)\.(\d+)`)

// PythonResolver testa os candidatos em ordem e fica com o primeiro cuja
// versão major bate com RequiredMajor. O resultado positivo é cacheado;
// falha não é, para que instalar o python depois do boot funcione.
type PythonResolver struct {
	Candidates    []string
	RequiredMajor int
	Log           zerolog.Logger

	mu     sync.Mutex
	cached *Interpreter

	lookPath func(string) (string, error)
	version  func(ctx context.Context, path string, args []string) (string, error)
}

func NewPythonResolver(candidates []string, requiredMajor int, log zerolog.Logger) *PythonResolver {
	if len(candidates) == 0 {
		candidates = []string{"python3", "python", "py"}
	}
	if requiredMajor <= 0 {
		requiredMajor = 3
	}
	return &PythonResolver{
		Candidates:    candidates,
		RequiredMajor: requiredMajor,
		Log:           log,
		lookPath:      exec.LookPath,
		version:       runVersion,
	}
}

func (r *PythonResolver) Resolve(ctx context.Context) (Interpreter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return *r.cached, nil
	}

	var tried []string
	for _, name := range r.Candidates {
		path, err := r.lookPath(name)
		if err != nil {
			tried = append(tried, name+": not in PATH")
			continue
		}

		// o launcher do Windows precisa do -3 para não cair num python 2
		var prefix []string
		if name == "py" {
			prefix = []string{"-" + strconv.Itoa(r.RequiredMajor)}
		}

		out, err := r.version(ctx, path, prefix)
		if err != nil {
			tried = append(tried, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		m := pythonVersionRe.FindStringSubmatch(out)
		if m == nil {
			tried = append(tried, fmt.Sprintf("%s: unexpected version %q", name, strings.TrimSpace(out)))
			continue
		}
		major, _ := strconv.Atoi(m[1])
		if major != r.RequiredMajor {
			tried = append(tried, fmt.Sprintf("%s: version %s.%s", name, m[1], m[2]))
			continue
		}

		interp := Interpreter{
			Name:      name,
			Path:      path,
			Args:      append(append([]string{}, prefix...), "-u"),
			CheckArgs: append(append([]string{}, prefix...), "-m", "py_compile"),
			Version:   m[1] + "." + m[2],
		}
		r.cached = &interp
		r.Log.Info().
			Str("interpreter", name).
			Str("path", path).
			Str("version", interp.Version).
			Msg("interpreter resolved")
		return interp, nil
	}

	return Interpreter{}, fmt.Errorf("%w: need python %d, tried [%s]",
		ErrInterpreterNotFound, r.RequiredMajor, strings.Join(tried, "; "))
}

func runVersion(ctx context.Context, path string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// python 2 escreve a versão no stderr
	out, err := exec.CommandContext(ctx, path, append(args, "--version")...).CombinedOutput()
	return string(out), err
}
