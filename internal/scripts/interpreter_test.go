package scripts

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePythonResolver(paths map[string]string, versions map[string]string) *PythonResolver {
	r := NewPythonResolver([]string{"python3", "python", "py"}, 3, zerolog.Nop())
	r.lookPath = func(name string) (string, error) {
		if p, ok := paths[name]; ok {
			return p, nil
		}
		return "", errors.New("not found")
	}
	r.version = func(_ context.Context, path string, _ []string) (string, error) {
		return versions[path], nil
	}
	return r
}

func TestPythonResolver_picksFirstCompatibleCandidate(t *testing.T) {
	r := fakePythonResolver(
		map[string]string{"python": "/usr/bin/python", "py": "/usr/bin/py"},
		map[string]string{"/usr/bin/python": "Python 2.7.18", "/usr/bin/py": "Python 3.12.1\n"},
	)

	interp, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "py", interp.Name)
	assert.Equal(t, "3.12", interp.Version)
	assert.Equal(t, []string{"-3", "-u"}, interp.Args)
	assert.Equal(t, []string{"-3", "-m", "py_compile"}, interp.CheckArgs)
}

func TestPythonResolver_cachesSuccess(t *testing.T) {
	calls := 0
	r := fakePythonResolver(map[string]string{"python3": "/usr/bin/python3"}, nil)
	r.version = func(context.Context, string, []string) (string, error) {
		calls++
		return "Python 3.11.4", nil
	}

	for i := 0; i < 3; i++ {
		interp, err := r.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"-u"}, interp.Args)
	}
	assert.Equal(t, 1, calls)
}

func TestPythonResolver_noCandidate(t *testing.T) {
	r := fakePythonResolver(
		map[string]string{"python": "/usr/bin/python"},
		map[string]string{"/usr/bin/python": "Python 2.7.18"},
	)

	_, err := r.Resolve(context.Background())
	require.ErrorIs(t, err, ErrInterpreterNotFound)
	assert.Contains(t, err.Error(), "python3: not in PATH")
	assert.Contains(t, err.Error(), "version 2.7")
}

func TestStaticResolver_emptyPath(t *testing.T) {
	_, err := StaticResolver{}.Resolve(context.Background())
	assert.ErrorIs(t, err, ErrInterpreterNotFound)
}
