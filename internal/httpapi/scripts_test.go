//go:build !windows

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/cam-stream/internal/core"
	"github.com/sua-org/cam-stream/internal/events"
	"github.com/sua-org/cam-stream/internal/scripts"
	"github.com/sua-org/cam-stream/internal/store"
	"github.com/sua-org/cam-stream/internal/stream"
)

type scriptEnv struct {
	handler http.Handler
	sup     *scripts.Supervisor
	store   *store.Memory
}

func newScriptServer(t *testing.T, resolver scripts.Resolver) *scriptEnv {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh indisponível")
	}

	hub := events.NewHub(zerolog.Nop())
	mem := store.NewMemory()
	sup, err := scripts.NewSupervisor(scripts.Options{
		WorkDir:      t.TempDir(),
		Resolver:     resolver,
		Store:        mem,
		Hub:          hub,
		Logger:       zerolog.Nop(),
		StopGrace:    time.Second,
		RestartDelay: 20 * time.Millisecond,
		WaitDelay:    500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.StopAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Wait(ctx)
	})

	engine := stream.NewEngine(stream.Options{Hub: hub, Logger: zerolog.Nop()})
	t.Cleanup(engine.Close)

	srv := NewServer(Deps{
		Engine:   engine,
		Scripts:  sup,
		Registry: mem,
		Logger:   zerolog.Nop(),
	}, Options{ServerURL: "http://127.0.0.1:3000"})
	return &scriptEnv{handler: srv.Router(), sup: sup, store: mem}
}

func shInterpreter() scripts.StaticResolver {
	return scripts.StaticResolver{Name: "sh", Path: "/bin/sh", CheckArgs: []string{"-n"}}
}

func startBody(code string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"code":     code,
		"deviceId": "cam1",
		"userId":   "u1",
	})
	return b
}

func TestScripts_startInfoStop(t *testing.T) {
	env := newScriptServer(t, shInterpreter())
	h := env.handler

	rec := do(t, h, http.MethodPost, "/api/scripts/s1/start", startBody("sleep 30\n"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started struct {
		ScriptID string `json:"scriptId"`
		PID      int    `json:"pid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "s1", started.ScriptID)
	assert.Positive(t, started.PID)

	owner, err := env.store.ScriptOwner(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)

	rec = do(t, h, http.MethodPost, "/api/scripts/s1/start", startBody("sleep 30\n"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "AlreadyRunning")

	rec = do(t, h, http.MethodGet, "/api/scripts/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info scriptInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.Running)
	require.NotNil(t, info.Process)
	assert.Equal(t, started.PID, info.Process.PID)
	assert.Equal(t, "cam1", info.Process.Config.SourceID)
	assert.Equal(t, "http://127.0.0.1:3000", info.Process.Config.ServerURL)

	rec = do(t, h, http.MethodGet, "/api/scripts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats core.SupervisorStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Count)

	rec = do(t, h, http.MethodPost, "/api/scripts/s1/stop", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return !env.sup.IsRunning("s1") }, 5*time.Second, 10*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/scripts/s1/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "NotRunning")

	require.Eventually(t, func() bool {
		rec, err := env.store.Script(context.Background(), "s1")
		return err == nil && rec.Status == core.ScriptStatusStopped
	}, 5*time.Second, 10*time.Millisecond)

	rec = do(t, h, http.MethodGet, "/api/scripts/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info = scriptInfoResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.False(t, info.Running)
	require.NotNil(t, info.Record)
	assert.Equal(t, core.ScriptStatusStopped, info.Record.Status)
}

func TestScripts_rejectedStartKeepsOwnership(t *testing.T) {
	env := newScriptServer(t, shInterpreter())
	h := env.handler

	rec := do(t, h, http.MethodPost, "/api/scripts/s1/start", startBody("sleep 30\n"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	other, _ := json.Marshal(map[string]interface{}{
		"code":     "sleep 30\n",
		"deviceId": "camX",
		"userId":   "intruder",
	})
	rec = do(t, h, http.MethodPost, "/api/scripts/s1/start", other)
	assert.Equal(t, http.StatusConflict, rec.Code)

	script, err := env.store.Script(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", script.OwnerID)
	assert.Equal(t, "cam1", script.SourceID)

	owner, err := env.store.ScriptOwner(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
	assert.True(t, env.sup.IsRunning("s1"))
}

func TestScripts_restartReplacesProcess(t *testing.T) {
	env := newScriptServer(t, shInterpreter())
	h := env.handler

	rec := do(t, h, http.MethodPost, "/api/scripts/s1/start", startBody("sleep 30\n"))
	require.Equal(t, http.StatusCreated, rec.Code)
	first, ok := env.sup.Info("s1")
	require.True(t, ok)

	rec = do(t, h, http.MethodPost, "/api/scripts/s1/restart", startBody("sleep 31\n"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second, ok := env.sup.Info("s1")
	require.True(t, ok)
	assert.NotEqual(t, first.PID, second.PID)
}

func TestScripts_invalidCodeIsNeverStarted(t *testing.T) {
	env := newScriptServer(t, shInterpreter())

	rec := do(t, env.handler, http.MethodPost, "/api/scripts/s1/start", startBody("if then fi (\n"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ValidationFailed", body.Code)
	assert.NotEmpty(t, body.Detail)
	assert.False(t, env.sup.IsRunning("s1"))
}

func TestScripts_validateEndpoint(t *testing.T) {
	env := newScriptServer(t, shInterpreter())

	rec := do(t, env.handler, http.MethodPost, "/api/scripts/validate", []byte(`{"code":"echo ok\n"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true}`, rec.Body.String())

	rec = do(t, env.handler, http.MethodPost, "/api/scripts/validate", []byte(`{"code":"if then fi (\n"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var res core.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)

	rec = do(t, env.handler, http.MethodPost, "/api/scripts/validate", []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScripts_requestErrors(t *testing.T) {
	env := newScriptServer(t, shInterpreter())
	h := env.handler

	rec := do(t, h, http.MethodPost, "/api/scripts/s1/start", []byte(`{"deviceId":"cam1"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/scripts/s1/start", []byte(`{"code":"echo ok"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/scripts/..bad/start", startBody("echo ok\n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/scripts/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScripts_missingInterpreterIsUnavailable(t *testing.T) {
	env := newScriptServer(t, scripts.StaticResolver{Name: "python"})

	rec := do(t, env.handler, http.MethodPost, "/api/scripts/s1/start", startBody("print(1)\n"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "InterpreterNotFound")
}
