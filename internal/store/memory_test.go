package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/cam-stream/internal/core"
)

func TestMemory_updateScriptStatusIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	pid := 42

	require.NoError(t, m.UpdateScriptStatus(ctx, "s1", core.ScriptStatusRunning, &pid))
	pid = 99 // o store não pode guardar o ponteiro de quem chamou
	rec, err := m.Script(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec.PID)
	assert.Equal(t, 42, *rec.PID)

	require.NoError(t, m.UpdateScriptStatus(ctx, "s1", core.ScriptStatusStopped, nil))
	require.NoError(t, m.UpdateScriptStatus(ctx, "s1", core.ScriptStatusStopped, nil))
	rec, err = m.Script(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.ScriptStatusStopped, rec.Status)
	assert.Nil(t, rec.PID)
}

func TestMemory_registerKeepsStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.UpdateScriptStatus(ctx, "s1", core.ScriptStatusError, nil))
	require.NoError(t, m.RegisterScript(ctx, "s1", "user-1", "cam1"))

	rec, err := m.Script(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.ScriptStatusError, rec.Status)
	assert.Equal(t, "user-1", rec.OwnerID)
	assert.Equal(t, "cam1", rec.SourceID)

	owner, err := m.ScriptOwner(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", owner)
}

func TestMemory_unknownScript(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.ScriptOwner(ctx, "nope")
	assert.ErrorIs(t, err, ErrScriptNotFound)

	// status sem dono registrado também não conta como dono conhecido
	require.NoError(t, m.UpdateScriptStatus(ctx, "s2", core.ScriptStatusRunning, nil))
	_, err = m.ScriptOwner(ctx, "s2")
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestMemory_detections(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.InsertDetection(context.Background(), core.Detection{ScriptID: "s1", DetectionType: "person", DetectedCount: 2}))

	got := m.Detections()
	require.Len(t, got, 1)
	assert.Equal(t, "person", got[0].DetectionType)
}
