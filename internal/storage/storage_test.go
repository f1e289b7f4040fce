package storage

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/cam-stream/internal/events"
)

type fakeImageStore struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func (f *fakeImageStore) SaveSnapshot(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[key] = data
	return "http://minio/" + key, nil
}

func TestArchiver_uploadsLastFrameOnSourceEnd(t *testing.T) {
	st := &fakeImageStore{}
	a := NewArchiver(st, zerolog.Nop())
	hub := events.NewHub(zerolog.Nop())
	a.Register(hub)

	hub.EmitSourceEnded(events.SourceEnded{SourceID: "cam1", Reason: "expired", LastFrame: []byte{0xFF, 0xD8, 0xFF, 0xD9}})
	hub.EmitSourceEnded(events.SourceEnded{SourceID: "cam2", Reason: "stopped"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, st.saved["cam1/last.jpg"])
	assert.NotContains(t, st.saved, "cam2/last.jpg", "sem frame não há o que subir")
}

func TestArchiver_uploadErrorIsContained(t *testing.T) {
	a := NewArchiver(&fakeImageStore{err: errors.New("bucket gone")}, zerolog.Nop())
	hub := events.NewHub(zerolog.Nop())
	a.Register(hub)

	assert.NotPanics(t, func() {
		hub.EmitSourceEnded(events.SourceEnded{SourceID: "cam1", LastFrame: []byte{1}})
	})
	require.NoError(t, a.Wait(context.Background()))
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "http://minio:9000/snaps/cam1/last.jpg", objectURL(nil, false, "minio:9000", "snaps", "cam1/last.jpg"))
	assert.Equal(t, "https://minio:9000/snaps/k", objectURL(nil, true, "minio:9000", "snaps", "k"))

	base, _ := url.Parse("https://cdn.example.com/media/")
	assert.Equal(t, "https://cdn.example.com/media/cam1/last.jpg", objectURL(base, false, "", "", "cam1/last.jpg"))

	root, _ := url.Parse("https://cdn.example.com")
	assert.Equal(t, "https://cdn.example.com/cam1/last.jpg", objectURL(root, false, "", "", "cam1/last.jpg"))
}

func TestMinioConfig_enabled(t *testing.T) {
	assert.False(t, MinioConfig{}.Enabled())
	assert.True(t, MinioConfig{AccessKey: "a", SecretKey: "b"}.Enabled())
}
