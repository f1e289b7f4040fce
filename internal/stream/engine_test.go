package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/cam-stream/internal/core"
	"github.com/sua-org/cam-stream/internal/events"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan []byte
	fail   error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan []byte, 64)}
}

func (s *recordingSink) WriteFrame(frame core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.frames = append(s.frames, frame.Data)
	s.got <- frame.Data
	return nil
}

func (s *recordingSink) next(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-s.got:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timeout esperando frame no sink")
		return nil
	}
}

func (s *recordingSink) assertNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case b := <-s.got:
		t.Fatalf("frame inesperado: %q", b)
	case <-time.After(wait):
	}
}

// blockingSink trava na escrita até release ser fechado.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) WriteFrame(core.Frame) error {
	<-s.release
	return nil
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *endedRecorder) {
	t.Helper()
	hub := events.NewHub(zerolog.Nop())
	rec := &endedRecorder{}
	hub.OnSourceEnded(rec.add)
	opts.Hub = hub
	opts.Logger = zerolog.Nop()
	e := NewEngine(opts)
	t.Cleanup(e.Close)
	return e, rec
}

type endedRecorder struct {
	mu     sync.Mutex
	events []events.SourceEnded
}

func (r *endedRecorder) add(evt events.SourceEnded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *endedRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *endedRecorder) last() events.SourceEnded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func waitDone(t *testing.T, v *Viewer) {
	t.Helper()
	select {
	case <-v.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("viewer não terminou")
	}
}

func TestEngine_viewerAttachedAfterPushGetsCurrentFrame(t *testing.T) {
	e, _ := newTestEngine(t, Options{Expiry: time.Minute})

	require.NoError(t, e.Push("cam1", []byte("A")))

	sink := newRecordingSink()
	_, err := e.AttachViewer("cam1", sink)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), sink.next(t))

	require.NoError(t, e.Push("cam1", []byte("B")))
	assert.Equal(t, []byte("B"), sink.next(t))
}

func TestEngine_viewerAttachedBeforePushWaits(t *testing.T) {
	e, _ := newTestEngine(t, Options{Expiry: time.Minute})

	sink := newRecordingSink()
	_, err := e.AttachViewer("cam1", sink)
	require.NoError(t, err)
	sink.assertNothing(t, 50*time.Millisecond)

	st := e.Status("cam1")
	assert.False(t, st.Exists)
	assert.Equal(t, 1, st.ViewerCount)

	require.NoError(t, e.Push("cam1", []byte("B")))
	assert.Equal(t, []byte("B"), sink.next(t))
}

func TestEngine_framesDeliveredInPushOrder(t *testing.T) {
	e, _ := newTestEngine(t, Options{Expiry: time.Minute, ViewerBuffer: 64})

	sink := newRecordingSink()
	_, err := e.AttachViewer("cam1", sink)
	require.NoError(t, err)

	want := []string{"f1", "f2", "f3", "f4", "f5"}
	for _, f := range want {
		require.NoError(t, e.Push("cam1", []byte(f)))
	}
	for _, f := range want {
		assert.Equal(t, []byte(f), sink.next(t))
	}
}

func TestEngine_viewerCountFollowsAttachDetach(t *testing.T) {
	e, _ := newTestEngine(t, Options{Expiry: time.Minute})

	v1, err := e.AttachViewer("cam1", newRecordingSink())
	require.NoError(t, err)
	v2, err := e.AttachViewer("cam1", newRecordingSink())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Push("cam1", []byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}))
	}
	assert.Equal(t, 2, e.Status("cam1").ViewerCount)

	e.DetachViewer("cam1", v1)
	e.DetachViewer("cam1", v1)
	assert.Equal(t, 1, e.Status("cam1").ViewerCount)

	e.DetachViewer("cam1", v2)
	assert.Equal(t, 0, e.Status("cam1").ViewerCount)
	assert.Empty(t, e.viewers.sets, "conjunto vazio deve ser descartado")

	waitDone(t, v1)
	waitDone(t, v2)
}

func TestEngine_endSourceIsIdempotent(t *testing.T) {
	e, rec := newTestEngine(t, Options{Expiry: time.Minute})

	require.NoError(t, e.Push("cam1", []byte("A")))
	v, err := e.AttachViewer("cam1", newRecordingSink())
	require.NoError(t, err)

	e.EndSource("cam1")
	e.EndSource("cam1")

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "stopped", rec.last().Reason)
	assert.Equal(t, []byte("A"), rec.last().LastFrame)
	waitDone(t, v)

	st := e.Status("cam1")
	assert.False(t, st.Exists)
	assert.Equal(t, 0, st.ViewerCount)
}

func TestEngine_lifecycleEventsKeepOrder(t *testing.T) {
	hub := events.NewHub(zerolog.Nop())
	var mu sync.Mutex
	var seq []string
	hub.OnSourceStarted(func(events.SourceStarted) {
		mu.Lock()
		seq = append(seq, "started")
		mu.Unlock()
	})
	hub.OnSourceEnded(func(events.SourceEnded) {
		mu.Lock()
		seq = append(seq, "ended")
		mu.Unlock()
	})
	e := NewEngine(Options{Expiry: time.Minute, Hub: hub, Logger: zerolog.Nop()})
	t.Cleanup(e.Close)

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = e.Push("cam1", []byte("A"))
		}()
		go func() {
			defer wg.Done()
			e.EndSource("cam1")
		}()
		wg.Wait()
		e.EndSource("cam1")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seq, 400)
	for i, ev := range seq {
		if i%2 == 0 {
			require.Equal(t, "started", ev, "evento %d", i)
		} else {
			require.Equal(t, "ended", ev, "evento %d", i)
		}
	}
}

func TestEngine_shortTimerExpiresSilentSource(t *testing.T) {
	e, rec := newTestEngine(t, Options{Expiry: 80 * time.Millisecond})

	require.NoError(t, e.Push("cam1", []byte("A")))
	v, err := e.AttachViewer("cam1", newRecordingSink())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "expired", rec.last().Reason)
	assert.False(t, e.Status("cam1").Exists)
	waitDone(t, v)
}

func TestEngine_pushResetsExpiry(t *testing.T) {
	e, rec := newTestEngine(t, Options{Expiry: 150 * time.Millisecond})

	for i := 0; i < 6; i++ {
		require.NoError(t, e.Push("cam1", []byte("A")))
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 0, rec.count())
	assert.True(t, e.Status("cam1").Exists)
}

func TestEngine_sweepRemovesStaleSources(t *testing.T) {
	e, rec := newTestEngine(t, Options{Expiry: time.Minute, SweepWindow: time.Minute})

	require.NoError(t, e.Push("old", []byte("A")))
	require.NoError(t, e.Push("fresh", []byte("B")))

	e.mu.Lock()
	entry, _ := e.sources.get("old")
	entry.frame.ReceivedAt = time.Now().Add(-2 * time.Minute)
	e.mu.Unlock()

	assert.Equal(t, 1, e.sweep(time.Now()))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "swept", rec.last().Reason)
	assert.False(t, e.Status("old").Exists)
	assert.True(t, e.Status("fresh").Exists)
}

func TestEngine_sweepWindowNeverBelowExpiry(t *testing.T) {
	e := NewEngine(Options{Expiry: 10 * time.Second, SweepWindow: time.Second, Logger: zerolog.Nop()})
	defer e.Close()
	assert.Equal(t, 10*time.Second, e.opts.SweepWindow)
}

func TestEngine_failingSinkIsIsolated(t *testing.T) {
	e, _ := newTestEngine(t, Options{Expiry: time.Minute})

	bad := newRecordingSink()
	bad.fail = errors.New("broken pipe")
	good := newRecordingSink()

	vBad, err := e.AttachViewer("cam1", bad)
	require.NoError(t, err)
	_, err = e.AttachViewer("cam1", good)
	require.NoError(t, err)

	require.NoError(t, e.Push("cam1", []byte("A")))
	assert.Equal(t, []byte("A"), good.next(t))
	waitDone(t, vBad)

	require.Eventually(t, func() bool { return e.Status("cam1").ViewerCount == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, e.Push("cam1", []byte("B")))
	assert.Equal(t, []byte("B"), good.next(t))
	assert.Equal(t, uint64(1), e.Stats().SinkFailures)
}

func TestEngine_slowSinkDoesNotBlockOthers(t *testing.T) {
	e, _ := newTestEngine(t, Options{Expiry: time.Minute, ViewerBuffer: 2})

	slow := &blockingSink{release: make(chan struct{})}
	defer close(slow.release)
	good := newRecordingSink()

	_, err := e.AttachViewer("cam1", slow)
	require.NoError(t, err)
	_, err = e.AttachViewer("cam1", good)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = e.Push("cam1", []byte{byte(i)})
			// dá tempo para o viewer bom drenar a fila
			time.Sleep(2 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push bloqueou por causa de um viewer lento")
	}
	assert.Greater(t, e.Stats().FramesDropped, uint64(0))
	assert.Equal(t, []byte{0}, good.next(t))
}

func TestEngine_pushCopiesFrame(t *testing.T) {
	e, _ := newTestEngine(t, Options{Expiry: time.Minute})

	buf := []byte("A")
	require.NoError(t, e.Push("cam1", buf))
	buf[0] = 'Z'

	f, err := e.Snapshot("cam1")
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), f.Data)
}

func TestEngine_closedRejectsWork(t *testing.T) {
	e, rec := newTestEngine(t, Options{Expiry: time.Minute})
	require.NoError(t, e.Push("cam1", []byte("A")))

	e.Close()
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "shutdown", rec.last().Reason)

	assert.ErrorIs(t, e.Push("cam1", []byte("A")), ErrEngineClosed)
	_, err := e.AttachViewer("cam1", newRecordingSink())
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_invalidInput(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	assert.ErrorIs(t, e.Push("", []byte("A")), ErrInvalidSource)
	assert.ErrorIs(t, e.Push("cam1", nil), ErrEmptyFrame)

	_, err := e.Snapshot("missing")
	assert.ErrorIs(t, err, ErrSourceNotFound)
}
