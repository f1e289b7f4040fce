package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sua-org/cam-stream/internal/core"
)

// Sink é a conexão de um viewer. O engine só escreve; quem fecha é o transporte.
type Sink interface {
	WriteFrame(frame core.Frame) error
}

// Viewer é um consumidor registrado no fan-out de uma fonte.
// Cada viewer tem fila própria e goroutine própria de escrita, então um sink
// lento ou quebrado nunca segura os outros.
type Viewer struct {
	ID       string
	SourceID string

	sink    Sink
	queue   chan core.Frame
	stop    chan struct{}
	done    chan struct{}
	endOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64

	onError func(v *Viewer, err error)
}

func newViewer(sourceID string, sink Sink, buffer int, onError func(*Viewer, error)) *Viewer {
	if buffer <= 0 {
		buffer = 1
	}
	v := &Viewer{
		ID:       uuid.NewString(),
		SourceID: sourceID,
		sink:     sink,
		queue:    make(chan core.Frame, buffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		onError:  onError,
	}
	go v.run()
	return v
}

// Done fecha quando a goroutine de escrita terminou; depois disso o sink não
// é mais tocado pelo engine.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

func (v *Viewer) Sent() uint64    { return v.sent.Load() }
func (v *Viewer) Dropped() uint64 { return v.dropped.Load() }

// enqueue nunca bloqueia. Fila cheia => descarta o frame novo só para este viewer.
func (v *Viewer) enqueue(frame core.Frame) bool {
	select {
	case <-v.stop:
		return false
	default:
	}
	select {
	case v.queue <- frame:
		return true
	default:
		v.dropped.Add(1)
		return false
	}
}

// end pede o encerramento gracioso (idempotente).
func (v *Viewer) end() {
	v.endOnce.Do(func() { close(v.stop) })
}

func (v *Viewer) run() {
	defer close(v.done)
	for {
		select {
		case frame := <-v.queue:
			if !v.write(frame) {
				return
			}
		case <-v.stop:
			// escoa o que já estava na fila e termina
			for {
				select {
				case frame := <-v.queue:
					if !v.write(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (v *Viewer) write(frame core.Frame) bool {
	if err := v.sink.WriteFrame(frame); err != nil {
		if v.onError != nil {
			v.onError(v, err)
		}
		return false
	}
	v.sent.Add(1)
	return true
}
