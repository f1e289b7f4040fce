package stream

import "github.com/sua-org/cam-stream/internal/core"

// fanout mantém, por fonte, o conjunto de viewers vivos.
// O conjunto some junto com o último membro. Só é acessado com Engine.mu travado.
type fanout struct {
	sets map[string]map[*Viewer]struct{}
}

func newFanout() *fanout {
	return &fanout{sets: make(map[string]map[*Viewer]struct{})}
}

func (f *fanout) add(v *Viewer) {
	set, ok := f.sets[v.SourceID]
	if !ok {
		set = make(map[*Viewer]struct{})
		f.sets[v.SourceID] = set
	}
	set[v] = struct{}{}
}

// remove devolve false se o viewer já não estava registrado.
func (f *fanout) remove(sourceID string, v *Viewer) bool {
	set, ok := f.sets[sourceID]
	if !ok {
		return false
	}
	if _, ok := set[v]; !ok {
		return false
	}
	delete(set, v)
	if len(set) == 0 {
		delete(f.sets, sourceID)
	}
	return true
}

// take remove e devolve o conjunto inteiro de uma fonte.
func (f *fanout) take(sourceID string) []*Viewer {
	set, ok := f.sets[sourceID]
	if !ok {
		return nil
	}
	delete(f.sets, sourceID)
	out := make([]*Viewer, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

// push entrega o frame em cada fila sem bloquear; devolve quantos descartaram.
func (f *fanout) push(frame core.Frame) (dropped int) {
	for v := range f.sets[frame.SourceID] {
		if !v.enqueue(frame) {
			dropped++
		}
	}
	return dropped
}

func (f *fanout) count(sourceID string) int {
	return len(f.sets[sourceID])
}

func (f *fanout) total() int {
	n := 0
	for _, set := range f.sets {
		n += len(set)
	}
	return n
}

func (f *fanout) sourceIDs() []string {
	out := make([]string, 0, len(f.sets))
	for id := range f.sets {
		out = append(out, id)
	}
	return out
}
