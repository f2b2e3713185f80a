package stream

import (
	"sync"
)

// registry maps stream ids to descriptors in creation order.
type registry struct {
	mu      sync.RWMutex
	streams map[string]*descriptor
	order   []string
}

func newRegistry() *registry {
	return &registry{
		mu:      sync.RWMutex{},
		streams: make(map[string]*descriptor),
		order:   nil,
	}
}

func (r *registry) add(d *descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[d.id]; !ok {
		r.order = append(r.order, d.id)
	}
	r.streams[d.id] = d
}

func (r *registry) get(id string) (*descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.streams[id]
	return d, ok
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; !ok {
		return false
	}
	delete(r.streams, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// all returns the descriptors in creation order.
func (r *registry) all() []*descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.streams[id])
	}
	return out
}

func (r *registry) byLabel(label string) (*descriptor, bool) {
	for _, d := range r.all() {
		d.mu.Lock()
		match := d.label == label
		d.mu.Unlock()
		if match {
			return d, true
		}
	}
	return nil, false
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
