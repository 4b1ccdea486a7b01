package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Sink receives snapshot batches and transport failures for one collection.
type Sink interface {
	Collection() string
	OnSnapshot(ctx context.Context, batch Batch) error
	OnError(err error)
}

// Registry routes deliveries to sinks by collection name.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRegistry(sinks ...Sink) (*Registry, error) {
	registry := &Registry{sinks: make(map[string]Sink, len(sinks))}
	for _, sink := range sinks {
		if err := registry.Register(sink); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) Register(sink Sink) error {
	if sink == nil || sink.Collection() == "" {
		return ErrMissingCollection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[sink.Collection()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSink, sink.Collection())
	}
	r.sinks[sink.Collection()] = sink
	return nil
}

func (r *Registry) Lookup(collection string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return sink, nil
}

// Names lists registered collections in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
