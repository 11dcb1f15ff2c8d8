// Package worker defines the handler contract Minions drive and the
// registry that maps a worker_class name to a handler factory.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/fenderchamp/bullfinch/internal/jsoncodec"
	"github.com/fenderchamp/bullfinch/internal/telemetry"
)

var (
	// ErrHandlerTimeout is returned (or yielded) by a handler that gave up
	// because its own deadline passed. The Minion logs it and moves on.
	ErrHandlerTimeout = errors.New("worker: handling timed out")
	ErrUnknownClass   = errors.New("worker: unknown worker_class")
)

// Handler is the business logic behind a Minion. A fresh Handler is built
// and configured for every Minion, so implementations need not be safe for
// concurrent use.
type Handler interface {
	// Configure receives the worker's options. It is called once, before
	// the first Handle.
	Configure(options map[string]any) error
	// Handle returns the response payloads for req. The sequence is lazy
	// and consumed exactly once; a yielded error ends it.
	Handle(ctx context.Context, collector telemetry.Collector, req Request) (iter.Seq2[string, error], error)
}

// Factory builds an unconfigured Handler.
type Factory func() Handler

// Registry maps worker_class names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a factory. It panics on an empty name or a nil
// factory.
func (r *Registry) Register(name string, factory Factory) {
	if strings.TrimSpace(name) == "" {
		panic("worker: Register with empty name")
	}
	if factory == nil {
		panic("worker: Register with nil factory for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New builds an unconfigured handler for name.
func (r *Registry) New(name string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownClass, name, r.Names())
	}
	return factory(), nil
}

// Build creates a handler for name and configures it with options.
func (r *Registry) Build(name string, options map[string]any) (Handler, error) {
	h, err := r.New(name)
	if err != nil {
		return nil, err
	}
	if err := h.Configure(options); err != nil {
		if c, ok := h.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("worker_class %q: configure: %w", name, err)
	}
	return h, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Request is a decoded request. Numbers are json.Number.
type Request map[string]any

// DecodeRequest decodes a payload that must be a JSON object.
func DecodeRequest(payload []byte) (Request, error) {
	m, err := jsoncodec.DecodeObject(payload)
	if err != nil {
		return nil, fmt.Errorf("worker: decode request: %w", err)
	}
	return Request(m), nil
}

// ResponseQueue is where results for this request go.
func (r Request) ResponseQueue() (string, bool) {
	q, ok := r["response_queue"].(string)
	q = strings.TrimSpace(q)
	return q, ok && q != ""
}

// Tracer is the request's correlation id, or "" when it has none.
func (r Request) Tracer() string {
	switch v := r["tracer"].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// String returns a string field.
func (r Request) String(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

// DecodeOptions copies worker options into a tagged struct. Numbers and
// strings convert into each other where needed.
func DecodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(options)
}

// Items adapts a slice into a handler result sequence.
func Items(items ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}
