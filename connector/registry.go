package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loiht2/ml-platform-finetune-orchestrator/batcher"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// Registry holds the configured connectors by name. Every registered connector is
// wrapped with WithBatching.
type Registry struct {
	batchOpts batcher.Options
	onFlush   func(provider string, points int, err error)

	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry(batchOpts batcher.Options) *Registry {
	return &Registry{batchOpts: batchOpts, connectors: make(map[string]Connector)}
}

// OnFlush sets a hook called after every metric delivery attempt of connectors
// registered from now on
func (r *Registry) OnFlush(fn func(provider string, points int, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFlush = fn
}

// Register adds c under c.Name()
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if _, ok := r.connectors[name]; ok {
		return fmt.Errorf("connector %q already registered", name)
	}
	opts := r.batchOpts
	if hook := r.onFlush; hook != nil {
		opts.OnFlush = func(_ string, points int, err error) { hook(name, points, err) }
	}
	r.connectors[name] = WithBatching(c, opts)
	return nil
}

// Get returns the named connector or ErrUnknownProvider
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, models.ErrUnknownProvider)
	}
	return c, nil
}

// Names lists registered connectors in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectAll connects every registered connector in parallel using the credentials
// stored under its name
func (r *Registry) ConnectAll(ctx context.Context, creds map[string]Credentials) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range r.Names() {
		c, _ := r.Get(name)
		g.Go(func() error {
			if err := c.Connect(ctx, creds[name]); err != nil {
				return fmt.Errorf("connecting %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DisconnectAll flushes and disconnects every connector. Every connector is
// attempted even if some fail.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, name := range r.Names() {
		c, _ := r.Get(name)
		g.Go(func() error {
			if err := c.Disconnect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("disconnecting %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
