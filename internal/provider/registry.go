package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the providers of every configured collection.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Load builds a provider per config. Collections sharing a database share
// one pool and one reflection per table.
func (r *Registry) Load(ctx context.Context, cfgs []Config, deps Deps) error {
	for _, cfg := range cfgs {
		p, err := New(ctx, cfg, deps)
		if err != nil {
			return fmt.Errorf("load collection %q: %w", cfg.Name, err)
		}
		if err := r.Add(p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Add(p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.Name()]; dup {
		return fmt.Errorf("duplicate collection %q", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists collections in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Ping checks every provider's pool and returns the first failure.
func (r *Registry) Ping(ctx context.Context) error {
	for _, n := range r.Names() {
		p, _ := r.Get(n)
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("collection %q: %w", n, err)
		}
	}
	return nil
}
