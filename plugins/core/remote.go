// ABOUTME: Remote registry: plugin descriptors and memoized, single-flight module resolution.
// ABOUTME: Concurrent resolves of the same (name, module) share one network load.

package core

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Registry stores plugin descriptors and caches loaded exports by (name, module).
type Registry struct {
	loader Loader

	mu          sync.RWMutex
	descriptors map[string]PluginDescriptor
	cache       map[string]Export

	group singleflight.Group
	loads atomic.Int64
}

// NewRegistry creates a registry that loads modules through loader.
func NewRegistry(loader Loader) *Registry {
	return &Registry{
		loader:      loader,
		descriptors: make(map[string]PluginDescriptor),
		cache:       make(map[string]Export),
	}
}

// Register stores load metadata under d.Name. Registering an identical descriptor again is a no-op.
func (r *Registry) Register(d PluginDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.descriptors[d.Name]; ok {
		if existing != d {
			return fmt.Errorf("%w: %s", ErrDescriptorConflict, d.Name)
		}
		return nil
	}
	r.descriptors[d.Name] = d
	return nil
}

// Descriptor returns the descriptor registered under name.
func (r *Registry) Descriptor(name string) (PluginDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Names returns every registered plugin name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loads returns how many network loads the registry has started.
func (r *Registry) Loads() int64 {
	return r.loads.Load()
}

// Cached reports whether (name, module) is already loaded.
func (r *Registry) Cached(name, module string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cache[cacheKey(name, module)]
	return ok
}

// Resolve returns the export for (name, module), loading it at most once.
// A caller whose ctx ends stops waiting, but the shared load keeps running for the others.
// Failures are not cached, so the next Resolve starts a fresh load.
func (r *Registry) Resolve(ctx context.Context, name, module string) (Export, error) {
	key := cacheKey(name, module)

	r.mu.RLock()
	exp, ok := r.cache[key]
	d, registered := r.descriptors[name]
	r.mu.RUnlock()

	if ok {
		return exp, nil
	}
	if !registered {
		return Export{}, &RemoteLoadError{Name: name, Module: module, Cause: ErrNotRegistered}
	}

	ch := r.group.DoChan(key, func() (any, error) {
		// A load that finished between the cache check and here already populated the cache.
		r.mu.RLock()
		cached, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		r.loads.Add(1)
		log.Printf("plugin registry: loading %s (%s) from %s", name, module, d.URL)

		exp, err := r.loader.Load(context.WithoutCancel(ctx), d, module)
		if err != nil {
			return Export{}, &RemoteLoadError{Name: name, Module: module, Cause: err}
		}
		if !exp.Usable() {
			return Export{}, &RemoteLoadError{Name: name, Module: module, Cause: ErrNoUsableExport}
		}

		r.mu.Lock()
		r.cache[key] = exp
		r.mu.Unlock()
		return exp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Export{}, res.Err
		}
		return res.Val.(Export), nil
	case <-ctx.Done():
		return Export{}, &RemoteLoadError{Name: name, Module: module, Cause: ctx.Err()}
	}
}

// Forget drops every cached export for name so the next Resolve reloads it.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := cacheKey(name, "")
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
}

func cacheKey(name, module string) string {
	return name + "\x00" + module
}
