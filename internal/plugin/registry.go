package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps plugin package strings to loaded plugins. Writes happen only
// during startup and shutdown; reads are request-path hot.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin, rejecting duplicates and API-version mismatches.
func (r *Registry) Register(p Plugin) error {
	info := p.Info()
	if info.Package == "" {
		return fmt.Errorf("plugin %q has no package string", info.Name)
	}
	if p.APIVersion() < APIVersion {
		return fmt.Errorf("plugin %q has API version %d, need %d", info.Package, p.APIVersion(), APIVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[info.Package]; ok {
		return fmt.Errorf("plugin %q already registered", info.Package)
	}
	r.plugins[info.Package] = p
	return nil
}

// Get resolves a plugin by package string.
func (r *Registry) Get(pkg string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[pkg]
	return p, ok
}

// Packages lists registered package strings, sorted.
func (r *Registry) Packages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for pkg := range r.plugins {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// DestroyAll tears every plugin down; used at shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	plugins := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.plugins = make(map[string]Plugin)
	r.mu.Unlock()

	for _, p := range plugins {
		p.Destroy()
	}
}
