package diag

import "sync"

type entry struct {
	name string
	run  RunFunc
}

// Registry is an ordered collection of named diagnostic tasks. One mutex
// guards the sequence; iteration, add and remove all serialize on it.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	onAdd   func(name string)
}

func NewRegistry() *Registry {
	return &Registry{}
}

// OnAdd installs an observer invoked with the entry name after every
// successful Add or AddTask. The observer runs outside the registry mutex,
// so it may itself add tasks without deadlocking.
func (g *Registry) OnAdd(fn func(name string)) {
	g.mu.Lock()
	g.onAdd = fn
	g.mu.Unlock()
}

// Add registers fn under the given name. Names are not required to be
// unique; duplicates dispatch independently.
func (g *Registry) Add(name string, fn RunFunc) {
	if fn == nil {
		panic("diag: Registry.Add with nil function")
	}
	g.mu.Lock()
	g.entries = append(g.entries, entry{name: name, run: fn})
	hook := g.onAdd
	g.mu.Unlock()
	if hook != nil {
		hook(name)
	}
}

// AddTask registers t under its own name.
func (g *Registry) AddTask(t Task) {
	if t == nil {
		panic("diag: Registry.AddTask with nil task")
	}
	g.Add(t.Name(), t.Run)
}

// RemoveByName removes the first entry with the given name, preserving the
// order of the rest. It reports whether an entry was removed.
func (g *Registry) RemoveByName(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.entries {
		if g.entries[i].name == name {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of registered entries.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Names returns the registered entry names in registration order.
func (g *Registry) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.name
	}
	return out
}
