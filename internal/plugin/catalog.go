package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog maps plugin type names to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a type twice is an error.
func (c *Catalog) Register(typ string, f Factory) error {
	if typ == "" {
		return fmt.Errorf("plugin type is empty")
	}
	if f == nil {
		return fmt.Errorf("plugin type %q: factory is nil", typ)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[typ]; exists {
		return fmt.Errorf("plugin type %q already registered", typ)
	}
	c.factories[typ] = f
	return nil
}

// MustRegister is Register for package-level wiring; it panics on error.
func (c *Catalog) MustRegister(typ string, f Factory) {
	if err := c.Register(typ, f); err != nil {
		panic(err)
	}
}

func (c *Catalog) Lookup(typ string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[typ]
	return f, ok
}

// Types returns the registered type names, sorted.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for t := range c.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
