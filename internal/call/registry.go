package call

import (
	"fmt"
	"sync"
)

// Registry owns the process's coordinators, keyed by account id. Session
// lifecycle is explicit (create via Add, destroy via Remove or Close),
// rather than ambient package state.
type Registry struct {
	mu     sync.RWMutex
	coords map[string]*Coordinator
}

func NewRegistry() *Registry {
	return &Registry{coords: make(map[string]*Coordinator)}
}

// Add registers a coordinator for an account. One per account, ever.
func (r *Registry) Add(accountID string, c *Coordinator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.coords[accountID]; ok {
		return fmt.Errorf("call: coordinator already registered for %s", accountID)
	}
	r.coords[accountID] = c
	return nil
}

// Get returns the coordinator for an account, if registered.
func (r *Registry) Get(accountID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coords[accountID]
	return c, ok
}

// Remove closes and drops one account's coordinator.
func (r *Registry) Remove(accountID string) {
	r.mu.Lock()
	c, ok := r.coords[accountID]
	delete(r.coords, accountID)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close shuts down every registered coordinator.
func (r *Registry) Close() {
	r.mu.Lock()
	coords := r.coords
	r.coords = make(map[string]*Coordinator)
	r.mu.Unlock()
	for _, c := range coords {
		c.Close()
	}
}
