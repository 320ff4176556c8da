package coordinator

import (
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/models"
)

// defaultInboxSize bounds a registered context's inbox channel.
const defaultInboxSize = 64

// Context is a registered component endpoint. The coordinator forwards
// arbitrated messages to its inbox; the owning component reports its state
// fingerprint and resource locks back through it.
type Context struct {
	ID    string
	Inbox chan models.Message

	mu          sync.Mutex
	fingerprint string
	lastUpdate  time.Time
	locked      bool
}

// UpdateFingerprint records the component's current state fingerprint.
func (c *Context) UpdateFingerprint(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fingerprint = fp
	c.lastUpdate = time.Now()
}

// Fingerprint returns the last reported fingerprint and its timestamp.
func (c *Context) Fingerprint() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint, c.lastUpdate
}

// Lock marks the context's resource as held.
func (c *Context) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
}

// Unlock releases the context's resource.
func (c *Context) Unlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = false
}

func (c *Context) isLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// registry tracks the known contexts.
type registry struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

func newRegistry() *registry {
	return &registry{contexts: make(map[string]*Context)}
}

func (r *registry) register(id string, inboxSize int) *Context {
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.contexts[id]; ok {
		return existing
	}
	c := &Context{ID: id, Inbox: make(chan models.Message, inboxSize)}
	r.contexts[id] = c
	return c
}

func (r *registry) get(id string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[id]
	return c, ok
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	return ids
}
