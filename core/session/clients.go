package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/adalundhe/liveshare/core/scheduler"
)

// IdleTimeout is how long a client may stay silent before the sweep
// evicts it.
const IdleTimeout = 60 * time.Second

// colorPalette is the fixed set of presence colors. Clients map onto it
// by a stable hash of their id, so every participant renders a given
// client the same way.
var colorPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FECA57",
	"#FF9FF3", "#54A0FF", "#5F27CD", "#00D2D3", "#FF9F43",
	"#C44569", "#F8B500", "#6C5CE7", "#A29BFE", "#FD79A8",
}

// Client is one participant's presence state.
type Client struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	Color          string    `json:"color"`
	ActiveDocument string    `json:"activeDocument,omitempty"`
	KnownRevision  int       `json:"knownRevision"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}

// Clients is the registry of currently connected participants. An idle
// sweep runs on the shared scheduler and evicts clients that have been
// silent past IdleTimeout, reporting each eviction through onIdle.
type Clients struct {
	log         *slog.Logger
	idleTimeout time.Duration
	onIdle      func(clientID string)
	stopSweep   func()

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClients creates a client registry. onIdle may be nil; it is called
// outside the registry lock for each evicted client.
func NewClients(logger *slog.Logger, sched *scheduler.Scheduler, idleTimeout time.Duration, onIdle func(clientID string)) *Clients {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = IdleTimeout
	}
	c := &Clients{
		log:         logger.With("component", "client-registry"),
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		clients:     make(map[string]*Client),
	}
	if sched != nil {
		c.stopSweep = sched.Every(idleTimeout/2, c.sweep)
	}
	return c
}

// Add registers a client, assigning its presence color. Re-adding an
// existing id refreshes its activity and returns the existing record.
func (c *Clients) Add(id, displayName string) Client {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.clients[id]; ok {
		existing.LastSeenAt = now
		return *existing
	}
	client := &Client{
		ID:          id,
		DisplayName: displayName,
		Color:       colorFor(id),
		JoinedAt:    now,
		LastSeenAt:  now,
	}
	c.clients[id] = client
	return *client
}

// Remove drops a client from the registry.
func (c *Clients) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[id]; !ok {
		return false
	}
	delete(c.clients, id)
	return true
}

// Touch marks a client as active now. Any inbound traffic counts.
func (c *Clients) Touch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[id]; ok {
		client.LastSeenAt = time.Now()
	}
}

// SetRevision records the last document revision a client has
// acknowledged.
func (c *Clients) SetRevision(id string, revision int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[id]; ok {
		client.KnownRevision = revision
		client.LastSeenAt = time.Now()
	}
}

// SetActiveDocument records which document a client is focused on.
func (c *Clients) SetActiveDocument(id, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[id]; ok {
		client.ActiveDocument = path
		client.LastSeenAt = time.Now()
	}
}

// Get returns a copy of a client's state.
func (c *Clients) Get(id string) (Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.clients[id]
	if !ok {
		return Client{}, false
	}
	return *client, true
}

// List returns a snapshot of all connected clients.
func (c *Clients) List() []Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Client, 0, len(c.clients))
	for _, client := range c.clients {
		out = append(out, *client)
	}
	return out
}

// Count reports how many clients are connected.
func (c *Clients) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// Close stops the idle sweep. Clients already registered stay until
// removed explicitly.
func (c *Clients) Close() {
	if c.stopSweep != nil {
		c.stopSweep()
	}
}

// sweep evicts clients whose last activity is older than the idle
// timeout.
func (c *Clients) sweep() {
	cutoff := time.Now().Add(-c.idleTimeout)

	c.mu.Lock()
	var evicted []string
	for id, client := range c.clients {
		if client.LastSeenAt.Before(cutoff) {
			evicted = append(evicted, id)
			delete(c.clients, id)
		}
	}
	c.mu.Unlock()

	for _, id := range evicted {
		c.log.Info("client timed out", "client", id, "timeout", c.idleTimeout)
		if c.onIdle != nil {
			c.onIdle(id)
		}
	}
}

// colorFor hashes a client id onto the palette. The hash matches the
// editor UI's assignment so colors agree across surfaces.
func colorFor(id string) string {
	var hash int32
	for _, r := range id {
		hash = int32(r) + (hash << 5) - hash
	}
	// Reinterpret as unsigned rather than negate: -MinInt32 overflows
	// back to a negative value and ids are remote-controlled input.
	return colorPalette[uint32(hash)%uint32(len(colorPalette))]
}
