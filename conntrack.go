package cfw

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTooManyConnections is returned when the active-connection cap is
// reached; the new client socket is closed without creating a connection.
var ErrTooManyConnections = errors.New("connection limit reached")

// Connection is the tracked state for one relayed client connection. It is
// owned exclusively by the relay worker that created it.
type Connection struct {
	ID         string    `json:"id"`
	ClientAddr string    `json:"client_addr"`
	Host       string    `json:"host"`
	Port       string    `json:"port"`
	Protocol   string    `json:"protocol"`
	StartedAt  time.Time `json:"started_at"`
}

// Meta returns the metadata snapshot handed to inspection stages.
func (c *Connection) Meta() *ConnMeta {
	return &ConnMeta{
		ID:         c.ID,
		ClientAddr: c.ClientAddr,
		Host:       c.Host,
		Port:       c.Port,
		Protocol:   c.Protocol,
	}
}

// ConnTracker is the registry of active connections with a global cap.
type ConnTracker struct {
	mu    sync.Mutex
	conns map[string]*Connection
	max   int

	accepted uint64
	rejected uint64
}

// NewConnTracker creates a tracker limited to max concurrent connections.
// A zero or negative max defaults to 1000.
func NewConnTracker(max int) *ConnTracker {
	if max <= 0 {
		max = 1000
	}
	return &ConnTracker{
		conns: make(map[string]*Connection),
		max:   max,
	}
}

// Add registers a new connection, assigning it a unique id. Returns
// ErrTooManyConnections when the cap is reached.
func (t *ConnTracker) Add(clientAddr string) (*Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.conns) >= t.max {
		t.rejected++
		return nil, ErrTooManyConnections
	}

	c := &Connection{
		ID:         uuid.NewString(),
		ClientAddr: clientAddr,
		Protocol:   "unknown",
		StartedAt:  time.Now(),
	}
	t.conns[c.ID] = c
	t.accepted++

	return c, nil
}

// Remove drops the connection from the active set.
func (t *ConnTracker) Remove(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

// Count returns the number of active connections.
func (t *ConnTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Snapshot returns a copy of the active connections for status reporting.
func (t *ConnTracker) Snapshot() []Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, *c)
	}
	return out
}

// TrackerStats is a snapshot of tracker counters.
type TrackerStats struct {
	Active   int    `json:"active"`
	Max      int    `json:"max"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Stats returns a snapshot of the tracker's counters.
func (t *ConnTracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		Active:   len(t.conns),
		Max:      t.max,
		Accepted: t.accepted,
		Rejected: t.rejected,
	}
}
