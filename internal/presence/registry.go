package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/presencectl/internal/observability"
)

// SessionInfo is a point-in-time view of one registered session.
type SessionInfo struct {
	ID       string    `json:"id"`
	DeviceID string    `json:"device_id"`
	Proxy    string    `json:"proxy,omitempty"`
	Endpoint string    `json:"endpoint"`
	State    State     `json:"state"`
	Since    time.Time `json:"since"`
}

// Handle is what the registry needs from a live session.
type Handle interface {
	ID() string
	Info() SessionInfo
	Close() error
}

// Registry tracks sessions that hold an open channel. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	items   map[string]Handle
	changed chan struct{}
	removed atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{
		items:   make(map[string]Handle),
		changed: make(chan struct{}),
	}
}

func (r *Registry) Add(h Handle) error {
	key := strings.TrimSpace(h.ID())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, key)
	}
	r.items[key] = h
	r.notifyLocked()
	observability.RecordSessionOpened()
	return nil
}

// Remove deletes id and reports whether this call removed it.
func (r *Registry) Remove(id string) bool {
	key := strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; !ok {
		return false
	}
	delete(r.items, key)
	r.removed.Add(1)
	r.notifyLocked()
	observability.RecordSessionClosed()
	return true
}

func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.items[strings.TrimSpace(id)]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Removed counts successful removals over the registry lifetime.
func (r *Registry) Removed() uint64 {
	return r.removed.Load()
}

func (r *Registry) List() []SessionInfo {
	handles := r.snapshot()
	out := make([]SessionInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// CloseAll closes every registered session and returns how many were asked to close.
// Sessions deregister themselves once their teardown finishes.
func (r *Registry) CloseAll() int {
	handles := r.snapshot()
	for _, h := range handles {
		_ = h.Close()
	}
	return len(handles)
}

// WaitDrained blocks until the registry is empty, timeout elapses, or ctx is done.
func (r *Registry) WaitDrained(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.RLock()
		empty := len(r.items) == 0
		changed := r.changed
		r.mu.RUnlock()
		if empty {
			return true
		}
		select {
		case <-changed:
		case <-timer.C:
			return r.Len() == 0
		case <-ctx.Done():
			return false
		}
	}
}

func (r *Registry) snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.items))
	for _, h := range r.items {
		out = append(out, h)
	}
	return out
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
