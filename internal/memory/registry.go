package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cx-router/internal/domain"
)

// Store is the durable backing of session memory.
type Store interface {
	MessageAppender
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	GetConversationMeta(ctx context.Context, sessionID string) (*domain.ConversationMeta, error)
}

type slot struct {
	// sem is held by the single writer of the session.
	sem chan struct{}

	// Guarded by sem.
	mem     *Memory
	evicted bool

	// Guarded by Registry.mu.
	lastUsed time.Time
	busy     bool
}

// Registry owns every live Memory. At most one Lease per session exists at a
// time, and sessions proceed independently of each other.
type Registry struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
		slots: make(map[string]*slot),
	}
}

// Lease is exclusive access to a session's memory. Release must be called.
type Lease struct {
	r        *Registry
	s        *slot
	id       string
	released bool
}

// Acquire waits for exclusive access to a session, loading its memory from
// the store on first use. It returns ctx.Err() if ctx ends while waiting.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	for {
		r.mu.Lock()
		s, ok := r.slots[sessionID]
		if !ok {
			s = &slot{sem: make(chan struct{}, 1), lastUsed: r.now()}
			r.slots[sessionID] = s
		}
		r.mu.Unlock()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if s.evicted {
			// Closed while we waited; pick up the replacement slot.
			<-s.sem
			continue
		}

		if s.mem == nil {
			mem, err := r.load(ctx, sessionID)
			if err != nil {
				r.dropEmpty(sessionID, s)
				<-s.sem
				return nil, err
			}
			s.mem = mem
		}

		r.mu.Lock()
		s.busy = true
		s.lastUsed = r.now()
		r.mu.Unlock()

		return &Lease{r: r, s: s, id: sessionID}, nil
	}
}

func (r *Registry) load(ctx context.Context, sessionID string) (*Memory, error) {
	mem := New(sessionID, r.store)
	if r.store == nil {
		return mem, nil
	}

	msgs, err := r.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session messages: %w", err)
	}
	meta, err := r.store.GetConversationMeta(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load conversation meta: %w", err)
	}
	mem.restore(msgs, meta)

	if len(msgs) > 0 {
		slog.Debug("Session memory restored", "session_id", sessionID, "messages", len(msgs))
	}
	return mem, nil
}

// dropEmpty removes a slot whose memory never loaded. Caller holds s.sem.
func (r *Registry) dropEmpty(sessionID string, s *slot) {
	r.mu.Lock()
	if r.slots[sessionID] == s {
		delete(r.slots, sessionID)
	}
	r.mu.Unlock()
	s.evicted = true
}

// Memory returns the leased session's memory.
func (l *Lease) Memory() *Memory {
	return l.s.mem
}

// Evict discards the live memory. The next Acquire reloads from the store.
func (l *Lease) Evict() {
	l.r.mu.Lock()
	if l.r.slots[l.id] == l.s {
		delete(l.r.slots, l.id)
	}
	l.r.mu.Unlock()
	l.s.evicted = true
}

// Release gives up exclusive access. It is safe to call more than once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true

	l.r.mu.Lock()
	l.s.busy = false
	l.s.lastUsed = l.r.now()
	l.r.mu.Unlock()

	<-l.s.sem
}

// Get returns the live memory of a session, loading it if needed. The
// returned memory must only be read unless the caller holds a Lease.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Memory, error) {
	lease, err := r.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Memory(), nil
}

// Idle returns the ids of loaded sessions unused for longer than ttl.
func (r *Registry) Idle(ttl time.Duration) []string {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.slots {
		if !s.busy && s.lastUsed.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
