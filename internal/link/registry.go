package link

import (
	"fmt"
	"sync"

	"agglink/internal/protocol"
)

// Registry tracks the set of links belonging to one aggregated session. It is
// the sole authority over link-set membership: links are admitted here after
// their handshake and destroyed here when marked dead.
type Registry struct {
	mu       sync.RWMutex
	links    map[uint32]*Link
	nextID   uint32
	maxLinks int
	closed   bool

	// onDead is invoked (outside the registry lock) after a link is removed,
	// with the number of live links remaining. The session uses it to requeue
	// in-flight segments and to arm the grace timer when the set runs empty.
	onDead func(l *Link, remaining int)
}

// NewRegistry creates a registry admitting at most maxLinks concurrent links
// (zero means unlimited).
func NewRegistry(maxLinks int, onDead func(l *Link, remaining int)) *Registry {
	return &Registry{
		links:    make(map[uint32]*Link),
		nextID:   1,
		maxLinks: maxLinks,
		onDead:   onDead,
	}
}

// NextID reserves a link id unique within the session.
func (r *Registry) NextID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Add admits a link that completed the control channel handshake. It fails
// with ErrLinkRejected when the configured link limit is exceeded.
func (r *Registry) Add(l *Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return protocol.ErrSessionClosed
	}
	if r.maxLinks > 0 && len(r.links) >= r.maxLinks {
		return fmt.Errorf("%w: limit %d reached", protocol.ErrLinkRejected, r.maxLinks)
	}
	if _, ok := r.links[l.ID()]; ok {
		return fmt.Errorf("duplicate link id %d", l.ID())
	}
	r.links[l.ID()] = l
	return nil
}

// MarkDead removes a link from scheduling eligibility and destroys it. It is
// invoked by a link's failure detector (write error, read error or missed
// keepalives) and is idempotent per link.
func (r *Registry) MarkDead(id uint32) {
	r.mu.Lock()
	l, ok := r.links[id]
	if ok {
		delete(r.links, id)
	}
	remaining := len(r.links)
	cb := r.onDead
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = l.Close()
	if cb != nil {
		cb(l, remaining)
	}
}

// Get returns the link with the given id, if still registered.
func (r *Registry) Get(id uint32) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	return l, ok
}

// Links returns a snapshot of the current member links.
func (r *Registry) Links() []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}

// Len returns the number of member links.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// Stats returns read-only snapshots for all member links.
func (r *Registry) Stats() []Stats {
	links := r.Links()
	out := make([]Stats, 0, len(links))
	for _, l := range links {
		out = append(out, l.Stats())
	}
	return out
}

// Close destroys all links and refuses further admissions.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.links = make(map[uint32]*Link)
	r.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
}
