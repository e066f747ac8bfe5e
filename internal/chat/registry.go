package chat

import (
	"errors"
	"sort"
	"sync"

	"github.com/redes-chat/chatserver/internal/store"
)

var (
	ErrDuplicateConn = errors.New("connection already registered")
	ErrUnknownConn   = errors.New("connection not registered")
)

// PresenceObserver is told when a user gains or loses its routable
// connection. Calls happen outside the registry lock, one at a time and in
// the order the registry changed.
type PresenceObserver interface {
	Online(userID, connID string)
	Offline(userID, connID string)
}

type presenceChange struct {
	online bool
	userID string
	connID string
}

type entry struct {
	client  *Client
	session *store.Session
}

// Registry tracks live connections, their bound sessions, and which
// connection currently receives pushed events for each user. The last
// connection to authenticate as a user wins.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*entry
	byUser   map[string]string
	pending  []presenceChange // guarded by mu
	notifyMu sync.Mutex       // held while delivering to observer
	observer PresenceObserver
}

// NewRegistry creates an empty registry. observer may be nil.
func NewRegistry(observer PresenceObserver) *Registry {
	return &Registry{
		conns:    make(map[string]*entry),
		byUser:   make(map[string]string),
		observer: observer,
	}
}

// Register adds an unauthenticated connection.
func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; ok {
		return ErrDuplicateConn
	}
	r.conns[c.ID] = &entry{client: c}
	return nil
}

// BindSession attaches sess to the connection and points the user's index
// entry at it, replacing any other connection of that user.
func (r *Registry) BindSession(connID string, sess store.Session) error {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConn
	}

	var changes []presenceChange
	if e.session != nil && e.session.UserID != sess.UserID {
		if c, ok := r.dropIndex(connID, e.session.UserID); ok {
			changes = append(changes, c)
		}
	}
	s := sess
	e.session = &s
	if prev, ok := r.byUser[sess.UserID]; !ok || prev != connID {
		r.byUser[sess.UserID] = connID
		changes = append(changes, presenceChange{online: true, userID: sess.UserID, connID: connID})
	}
	r.queue(changes...)
	r.mu.Unlock()

	r.flush()
	return nil
}

// Unbind clears the session of a connection and returns it.
func (r *Registry) Unbind(connID string) (store.Session, bool) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok || e.session == nil {
		r.mu.Unlock()
		return store.Session{}, false
	}
	sess := *e.session
	e.session = nil
	if change, dropped := r.dropIndex(connID, sess.UserID); dropped {
		r.queue(change)
	}
	r.mu.Unlock()

	r.flush()
	return sess, true
}

// Unregister removes the connection. The user's index entry is removed only
// while it still points at this connection.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	var changes []presenceChange
	if e.session != nil {
		if c, ok := r.dropIndex(connID, e.session.UserID); ok {
			changes = append(changes, c)
		}
	}
	r.queue(changes...)
	r.mu.Unlock()

	r.flush()
}

// dropIndex must be called with mu held.
func (r *Registry) dropIndex(connID, userID string) (presenceChange, bool) {
	if r.byUser[userID] != connID {
		return presenceChange{}, false
	}
	delete(r.byUser, userID)
	return presenceChange{userID: userID, connID: connID}, true
}

// queue must be called with mu held.
func (r *Registry) queue(changes ...presenceChange) {
	if r.observer != nil {
		r.pending = append(r.pending, changes...)
	}
}

// flush delivers queued changes until none are left. Whoever holds notifyMu
// delivers for everyone, so changes reach the observer in queue order.
func (r *Registry) flush() {
	if r.observer == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		r.deliver(batch)
	}
}

func (r *Registry) deliver(changes []presenceChange) {
	for _, c := range changes {
		if c.online {
			r.observer.Online(c.userID, c.connID)
		} else {
			r.observer.Offline(c.userID, c.connID)
		}
	}
}

// LookupByUser returns the connection currently routable for userID.
func (r *Registry) LookupByUser(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	return id, ok
}

func (r *Registry) clientForUser(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Session returns the session bound to the connection, if any.
func (r *Registry) Session(connID string) (store.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok || e.session == nil {
		return store.Session{}, false
	}
	return *e.session, true
}

// Count returns number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// OnlineUsers returns the ids of users with a routable connection, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SyncRoutes calls fn with a copy of the user to connection index. fn runs
// after every earlier change has reached the observer and before any later
// one does, so an observer may write the snapshot without undoing a newer
// change.
func (r *Registry) SyncRoutes(fn func(routes map[string]string)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		if len(batch) == 0 {
			routes := make(map[string]string, len(r.byUser))
			for user, conn := range r.byUser {
				routes[user] = conn
			}
			r.mu.Unlock()
			fn(routes)
			return
		}
		r.mu.Unlock()
		r.deliver(batch)
	}
}

// Clients returns a snapshot of every registered client.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.client)
	}
	return out
}
