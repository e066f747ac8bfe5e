package chat_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redes-chat/chatserver/internal/chat"
	"github.com/redes-chat/chatserver/internal/store"
)

type presenceCall struct {
	online bool
	userID string
	connID string
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (o *recordingObserver) Online(userID, connID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, presenceCall{true, userID, connID})
}

func (o *recordingObserver) Offline(userID, connID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, presenceCall{false, userID, connID})
}

// mirrorObserver applies calls to a user to connection map the way the Redis
// mirror does, pausing inside each call to widen races.
type mirrorObserver struct {
	mu     sync.Mutex
	routes map[string]string
}

func newMirrorObserver() *mirrorObserver {
	return &mirrorObserver{routes: make(map[string]string)}
}

func (o *mirrorObserver) Online(userID, connID string) {
	time.Sleep(100 * time.Microsecond)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[userID] = connID
}

func (o *mirrorObserver) Offline(userID, connID string) {
	time.Sleep(100 * time.Microsecond)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.routes[userID] == connID {
		delete(o.routes, userID)
	}
}

func (o *mirrorObserver) snapshot() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.routes))
	for k, v := range o.routes {
		out[k] = v
	}
	return out
}

func newTestClient(id string) *chat.Client {
	return chat.NewClient(id, newMockConn("127.0.0.1:1234"), 8)
}

func session(userID string) store.Session {
	return store.Session{Token: "tok-" + userID, UserID: userID, Username: "name-" + userID}
}

func TestRegistry_Register(t *testing.T) {
	r := chat.NewRegistry(nil)

	require.NoError(t, r.Register(newTestClient("a")))
	require.NoError(t, r.Register(newTestClient("b")))
	assert.ErrorIs(t, r.Register(newTestClient("a")), chat.ErrDuplicateConn)
	assert.Equal(t, 2, r.Count())

	_, ok := r.Session("a")
	assert.False(t, ok, "new connections are unauthenticated")

	assert.ErrorIs(t, r.BindSession("missing", session("u1")), chat.ErrUnknownConn)
}

func TestRegistry_LastBindWins(t *testing.T) {
	obs := &recordingObserver{}
	r := chat.NewRegistry(obs)
	require.NoError(t, r.Register(newTestClient("c1")))
	require.NoError(t, r.Register(newTestClient("c2")))

	require.NoError(t, r.BindSession("c1", session("u1")))
	require.NoError(t, r.BindSession("c2", session("u1")))

	id, ok := r.LookupByUser("u1")
	require.True(t, ok)
	assert.Equal(t, "c2", id)

	// The older connection keeps its session but is no longer routable.
	_, ok = r.Session("c1")
	assert.True(t, ok)

	r.Unregister("c1")
	id, ok = r.LookupByUser("u1")
	require.True(t, ok, "unregistering the older connection must not unbind the newer one")
	assert.Equal(t, "c2", id)

	r.Unregister("c2")
	_, ok = r.LookupByUser("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())

	assert.Equal(t, []presenceCall{
		{true, "u1", "c1"},
		{true, "u1", "c2"},
		{false, "u1", "c2"},
	}, obs.calls)
}

func TestRegistry_Unbind(t *testing.T) {
	r := chat.NewRegistry(nil)
	require.NoError(t, r.Register(newTestClient("c1")))
	require.NoError(t, r.BindSession("c1", session("u1")))

	sess, ok := r.Unbind("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", sess.UserID)

	_, ok = r.LookupByUser("u1")
	assert.False(t, ok)
	_, ok = r.Session("c1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count(), "logout keeps the connection registered")

	_, ok = r.Unbind("c1")
	assert.False(t, ok)
}

func TestRegistry_RebindToOtherUser(t *testing.T) {
	r := chat.NewRegistry(nil)
	require.NoError(t, r.Register(newTestClient("c1")))
	require.NoError(t, r.BindSession("c1", session("u1")))
	require.NoError(t, r.BindSession("c1", session("u2")))

	_, ok := r.LookupByUser("u1")
	assert.False(t, ok)
	id, ok := r.LookupByUser("u2")
	require.True(t, ok)
	assert.Equal(t, "c1", id)
	assert.Equal(t, []string{"u2"}, r.OnlineUsers())
}

func TestRegistry_ConcurrentBindAndUnregister(t *testing.T) {
	r := chat.NewRegistry(nil)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, r.Register(newTestClient(id)))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.BindSession(id, session("shared"))
			r.Unregister(id)
		}(id)
	}
	wg.Wait()

	_, ok := r.LookupByUser("shared")
	assert.False(t, ok, "index must not point at a dead connection")
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_ObserverSeesChangesInOrder(t *testing.T) {
	obs := newMirrorObserver()
	r := chat.NewRegistry(obs)
	const n = 40

	for i := 0; i < n; i++ {
		require.NoError(t, r.Register(newTestClient(fmt.Sprintf("c%d", i))))
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, r.BindSession(id, session("shared")))
		}(fmt.Sprintf("c%d", i))
	}
	wg.Wait()

	current, ok := r.LookupByUser("shared")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"shared": current}, obs.snapshot())

	r.Unregister(current)
	assert.Empty(t, obs.snapshot())
}

func TestRegistry_SyncRoutes(t *testing.T) {
	obs := newMirrorObserver()
	r := chat.NewRegistry(obs)
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.Register(newTestClient(id)))
	}
	require.NoError(t, r.BindSession("c1", session("u1")))
	require.NoError(t, r.BindSession("c2", session("u2")))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.BindSession("c3", session("u1")))
		r.Unregister("c2")
	}()
	go func() {
		defer wg.Done()
		// A keepalive writes the snapshot back; it must never resurrect a
		// route the observer already replaced or dropped.
		r.SyncRoutes(func(routes map[string]string) {
			for user, conn := range routes {
				obs.Online(user, conn)
			}
		})
	}()
	wg.Wait()

	var got map[string]string
	r.SyncRoutes(func(routes map[string]string) { got = routes })
	assert.Equal(t, map[string]string{"u1": "c3"}, got)
	assert.Equal(t, got, obs.snapshot())
}
