package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/igorms-pro/onelink-sub002/internal/changefeed"
	"github.com/igorms-pro/onelink-sub002/internal/store"
)

// scriptedStore wraps a MemoryStore with call counters and fault injection.
type scriptedStore struct {
	*store.MemoryStore

	mu       sync.Mutex
	lists    int
	gets     int
	fks      int
	getErr   map[string]error
	fkErr    error
	listErr  error
	getGate  chan struct{}
	listGate chan struct{}
	entered  chan string
}

func newScriptedStore(t *testing.T) *scriptedStore {
	t.Helper()
	mem := store.NewMemoryStore()
	seed := []struct {
		table string
		row   store.Row
	}{
		{"profiles", store.Row{"id": "owner-a", "user_id": "user-a"}},
		{"profiles", store.Row{"id": "owner-b", "user_id": "user-b"}},
		{"drops", store.Row{"id": "drop_inv", "profile_id": "owner-a", "name": "Invoices", "created_at": "2026-01-01T00:00:00Z"}},
		{"drops", store.Row{"id": "drop_old", "profile_id": "owner-a", "name": "Old", "deleted_at": "2026-02-01T00:00:00Z", "created_at": "2026-01-01T00:00:00Z"}},
		{"drops", store.Row{"id": "drop_b", "profile_id": "owner-b", "name": "Contracts", "created_at": "2026-01-01T00:00:00Z"}},
		{"submissions", store.Row{"id": "sub_0", "drop_id": "drop_inv", "actor_id": "visitor-1", "file_name": "a.pdf", "created_at": "2026-03-01T00:00:00Z"}},
		{"submissions", store.Row{"id": "sub_b", "drop_id": "drop_b", "actor_id": "visitor-2", "file_name": "b.pdf", "created_at": "2026-03-02T00:00:00Z"}},
		{"submissions", store.Row{"id": "sub_old", "drop_id": "drop_old", "actor_id": "visitor-3", "file_name": "c.pdf", "created_at": "2026-03-03T00:00:00Z"}},
	}
	for _, s := range seed {
		require.NoError(t, mem.Put(s.table, s.row))
	}
	return &scriptedStore{MemoryStore: mem, getErr: map[string]error{}}
}

func (p *scriptedStore) GetByID(ctx context.Context, table, id string) (store.Row, error) {
	p.mu.Lock()
	p.gets++
	err := p.getErr[table]
	gate, entered := p.getGate, p.entered
	p.mu.Unlock()
	if entered != nil {
		entered <- table
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return p.MemoryStore.GetByID(ctx, table, id)
}

func (p *scriptedStore) GetByForeignKey(ctx context.Context, table, key, value string) (store.Row, error) {
	p.mu.Lock()
	p.fks++
	err := p.fkErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.MemoryStore.GetByForeignKey(ctx, table, key, value)
}

func (p *scriptedStore) ListForScope(ctx context.Context, view, scopeKey string) ([]store.Row, error) {
	p.mu.Lock()
	p.lists++
	err := p.listErr
	gate := p.listGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return p.MemoryStore.ListForScope(ctx, view, scopeKey)
}

func (p *scriptedStore) listCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lists
}

func (p *scriptedStore) set(fn func(p *scriptedStore)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) Printf(format string, args ...any) {
	l.t.Logf(format, args...)
}

func compiled(t *testing.T, topic *Topic) *Topic {
	t.Helper()
	require.NoError(t, topic.Compile())
	return topic
}

type harness struct {
	store     *scriptedStore
	transport *changefeed.MemoryTransport
	notes     *recorder
	ctrl      *Controller
}

func startController(t *testing.T, scope string, topic *Topic, tweak func(*ControllerOptions)) *harness {
	t.Helper()
	h := &harness{
		store:     newScriptedStore(t),
		transport: changefeed.NewMemoryTransport(),
		notes:     &recorder{},
	}
	opts := ControllerOptions{
		Transport:          h.transport,
		Store:              h.store,
		Notifier:           h.notes,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		Logger:             testLogger{t: t},
	}
	if tweak != nil {
		tweak(&opts)
	}
	ctrl, err := NewController(scope, compiled(t, topic), opts)
	require.NoError(t, err)
	h.ctrl = ctrl
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		_ = ctrl.Close()
		ctrl.Wait()
	})
	return h
}

// insert writes the row to the store and then publishes it, as the backend
// would after commit.
func (h *harness) insert(t *testing.T, table string, row store.Row) {
	t.Helper()
	require.NoError(t, h.store.Put(table, row))
	h.transport.Publish(table, map[string]any(row))
	h.ctrl.Wait()
}

// newFailingTransport returns a MemoryTransport whose next n Subscribe calls
// fail.
func newFailingTransport(t *testing.T, n int) *changefeed.MemoryTransport {
	t.Helper()
	tr := changefeed.NewMemoryTransport()
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New("realtime unavailable")
	}
	tr.FailNextSubscribe(errs...)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}
