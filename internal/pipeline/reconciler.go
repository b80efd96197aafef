package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/igorms-pro/onelink-sub002/internal/store"
)

type ReconcilerOptions struct {
	// Coalesce collapses reconciles requested while a fetch is in flight
	// into one follow-up fetch. Off by default: every accepted event then
	// issues its own fetch.
	Coalesce     bool
	FetchTimeout time.Duration
	Topic        string
	Logger       Logger
	Metrics      *Metrics
}

// Reconciler refreshes a ReconciledView with the same aggregate query used
// for the initial load.
type Reconciler struct {
	store  store.Store
	view   string
	target *ReconciledView
	opts   ReconcilerOptions
	logger Logger

	seq      atomic.Uint64
	fetched  atomic.Uint64
	failures atomic.Uint64

	mu       sync.Mutex
	inflight bool
	pending  bool
}

func NewReconciler(st store.Store, view string, target *ReconciledView, opts ReconcilerOptions) *Reconciler {
	return &Reconciler{store: st, view: view, target: target, opts: opts, logger: opts.Logger}
}

// Load is the pull-based initial load.
func (r *Reconciler) Load(ctx context.Context, scopeKey string) error {
	return r.fetch(ctx, scopeKey)
}

// Reconcile refetches the scope's collection and replaces the view. On
// error the view keeps its last good contents.
func (r *Reconciler) Reconcile(ctx context.Context, scopeKey string) error {
	if !r.opts.Coalesce {
		return r.fetch(ctx, scopeKey)
	}
	r.mu.Lock()
	if r.inflight {
		r.pending = true
		r.mu.Unlock()
		return nil
	}
	r.inflight = true
	r.mu.Unlock()

	var err error
	for {
		err = r.fetch(ctx, scopeKey)
		r.mu.Lock()
		if !r.pending {
			r.inflight = false
			r.mu.Unlock()
			return err
		}
		r.pending = false
		r.mu.Unlock()
	}
}

// Fetches reports completed and failed aggregate fetches. Calls folded into
// an in-flight fetch by Coalesce count for nothing.
func (r *Reconciler) Fetches() (ok, failed uint64) {
	return r.fetched.Load(), r.failures.Load()
}

func (r *Reconciler) fetch(ctx context.Context, scopeKey string) error {
	seq := r.seq.Add(1)
	if r.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.FetchTimeout)
		defer cancel()
	}
	started := time.Now()
	rows, err := r.store.ListForScope(ctx, r.view, scopeKey)
	r.opts.Metrics.reconcile(r.opts.Topic, started, err)
	if err != nil {
		r.failures.Add(1)
		logf(r.logger, "reconcile %s for scope %s failed: %v", r.view, scopeKey, err)
		return err
	}
	r.fetched.Add(1)
	if !r.target.Replace(seq, rows) {
		logf(r.logger, "reconcile %s for scope %s: result discarded (stale or torn down)", r.view, scopeKey)
	}
	return nil
}
