package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/igorms-pro/onelink-sub002/internal/store"
)

type Outcome int

const (
	OutcomeIndeterminate Outcome = iota
	OutcomeInScope
	OutcomeOutOfScope
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInScope:
		return "in_scope"
	case OutcomeOutOfScope:
		return "out_of_scope"
	default:
		return "indeterminate"
	}
}

type Resolution struct {
	Outcome         Outcome
	CollectionID    string
	CollectionLabel string
	// Chain holds the rows looked up so far, nearest hop first.
	Chain  []store.Row
	Reason string
	Err    error
}

type ResolverOptions struct {
	LookupTimeout time.Duration
	Logger        Logger
}

// Resolver walks a topic's hops with one point lookup each. Missing and
// soft-deleted rows are final; lookup errors make the event indeterminate.
type Resolver struct {
	topic  *Topic
	store  store.Store
	opts   ResolverOptions
	logger Logger
}

func NewResolver(topic *Topic, st store.Store, opts ResolverOptions) *Resolver {
	return &Resolver{topic: topic, store: st, opts: opts, logger: opts.Logger}
}

func (r *Resolver) Resolve(ctx context.Context, ev LeafEvent, scopeKey string) Resolution {
	if scopeKey == "" {
		return Resolution{Outcome: OutcomeIndeterminate, Reason: "no scope key", Err: ErrInvalidInput}
	}
	hops := r.topic.Hops
	ref := ev.Ref(r.topic.ParentRef())
	chain := make([]store.Row, 0, len(hops))
	for i, hop := range hops {
		if ref == "" {
			return Resolution{Outcome: OutcomeOutOfScope, Chain: chain, Reason: fmt.Sprintf("%s has no %s", previousTable(r.topic, i), hop.Via)}
		}
		row, err := r.lookup(ctx, hop.Table, ref)
		if errors.Is(err, store.ErrNotFound) {
			return Resolution{Outcome: OutcomeOutOfScope, Chain: chain, Reason: fmt.Sprintf("%s %s not found", hop.Table, ref)}
		}
		if err != nil {
			logf(r.logger, "resolve %s event %s: lookup %s %s failed: %v", r.topic.Name, ev.ID, hop.Table, ref, err)
			return Resolution{Outcome: OutcomeIndeterminate, Chain: chain, Reason: fmt.Sprintf("lookup %s failed", hop.Table), Err: err}
		}
		chain = append(chain, row)
		if hop.SoftDeleteField != "" && row.Has(hop.SoftDeleteField) {
			return Resolution{Outcome: OutcomeOutOfScope, Chain: chain, Reason: fmt.Sprintf("%s %s is deleted", hop.Table, ref)}
		}
		if i+1 < len(hops) {
			ref = row.String(hops[i+1].Via)
			continue
		}
		if owner := row.String(r.topic.ScopeField); owner != scopeKey {
			return Resolution{Outcome: OutcomeOutOfScope, Chain: chain, Reason: "collection belongs to another scope"}
		}
		return Resolution{
			Outcome:         OutcomeInScope,
			CollectionID:    ref,
			CollectionLabel: row.String(r.topic.LabelField),
			Chain:           chain,
		}
	}
	return Resolution{Outcome: OutcomeIndeterminate, Reason: "topic has no hops", Err: ErrInvalidTopic}
}

func (r *Resolver) lookup(ctx context.Context, table, id string) (store.Row, error) {
	if r.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.LookupTimeout)
		defer cancel()
	}
	return r.store.GetByID(ctx, table, id)
}

func previousTable(t *Topic, hop int) string {
	if hop == 0 {
		return t.LeafTable
	}
	return t.Hops[hop-1].Table
}
