package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/igorms-pro/onelink-sub002/internal/store"
)

// FailPolicy decides what IsSelfAction reports when the owner lookup fails.
type FailPolicy int

const (
	// FailOpen treats the event as external, so the notification still fires.
	FailOpen FailPolicy = iota
	// FailClosed treats the event as self-caused and suppresses it.
	FailClosed
)

func (p FailPolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

type SelfActionOptions struct {
	OwnerTable     string
	OwnerKeyField  string
	PrincipalField string
	Policy         FailPolicy
	LookupTimeout  time.Duration
	Logger         Logger
}

type SelfActionFilter struct {
	store  store.Store
	opts   SelfActionOptions
	logger Logger
}

func NewSelfActionFilter(st store.Store, opts SelfActionOptions) *SelfActionFilter {
	if opts.OwnerTable == "" {
		opts.OwnerTable = "profiles"
	}
	if opts.OwnerKeyField == "" {
		opts.OwnerKeyField = "id"
	}
	if opts.PrincipalField == "" {
		opts.PrincipalField = "user_id"
	}
	return &SelfActionFilter{store: st, opts: opts, logger: opts.Logger}
}

func (f *SelfActionFilter) Policy() FailPolicy {
	return f.opts.Policy
}

// IsSelfAction reports whether actorID is the scope owner's own principal.
// An event without an actor is never a self action.
func (f *SelfActionFilter) IsSelfAction(ctx context.Context, scopeKey, actorID string) bool {
	if actorID == "" {
		return false
	}
	if f.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.LookupTimeout)
		defer cancel()
	}
	owner, err := f.store.GetByForeignKey(ctx, f.opts.OwnerTable, f.opts.OwnerKeyField, scopeKey)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		logf(f.logger, "self-action lookup for scope %s failed (%s): %v", scopeKey, f.opts.Policy, err)
		return f.opts.Policy == FailClosed
	}
	principal := owner.String(f.opts.PrincipalField)
	return principal != "" && principal == actorID
}
