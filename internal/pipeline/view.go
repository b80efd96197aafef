package pipeline

import (
	"sync"
	"time"

	"github.com/igorms-pro/onelink-sub002/internal/store"
)

type ViewSnapshot struct {
	Rows         []store.Row `json:"rows"`
	Version      uint64      `json:"version"`
	ReconciledAt time.Time   `json:"reconciled_at"`
}

// ReconciledView is the cached collection a consumer renders. It only ever
// changes by wholesale Replace; a replace carrying a sequence number at or
// below the last applied one is stale and ignored.
type ReconciledView struct {
	mu       sync.Mutex
	rows     []store.Row
	version  uint64
	applied  uint64
	at       time.Time
	sealed   bool
	nextID   int
	watchers map[int]chan ViewSnapshot
}

func NewReconciledView() *ReconciledView {
	return &ReconciledView{watchers: map[int]chan ViewSnapshot{}}
}

func (v *ReconciledView) Snapshot() ViewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *ReconciledView) snapshotLocked() ViewSnapshot {
	rows := make([]store.Row, 0, len(v.rows))
	for _, row := range v.rows {
		rows = append(rows, row.Clone())
	}
	return ViewSnapshot{Rows: rows, Version: v.version, ReconciledAt: v.at}
}

// Replace installs rows as the whole view. It reports false when the view is
// sealed or seq is not newer than the last applied replace.
func (v *ReconciledView) Replace(seq uint64, rows []store.Row) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealed || seq <= v.applied {
		return false
	}
	next := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		next = append(next, row.Clone())
	}
	v.rows = next
	v.applied = seq
	v.version++
	v.at = time.Now()
	snap := v.snapshotLocked()
	for _, ch := range v.watchers {
		publishLatest(ch, snap)
	}
	return true
}

// Watch returns a channel that always holds the most recent snapshot not yet
// received. The channel is closed by Seal or by the returned stop func.
func (v *ReconciledView) Watch() (<-chan ViewSnapshot, func()) {
	ch := make(chan ViewSnapshot, 1)
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealed {
		close(ch)
		return ch, func() {}
	}
	id := v.nextID
	v.nextID++
	v.watchers[id] = ch
	if v.version > 0 {
		ch <- v.snapshotLocked()
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if w, ok := v.watchers[id]; ok {
				delete(v.watchers, id)
				close(w)
			}
		})
	}
}

// Seal freezes the view for teardown.
func (v *ReconciledView) Seal() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealed {
		return
	}
	v.sealed = true
	for id, ch := range v.watchers {
		delete(v.watchers, id)
		close(ch)
	}
}

func (v *ReconciledView) Sealed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sealed
}

func publishLatest(ch chan ViewSnapshot, snap ViewSnapshot) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
