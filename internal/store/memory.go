package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryViewFunc computes an aggregate view from the table contents. It runs
// with the store lock held and must not call back into the store.
type MemoryViewFunc func(tables map[string]map[string]Row, scopeKey string) []Row

type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Row
	views  map[string]MemoryViewFunc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: map[string]map[string]Row{},
		views: map[string]MemoryViewFunc{
			ViewDropSubmissions: memoryDropSubmissions,
			ViewDropDownloads:   memoryDropDownloads,
		},
	}
}

func (s *MemoryStore) RegisterView(name string, fn MemoryViewFunc) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[name] = fn
}

// Put inserts or replaces a row keyed by its "id" field.
func (s *MemoryStore) Put(table string, row Row) error {
	id := row.String("id")
	if !validIdentifier(table) || id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		rows = map[string]Row{}
		s.tables[table] = rows
	}
	rows[id] = row.Clone()
	return nil
}

func (s *MemoryStore) Update(table, id string, fields Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		row[k] = v
	}
	return nil
}

func (s *MemoryStore) Delete(table, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[table], id)
}

func (s *MemoryStore) GetByID(ctx context.Context, table, id string) (Row, error) {
	return s.GetByForeignKey(ctx, table, "id", id)
}

func (s *MemoryStore) GetByForeignKey(ctx context.Context, table, key, value string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkLookup(table, key, value); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.tables[table]
	if key == "id" {
		if row, ok := rows[value]; ok {
			return row.Clone(), nil
		}
		return nil, ErrNotFound
	}
	for _, id := range sortedIDs(rows) {
		if rows[id].String(key) == value {
			return rows[id].Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListForScope(ctx context.Context, view, scopeKey string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.views[view]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, view)
	}
	return cloneRows(fn(s.tables, scopeKey)), nil
}

func sortedIDs(rows map[string]Row) []string {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func liveDropsFor(tables map[string]map[string]Row, scopeKey string) map[string]Row {
	out := map[string]Row{}
	for id, drop := range tables["drops"] {
		if drop.String("profile_id") != scopeKey || drop.Has("deleted_at") {
			continue
		}
		out[id] = drop
	}
	return out
}

func memoryDropSubmissions(tables map[string]map[string]Row, scopeKey string) []Row {
	drops := liveDropsFor(tables, scopeKey)
	var out []Row
	for _, sub := range tables["submissions"] {
		drop, ok := drops[sub.String("drop_id")]
		if !ok {
			continue
		}
		row := sub.Clone()
		row["drop_name"] = drop.String("name")
		out = append(out, row)
	}
	sortNewestFirst(out)
	return out
}

func memoryDropDownloads(tables map[string]map[string]Row, scopeKey string) []Row {
	drops := liveDropsFor(tables, scopeKey)
	var out []Row
	for _, dl := range tables["downloads"] {
		sub, ok := tables["submissions"][dl.String("submission_id")]
		if !ok {
			continue
		}
		drop, ok := drops[sub.String("drop_id")]
		if !ok {
			continue
		}
		row := dl.Clone()
		row["drop_id"] = sub.String("drop_id")
		row["drop_name"] = drop.String("name")
		out = append(out, row)
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		ci, cj := rows[i].String("created_at"), rows[j].String("created_at")
		if ci != cj {
			return ci > cj
		}
		return rows[i].String("id") > rows[j].String("id")
	})
}
