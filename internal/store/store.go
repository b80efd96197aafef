package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownView    = errors.New("unknown view")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	ViewDropSubmissions = "drop_submissions"
	ViewDropDownloads   = "drop_downloads"
)

// Store is the read side of the managed backend: point lookups and the
// aggregate per-scope fetch that also backs the initial page load.
type Store interface {
	GetByID(ctx context.Context, table, id string) (Row, error)
	GetByForeignKey(ctx context.Context, table, key, value string) (Row, error)
	ListForScope(ctx context.Context, view, scopeKey string) ([]Row, error)
}

type Row map[string]any

func (r Row) Has(field string) bool {
	if r == nil {
		return false
	}
	v, ok := r[field]
	return ok && v != nil
}

func (r Row) String(field string) string {
	if r == nil {
		return ""
	}
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Clone())
	}
	return out
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func validIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func checkLookup(table, key, value string) error {
	if !validIdentifier(table) || !validIdentifier(key) {
		return fmt.Errorf("%w: identifier %q.%q", ErrInvalidInput, table, key)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: empty lookup value for %s.%s", ErrInvalidInput, table, key)
	}
	return nil
}
