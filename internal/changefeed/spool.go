package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

type SpoolOptions struct {
	// Keep leaves delivered files in place instead of removing them.
	Keep   bool
	Logger Logger
}

// SpoolTransport treats a directory tree as a change stream: every *.json
// file created under <dir>/<table>/ is one inserted row. Writers should use
// WriteSpoolRecord so readers never observe a partial file.
type SpoolTransport struct {
	dir    string
	opts   SpoolOptions
	logger Logger

	watcher  *fsnotify.Watcher
	loopDone chan struct{}

	mu     sync.Mutex
	subs   map[string]map[*spoolSubscription]struct{}
	closed bool
}

type spoolSubscription struct {
	*subscription
	table   string
	handler Handler
}

func NewSpoolTransport(dir string, opts SpoolOptions) (*SpoolTransport, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create spool watcher: %w", err)
	}
	t := &SpoolTransport{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger,
		watcher:  watcher,
		loopDone: make(chan struct{}),
		subs:     map[string]map[*spoolSubscription]struct{}{},
	}
	go t.loop()
	return t, nil
}

// Dir is the spool root; writers pass it to WriteSpoolRecord.
func (t *SpoolTransport) Dir() string {
	return t.dir
}

func (t *SpoolTransport) tableDir(table string) string {
	return filepath.Join(t.dir, table)
}

func (t *SpoolTransport) Subscribe(ctx context.Context, req SubscribeRequest, handler Handler) (Subscription, error) {
	if err := validateRequest(req, handler); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := t.tableDir(req.Table)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	first := len(t.subs[req.Table]) == 0
	if first {
		if err := os.MkdirAll(path, 0o755); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("create spool table dir: %w", err)
		}
		if err := t.watcher.Add(path); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
		t.subs[req.Table] = map[*spoolSubscription]struct{}{}
	}
	sub := &spoolSubscription{table: req.Table, handler: handler}
	sub.subscription = newSubscription(func() { t.remove(sub) })
	t.subs[req.Table][sub] = struct{}{}
	t.mu.Unlock()

	if first && !t.opts.Keep {
		go t.drain(req.Table)
	}
	return sub, nil
}

// drain delivers files that were spooled while nobody was watching the table.
func (t *SpoolTransport) drain(table string) {
	entries, err := os.ReadDir(t.tableDir(table))
	if err != nil {
		logf(t.logger, "read spool dir %s: %v", table, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && spoolFileName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		t.deliverFile(table, filepath.Join(t.tableDir(table), name))
	}
}

func (t *SpoolTransport) remove(target *spoolSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[target.table]
	delete(subs, target)
	if len(subs) > 0 {
		return
	}
	delete(t.subs, target.table)
	if t.closed {
		return
	}
	if err := t.watcher.Remove(t.tableDir(target.table)); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		logf(t.logger, "unwatch spool table %s: %v", target.table, err)
	}
}

func (t *SpoolTransport) loop() {
	defer close(t.loopDone)
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !spoolFileName(filepath.Base(event.Name)) {
				continue
			}
			table := filepath.Base(filepath.Dir(event.Name))
			t.deliverFile(table, event.Name)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			logf(t.logger, "spool watcher error: %v", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Some creates were lost; subscribers must reconcile.
				t.endAll(fmt.Errorf("%w: %v", ErrSubscriptionLost, err))
			}
		}
	}
}

func (t *SpoolTransport) deliverFile(table, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logf(t.logger, "read spool file %s: %v", path, err)
		}
		return
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil || record == nil {
		// A plain writer may still be filling the file; its Write event retries.
		return
	}

	t.mu.Lock()
	targets := make([]*spoolSubscription, 0, len(t.subs[table]))
	for sub := range t.subs[table] {
		targets = append(targets, sub)
	}
	t.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	if !t.opts.Keep {
		if err := os.Remove(path); err != nil {
			// Another event already claimed the file.
			return
		}
	}
	now := time.Now()
	for _, sub := range targets {
		if !sub.live() {
			continue
		}
		sub.handler(RawEvent{Table: table, Record: cloneRecord(record), ReceivedAt: now})
	}
}

func (t *SpoolTransport) endAll(cause error) {
	t.mu.Lock()
	var all []*spoolSubscription
	for _, subs := range t.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	t.mu.Unlock()
	for _, sub := range all {
		sub.end(cause)
	}
}

func (t *SpoolTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.endAll(ErrClosed)
	err := t.watcher.Close()
	<-t.loopDone
	return err
}

func spoolFileName(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".json")
}

// WriteSpoolRecord atomically adds one row to the spool for table and
// returns the file path.
func WriteSpoolRecord(dir, table string, record map[string]any) (string, error) {
	if !tablePattern.MatchString(table) || record == nil {
		return "", ErrInvalidInput
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	tableDir := filepath.Join(dir, table)
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(tableDir, fmt.Sprintf("%020d-%s.json", time.Now().UnixNano(), uuid.NewString()))
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
