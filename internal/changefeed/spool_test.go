package changefeed

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventSink struct {
	mu     sync.Mutex
	events []RawEvent
}

func (s *eventSink) handle(ev RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		id, _ := ev.Record["id"].(string)
		out = append(out, id)
	}
	return out
}

func TestSpoolTransportDeliversCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewSpoolTransport(dir, SpoolOptions{})
	require.NoError(t, err)
	defer tr.Close()

	sink := &eventSink{}
	sub, err := tr.Subscribe(context.Background(), SubscribeRequest{Table: "submissions"}, sink.handle)
	require.NoError(t, err)

	path, err := WriteSpoolRecord(dir, "submissions", map[string]any{"id": "sub_1", "drop_id": "drop_1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.ids()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"sub_1"}, sink.ids())
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(path)
		return os.IsNotExist(statErr)
	}, 5*time.Second, 10*time.Millisecond)

	// Temp files and foreign extensions are not records.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "submissions", ".partial.json"), []byte(`{"id":"hidden"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "submissions", "notes.txt"), []byte(`{"id":"txt"}`), 0o644))
	require.NoError(t, sub.Close())

	_, err = WriteSpoolRecord(dir, "submissions", map[string]any{"id": "sub_2"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"sub_1"}, sink.ids())
}

func TestSpoolTransportDrainsBacklogOnFirstSubscribe(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteSpoolRecord(dir, "downloads", map[string]any{"id": "dl_1"})
	require.NoError(t, err)
	_, err = WriteSpoolRecord(dir, "downloads", map[string]any{"id": "dl_2"})
	require.NoError(t, err)

	tr, err := NewSpoolTransport(dir, SpoolOptions{})
	require.NoError(t, err)
	defer tr.Close()

	sink := &eventSink{}
	_, err = tr.Subscribe(context.Background(), SubscribeRequest{Table: "downloads"}, sink.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.ids()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"dl_1", "dl_2"}, sink.ids())
}

func TestSpoolTransportKeepLeavesFiles(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewSpoolTransport(dir, SpoolOptions{Keep: true})
	require.NoError(t, err)

	sink := &eventSink{}
	sub, err := tr.Subscribe(context.Background(), SubscribeRequest{Table: "submissions"}, sink.handle)
	require.NoError(t, err)

	path, err := WriteSpoolRecord(dir, "submissions", map[string]any{"id": "sub_1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.ids()) >= 1 }, 5*time.Second, 10*time.Millisecond)
	_, err = os.Stat(path)
	assert.NoError(t, err)

	require.NoError(t, tr.Close())
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrClosed)
}

func TestWriteSpoolRecordValidates(t *testing.T) {
	_, err := WriteSpoolRecord(t.TempDir(), "../escape", map[string]any{"id": "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = WriteSpoolRecord(t.TempDir(), "submissions", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
