package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igorms-pro/onelink-sub002/internal/changefeed"
)

func TestParseSubmission(t *testing.T) {
	topic := compiled(t, SubmissionsTopic())
	received := time.Date(2026, 4, 1, 10, 0, 1, 0, time.UTC)

	ev, err := topic.Parse(changefeed.RawEvent{
		Table: "submissions",
		Record: map[string]any{
			"id":         "sub_1",
			"drop_id":    "drop_inv",
			"actor_id":   nil,
			"created_at": time.Date(2026, 4, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
			"size_bytes": int64(2048),
		},
		ReceivedAt: received,
	})
	require.NoError(t, err)
	assert.Equal(t, TopicSubmissions, ev.Topic)
	assert.Equal(t, "sub_1", ev.ID)
	assert.Empty(t, ev.ActorID)
	assert.Equal(t, time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), ev.CreatedAt)
	assert.Equal(t, map[string]string{"drop_id": "drop_inv"}, ev.Refs)
	assert.Equal(t, "drop_inv", ev.Ref("drop_id"))
	assert.Equal(t, received, ev.ReceivedAt)
	assert.Contains(t, ev.Fields, "size_bytes")
}

func TestParseRejectsInvalidRecords(t *testing.T) {
	topic := compiled(t, SubmissionsTopic())
	cases := map[string]changefeed.RawEvent{
		"wrong table":   {Table: "downloads", Record: map[string]any{"id": "x", "drop_id": "d"}},
		"nil record":    {Table: "submissions"},
		"missing ref":   {Table: "submissions", Record: map[string]any{"id": "x"}},
		"empty ref":     {Table: "submissions", Record: map[string]any{"id": "x", "drop_id": ""}},
		"numeric id":    {Table: "submissions", Record: map[string]any{"id": 7, "drop_id": "d"}},
		"numeric actor": {Table: "submissions", Record: map[string]any{"id": "x", "drop_id": "d", "actor_id": 3}},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := topic.Parse(raw)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestParseRequiresCompiledTopic(t *testing.T) {
	_, err := SubmissionsTopic().Parse(changefeed.RawEvent{Table: "submissions", Record: map[string]any{"id": "x", "drop_id": "d"}})
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestParseDefaultsReceivedAt(t *testing.T) {
	topic := compiled(t, DownloadsTopic())
	ev, err := topic.Parse(changefeed.RawEvent{Table: "downloads", Record: map[string]any{"id": "dl_1", "submission_id": "sub_1", "actor_id": "visitor-2"}})
	require.NoError(t, err)
	assert.False(t, ev.ReceivedAt.IsZero())
	assert.True(t, ev.CreatedAt.IsZero())
	assert.Equal(t, "visitor-2", ev.ActorID)
	assert.Equal(t, "sub_1", ev.Ref("submission_id"))
}

func TestParseRejectsNonStringReferenceInsteadOfPanicking(t *testing.T) {
	topic := compiled(t, SubmissionsTopic())
	// The schema was compiled for drop_id; point the parent reference at the
	// nullable actor field so a null slips past validation.
	topic.Hops[0].Via = "actor_id"

	var err error
	require.NotPanics(t, func() {
		_, err = topic.Parse(changefeed.RawEvent{Table: "submissions", Record: map[string]any{"id": "s1", "drop_id": "d", "actor_id": nil}})
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
