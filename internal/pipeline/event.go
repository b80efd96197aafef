package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/igorms-pro/onelink-sub002/internal/changefeed"
)

// LeafEvent is the typed form of a raw insert. Nothing past Parse sees the
// untyped record except through Fields.
type LeafEvent struct {
	Topic      string            `json:"topic"`
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at,omitempty"`
	Refs       map[string]string `json:"refs"`
	Fields     map[string]any    `json:"fields,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

func (e LeafEvent) Ref(field string) string {
	return e.Refs[field]
}

var createdLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

func parseCreated(value string) time.Time {
	for _, layout := range createdLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// Parse validates a raw insert against the topic's payload schema.
func (t *Topic) Parse(raw changefeed.RawEvent) (LeafEvent, error) {
	if !t.compiled() {
		return LeafEvent{}, fmt.Errorf("%w: topic %q is not compiled", ErrInvalidTopic, t.Name)
	}
	if raw.Table != t.LeafTable {
		return LeafEvent{}, fmt.Errorf("%w: table %q is not %s", ErrInvalidEvent, raw.Table, t.LeafTable)
	}
	if raw.Record == nil {
		return LeafEvent{}, fmt.Errorf("%w: empty record", ErrInvalidEvent)
	}
	// Round-trip through JSON so transport-specific Go values (time.Time,
	// int64, []byte) reach the validator as plain JSON values.
	encoded, err := json.Marshal(raw.Record)
	if err != nil {
		return LeafEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return LeafEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := t.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return LeafEvent{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, t.Name, verr)
		}
		return LeafEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	fields, ok := doc.(map[string]any)
	if !ok {
		return LeafEvent{}, fmt.Errorf("%w: %s: record is not an object", ErrInvalidEvent, t.Name)
	}
	id, ok := fields["id"].(string)
	if !ok || id == "" {
		return LeafEvent{}, fmt.Errorf("%w: %s: id must be a non-empty string", ErrInvalidEvent, t.Name)
	}
	parent, ok := fields[t.ParentRef()].(string)
	if !ok || parent == "" {
		return LeafEvent{}, fmt.Errorf("%w: %s: %s must be a non-empty string", ErrInvalidEvent, t.Name, t.ParentRef())
	}

	ev := LeafEvent{
		Topic:      t.Name,
		ID:         id,
		Refs:       map[string]string{t.ParentRef(): parent},
		Fields:     fields,
		ReceivedAt: raw.ReceivedAt,
	}
	if actor, ok := fields[t.ActorField].(string); ok {
		ev.ActorID = actor
	}
	if created, ok := fields[t.CreatedField].(string); ok {
		ev.CreatedAt = parseCreated(created)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	return ev, nil
}
