package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/igorms-pro/onelink-sub002/internal/store"
)

const (
	TopicSubmissions = "submissions"
	TopicDownloads   = "downloads"

	defaultActorField   = "actor_id"
	defaultCreatedField = "created_at"
	defaultSummary      = `New activity in "{{.Label}}"`
)

var (
	topicNamePattern  = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// Hop is one point lookup on the way from the leaf row to its collection:
// the previous row's Via field holds the id of a row in Table.
type Hop struct {
	Table           string `yaml:"table" json:"table"`
	Via             string `yaml:"via" json:"via"`
	SoftDeleteField string `yaml:"soft_delete_field,omitempty" json:"soft_delete_field,omitempty"`
}

// Topic describes one event kind. The last hop lands on the collection,
// whose ScopeField must equal the active scope key.
type Topic struct {
	Name         string `yaml:"name" json:"name"`
	LeafTable    string `yaml:"leaf_table" json:"leaf_table"`
	ActorField   string `yaml:"actor_field,omitempty" json:"actor_field,omitempty"`
	CreatedField string `yaml:"created_field,omitempty" json:"created_field,omitempty"`
	Hops         []Hop  `yaml:"hops" json:"hops"`
	ScopeField   string `yaml:"scope_field" json:"scope_field"`
	LabelField   string `yaml:"label_field" json:"label_field"`
	View         string `yaml:"view" json:"view"`
	Summary      string `yaml:"summary,omitempty" json:"summary,omitempty"`

	summary *template.Template
	schema  *jsonschema.Schema
}

type SummaryData struct {
	Label string
	Event LeafEvent
}

func SubmissionsTopic() *Topic {
	return &Topic{
		Name:       TopicSubmissions,
		LeafTable:  "submissions",
		Hops:       []Hop{{Table: "drops", Via: "drop_id", SoftDeleteField: "deleted_at"}},
		ScopeField: "profile_id",
		LabelField: "name",
		View:       store.ViewDropSubmissions,
		Summary:    `New submission in "{{.Label}}"`,
	}
}

func DownloadsTopic() *Topic {
	return &Topic{
		Name:      TopicDownloads,
		LeafTable: "downloads",
		Hops: []Hop{
			{Table: "submissions", Via: "submission_id"},
			{Table: "drops", Via: "drop_id", SoftDeleteField: "deleted_at"},
		},
		ScopeField: "profile_id",
		LabelField: "name",
		View:       store.ViewDropDownloads,
		Summary:    `A file in "{{.Label}}" was downloaded`,
	}
}

func BuiltinTopics() []*Topic {
	return []*Topic{SubmissionsTopic(), DownloadsTopic()}
}

// Compile validates the descriptor, fills defaults and prepares the payload
// schema and summary template. Parse and Summarize need a compiled topic.
func (t *Topic) Compile() error {
	if t == nil {
		return ErrInvalidTopic
	}
	t.Name = strings.TrimSpace(t.Name)
	if !topicNamePattern.MatchString(t.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidTopic, t.Name)
	}
	if t.ActorField == "" {
		t.ActorField = defaultActorField
	}
	if t.CreatedField == "" {
		t.CreatedField = defaultCreatedField
	}
	if t.Summary == "" {
		t.Summary = defaultSummary
	}
	for field, value := range map[string]string{
		"leaf_table":    t.LeafTable,
		"actor_field":   t.ActorField,
		"created_field": t.CreatedField,
		"scope_field":   t.ScopeField,
		"label_field":   t.LabelField,
	} {
		if !identifierPattern.MatchString(value) {
			return fmt.Errorf("%w: %s: %s %q", ErrInvalidTopic, t.Name, field, value)
		}
	}
	if strings.TrimSpace(t.View) == "" {
		return fmt.Errorf("%w: %s: view is required", ErrInvalidTopic, t.Name)
	}
	if len(t.Hops) == 0 {
		return fmt.Errorf("%w: %s: at least one hop is required", ErrInvalidTopic, t.Name)
	}
	for i, hop := range t.Hops {
		if !identifierPattern.MatchString(hop.Table) || !identifierPattern.MatchString(hop.Via) {
			return fmt.Errorf("%w: %s: hop %d", ErrInvalidTopic, t.Name, i)
		}
		if hop.SoftDeleteField != "" && !identifierPattern.MatchString(hop.SoftDeleteField) {
			return fmt.Errorf("%w: %s: hop %d soft_delete_field", ErrInvalidTopic, t.Name, i)
		}
	}
	// id and the parent reference must stay required strings in the payload
	// schema, so the nullable fields may not reuse their names.
	for field, value := range map[string]string{"actor_field": t.ActorField, "created_field": t.CreatedField} {
		if value == "id" || value == t.ParentRef() {
			return fmt.Errorf("%w: %s: %s %q collides with a required field", ErrInvalidTopic, t.Name, field, value)
		}
	}

	tmpl, err := template.New(t.Name).Option("missingkey=zero").Parse(t.Summary)
	if err != nil {
		return fmt.Errorf("%w: %s: summary: %v", ErrInvalidTopic, t.Name, err)
	}
	schema, err := compilePayloadSchema(t)
	if err != nil {
		return fmt.Errorf("%w: %s: schema: %v", ErrInvalidTopic, t.Name, err)
	}
	t.summary = tmpl
	t.schema = schema
	return nil
}

func (t *Topic) compiled() bool {
	return t != nil && t.schema != nil && t.summary != nil
}

// ParentRef is the leaf field that points at the first hop.
func (t *Topic) ParentRef() string {
	return t.Hops[0].Via
}

func (t *Topic) Summarize(label string, ev LeafEvent) string {
	if !t.compiled() {
		return ""
	}
	var buf bytes.Buffer
	if err := t.summary.Execute(&buf, SummaryData{Label: label, Event: ev}); err != nil {
		return fmt.Sprintf("New %s activity in %q", t.Name, label)
	}
	return buf.String()
}

func compilePayloadSchema(t *Topic) (*jsonschema.Schema, error) {
	nonEmpty := map[string]any{"type": "string", "minLength": 1}
	nullable := map[string]any{"type": []string{"string", "null"}}
	doc := map[string]any{
		"type":     "object",
		"required": []string{"id", t.ParentRef()},
		"properties": map[string]any{
			"id":           nonEmpty,
			t.ParentRef():  nonEmpty,
			t.ActorField:   nullable,
			t.CreatedField: nullable,
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	location := "https://onelink.invalid/topics/" + t.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, parsed); err != nil {
		return nil, err
	}
	return compiler.Compile(location)
}

type topicsFile struct {
	Topics []*Topic `yaml:"topics"`
}

// LoadTopicsFile reads YAML topic descriptors and compiles each one.
func LoadTopicsFile(path string) ([]*Topic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTopics(data)
}

func ParseTopics(data []byte) ([]*Topic, error) {
	var file topicsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	if len(file.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics defined", ErrInvalidTopic)
	}
	seen := map[string]struct{}{}
	for _, topic := range file.Topics {
		if err := topic.Compile(); err != nil {
			return nil, err
		}
		if _, dup := seen[topic.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate topic %q", ErrInvalidTopic, topic.Name)
		}
		seen[topic.Name] = struct{}{}
	}
	return file.Topics, nil
}
