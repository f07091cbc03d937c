package validate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/epitrace/epitrace/pkg/trace"
)

// Wire mirror structs for schema generation. These exist purely so the
// semantic phase can reflect a JSON Schema from them; the canonical encoder
// does not marshal through them. Fields without omitempty become required,
// and unknown fields are rejected.

type episodeInputDoc struct {
	Prompt string `json:"prompt"`
}

type episodeStartDoc struct {
	Type      string          `json:"type" jsonschema:"enum=episode_start"`
	EpisodeID string          `json:"episode_id" jsonschema:"minLength=1"`
	Timestamp int64           `json:"timestamp" jsonschema:"minimum=0"`
	Input     episodeInputDoc `json:"input"`
	Meta      map[string]any  `json:"meta"`
}

type stepDoc struct {
	Type      string         `json:"type" jsonschema:"enum=step"`
	EpisodeID string         `json:"episode_id" jsonschema:"minLength=1"`
	StepID    string         `json:"step_id" jsonschema:"minLength=1"`
	Idx       int            `json:"idx" jsonschema:"minimum=0"`
	Timestamp int64          `json:"timestamp" jsonschema:"minimum=0"`
	Kind      string         `json:"kind" jsonschema:"enum=model,enum=tool,enum=agent"`
	Name      string         `json:"name"`
	Content   any            `json:"content"` // string, or null from legacy producers
	Meta      map[string]any `json:"meta"`
}

type toolCallDoc struct {
	Type      string         `json:"type" jsonschema:"enum=tool_call"`
	EpisodeID string         `json:"episode_id" jsonschema:"minLength=1"`
	StepID    string         `json:"step_id" jsonschema:"minLength=1"`
	Timestamp int64          `json:"timestamp" jsonschema:"minimum=0"`
	ToolName  string         `json:"tool_name" jsonschema:"minLength=1"`
	CallIndex int            `json:"call_index" jsonschema:"minimum=0"`
	Args      map[string]any `json:"args"`
	Result    any            `json:"result"` // {value: ...} or null
	Error     any            `json:"error"`  // string or null
}

type episodeEndDoc struct {
	Type        string         `json:"type" jsonschema:"enum=episode_end"`
	EpisodeID   string         `json:"episode_id" jsonschema:"minLength=1"`
	Timestamp   int64          `json:"timestamp" jsonschema:"minimum=0"`
	Outcome     string         `json:"outcome" jsonschema:"enum=pass,enum=fail,enum=error"`
	FinalOutput any            `json:"final_output"` // string or null
	Meta        map[string]any `json:"meta"`
}

// GenerateEventSchema produces the JSON Schema Draft 2020-12 document for
// one wire event type from its Go mirror struct.
func GenerateEventSchema(t trace.Type) ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	var s *jsonschema.Schema
	switch t {
	case trace.TypeEpisodeStart:
		s = r.Reflect(&episodeStartDoc{})
	case trace.TypeStep:
		s = r.Reflect(&stepDoc{})
	case trace.TypeToolCall:
		s = r.Reflect(&toolCallDoc{})
	case trace.TypeEpisodeEnd:
		s = r.Reflect(&episodeEndDoc{})
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	s.ID = jsonschema.ID("https://github.com/epitrace/epitrace/schemas/" + string(t) + ".json")
	s.Title = "Canonical trace event: " + string(t)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

var (
	compiledOnce sync.Once
	compiledErr  error
	compiled     map[trace.Type]*sjsonschema.Schema
)

// eventSchemas compiles all four event schemas once per process.
func eventSchemas() (map[trace.Type]*sjsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiled = make(map[trace.Type]*sjsonschema.Schema, 4)
		for _, t := range []trace.Type{
			trace.TypeEpisodeStart, trace.TypeStep, trace.TypeToolCall, trace.TypeEpisodeEnd,
		} {
			raw, err := GenerateEventSchema(t)
			if err != nil {
				compiledErr = err
				return
			}
			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				compiledErr = fmt.Errorf("unmarshal %s schema: %w", t, err)
				return
			}
			name := string(t) + ".json"
			c := sjsonschema.NewCompiler()
			if err := c.AddResource(name, doc); err != nil {
				compiledErr = fmt.Errorf("add %s schema resource: %w", t, err)
				return
			}
			sch, err := c.Compile(name)
			if err != nil {
				compiledErr = fmt.Errorf("compile %s schema: %w", t, err)
				return
			}
			compiled[t] = sch
		}
	})
	return compiled, compiledErr
}

// validateSemantic checks one decoded event document against the schema for
// its type. The caller supplies the raw line so the document decodes with
// plain encoding/json, which is what the schema engine expects.
func validateSemantic(t trace.Type, line []byte) []string {
	schemas, err := eventSchemas()
	if err != nil {
		return []string{fmt.Sprintf("schema unavailable: %v", err)}
	}
	sch, ok := schemas[t]
	if !ok {
		return []string{fmt.Sprintf("no schema for event type %q", t)}
	}

	var doc any
	if err := json.Unmarshal(line, &doc); err != nil {
		return []string{fmt.Sprintf("unmarshal document: %v", err)}
	}

	if err := sch.Validate(doc); err != nil {
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			var msgs []string
			for _, cause := range flattenValidationErrors(ve) {
				loc := "/"
				if len(cause.InstanceLocation) > 0 {
					loc = ""
					for _, seg := range cause.InstanceLocation {
						loc += "/" + seg
					}
				}
				msgs = append(msgs, fmt.Sprintf("%s: %v", loc, cause.ErrorKind))
			}
			return msgs
		}
		return []string{err.Error()}
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}
