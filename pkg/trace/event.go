// Package trace implements the canonical episode trace protocol: the event
// model, the deterministic JSONL encoding, and the append-only writers that
// both producers (the raw agent harness and the chat-completions recorder)
// converge to.
package trace

// Type enumerates the four wire event kinds.
type Type string

const (
	TypeEpisodeStart Type = "episode_start"
	TypeStep         Type = "step"
	TypeToolCall     Type = "tool_call"
	TypeEpisodeEnd   Type = "episode_end"
)

// Outcome is the terminal verdict of an episode.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeError   Outcome = "error"
)

// StepKind classifies a step in the in-memory model.
type StepKind string

const (
	StepLLM  StepKind = "llm"
	StepTool StepKind = "tool"
)

// Wire kind vocabulary. Both historical producers emit "model" for llm turns,
// so the encoder maps StepLLM to KindModel.
const (
	KindModel = "model"
	KindTool  = "tool"
	KindAgent = "agent"
)

// Wire returns the wire-format kind string for a step kind.
func (k StepKind) Wire() string {
	if k == StepLLM {
		return KindModel
	}
	return string(k)
}

// Event is one canonical trace event. Concrete types are EpisodeStartEvent,
// StepEvent, ToolCallEvent and EpisodeEndEvent.
type Event interface {
	EventType() Type
	// Episode returns the wire episode id the event belongs to.
	Episode() string
	// Time returns the event timestamp in milliseconds since epoch.
	Time() int64

	canonical() Value
}

// EpisodeStartEvent opens an episode. Exactly one per episode, first on the
// wire.
type EpisodeStartEvent struct {
	EpisodeID string
	Timestamp int64
	Prompt    string
	Meta      Value // object; null encodes as {}
}

func (e *EpisodeStartEvent) EventType() Type { return TypeEpisodeStart }
func (e *EpisodeStartEvent) Episode() string { return e.EpisodeID }
func (e *EpisodeStartEvent) Time() int64     { return e.Timestamp }

func (e *EpisodeStartEvent) canonical() Value {
	return Object(
		Member{"type", String(string(TypeEpisodeStart))},
		Member{"episode_id", String(e.EpisodeID)},
		Member{"timestamp", Int(e.Timestamp)},
		Member{"input", Object(Member{"prompt", String(e.Prompt)})},
		Member{"meta", metaOrEmpty(e.Meta)},
	)
}

// StepEvent records one unit of agent activity.
type StepEvent struct {
	EpisodeID string
	StepID    string
	Idx       int // 0-based position within the episode
	Timestamp int64
	Kind      string // wire kind: model | tool | agent
	Name      string
	Content   string
	Meta      Value
}

func (e *StepEvent) EventType() Type { return TypeStep }
func (e *StepEvent) Episode() string { return e.EpisodeID }
func (e *StepEvent) Time() int64     { return e.Timestamp }

func (e *StepEvent) canonical() Value {
	return Object(
		Member{"type", String(string(TypeStep))},
		Member{"episode_id", String(e.EpisodeID)},
		Member{"step_id", String(e.StepID)},
		Member{"idx", Int(int64(e.Idx))},
		Member{"timestamp", Int(e.Timestamp)},
		Member{"kind", String(e.Kind)},
		Member{"name", String(e.Name)},
		Member{"content", String(e.Content)},
		Member{"meta", metaOrEmpty(e.Meta)},
	)
}

// ToolCallEvent records one external-effect attempt, referencing the step
// that carries it. A null Result means the call raised and produced no
// result; anything else is wrapped as {"value": <result>} on the wire.
type ToolCallEvent struct {
	EpisodeID string
	StepID    string
	Timestamp int64
	ToolName  string
	CallIndex int
	Args      Value
	Result    Value
	Error     string // empty means success; encodes as null
}

func (e *ToolCallEvent) EventType() Type { return TypeToolCall }
func (e *ToolCallEvent) Episode() string { return e.EpisodeID }
func (e *ToolCallEvent) Time() int64     { return e.Timestamp }

func (e *ToolCallEvent) canonical() Value {
	result := Null()
	if !e.Result.IsNull() {
		result = Object(Member{"value", e.Result})
	}
	errVal := Null()
	if e.Error != "" {
		errVal = String(e.Error)
	}
	args := e.Args
	if args.IsNull() {
		args = Object()
	}
	return Object(
		Member{"type", String(string(TypeToolCall))},
		Member{"episode_id", String(e.EpisodeID)},
		Member{"step_id", String(e.StepID)},
		Member{"timestamp", Int(e.Timestamp)},
		Member{"tool_name", String(e.ToolName)},
		Member{"call_index", Int(int64(e.CallIndex))},
		Member{"args", args},
		Member{"result", result},
		Member{"error", errVal},
	)
}

// EpisodeEndEvent closes an episode. Exactly one per episode, last on the
// wire. FinalOutput is null only when the episode aborted before any output
// was recorded.
type EpisodeEndEvent struct {
	EpisodeID   string
	Timestamp   int64
	Outcome     Outcome
	FinalOutput Value // string or null
	Meta        Value
}

func (e *EpisodeEndEvent) EventType() Type { return TypeEpisodeEnd }
func (e *EpisodeEndEvent) Episode() string { return e.EpisodeID }
func (e *EpisodeEndEvent) Time() int64     { return e.Timestamp }

func (e *EpisodeEndEvent) canonical() Value {
	return Object(
		Member{"type", String(string(TypeEpisodeEnd))},
		Member{"episode_id", String(e.EpisodeID)},
		Member{"timestamp", Int(e.Timestamp)},
		Member{"outcome", String(string(e.Outcome))},
		Member{"final_output", e.FinalOutput},
		Member{"meta", metaOrEmpty(e.Meta)},
	)
}

func metaOrEmpty(meta Value) Value {
	if meta.Kind() == KindObject {
		return meta
	}
	return Object()
}
