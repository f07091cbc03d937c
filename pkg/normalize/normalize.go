// Package normalize reconciles the two historical producer shapes into the
// canonical event stream: the flat gen_ai span form written by the
// standalone harness, and the structured event form written by the SDK. The
// functions here are pure and safe for concurrent use.
package normalize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/epitrace/epitrace/pkg/trace"
)

// Span is the legacy flat record: one span per line, nanosecond timestamps
// encoded as strings, attributes keyed by gen_ai.* names. This shape is
// read-only input; it is never produced as canonical output.
type Span struct {
	TraceID           string         `json:"trace_id"`
	SpanID            string         `json:"span_id"`
	ParentSpanID      string         `json:"parent_span_id,omitempty"`
	Name              string         `json:"name"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano"`
	Attributes        map[string]any `json:"attributes"`
}

// Warning is a recovered anomaly: the stream stayed ingestable but a value
// had to be substituted or guessed. Warnings also surface through the
// validator via meta annotations on the affected events.
type Warning struct {
	EpisodeID string
	Index     int // event position in sequence, -1 when not positional
	Message   string
}

func (w Warning) String() string {
	return fmt.Sprintf("episode %s: %s", w.EpisodeID, w.Message)
}

// gen_ai attribute keys understood by the span mapping.
const (
	attrOperation  = "gen_ai.operation.name"
	attrPrompt     = "gen_ai.prompt"
	attrCompletion = "gen_ai.completion"
	attrToolName   = "gen_ai.tool.name"
	attrToolArgs   = "gen_ai.tool.args"
	attrToolResult = "gen_ai.tool.result"
)

// metaSubstituted marks events whose timestamp had to be synthesized.
const metaSubstituted = "timestamp_substituted"

// ReadSpans parses newline-delimited flat span records.
func ReadSpans(r io.Reader) ([]Span, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var spans []Span
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var s Span
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("line %d: invalid span record: %w", lineNo, err)
		}
		spans = append(spans, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read spans: %w", err)
	}
	return spans, nil
}

// Spans converts flat span records into the canonical event stream, one
// episode per trace id. Unparsable timestamps are substituted (episode start
// + index*1000 ms) rather than failing the stream; every substitution is
// reported as a warning and annotated on the event's meta.
func Spans(spans []Span) ([]trace.Event, []Warning) {
	byTrace := make(map[string][]Span)
	var order []string
	for _, s := range spans {
		if _, seen := byTrace[s.TraceID]; !seen {
			order = append(order, s.TraceID)
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}

	var events []trace.Event
	var warnings []Warning
	for _, traceID := range order {
		evs, warns := convertTrace(traceID, byTrace[traceID])
		events = append(events, evs...)
		warnings = append(warnings, warns...)
	}
	return events, warnings
}

func convertTrace(traceID string, spans []Span) ([]trace.Event, []Warning) {
	var warnings []Warning

	// Start asc, end desc (parents encompass children), span id asc.
	sort.SliceStable(spans, func(i, j int) bool {
		si, _ := parseNanos(spans[i].StartTimeUnixNano)
		sj, _ := parseNanos(spans[j].StartTimeUnixNano)
		if si != sj {
			return si < sj
		}
		ei, _ := parseNanos(spans[i].EndTimeUnixNano)
		ej, _ := parseNanos(spans[j].EndTimeUnixNano)
		if ei != ej {
			return ei > ej
		}
		return spans[i].SpanID < spans[j].SpanID
	})

	// The root invoke_agent span defines the episode boundary.
	var root *Span
	for i := range spans {
		op := attrString(spans[i].Attributes, attrOperation)
		if op == "invoke_agent" || op == "create_agent" {
			root = &spans[i]
			break
		}
	}

	startMS, endMS, boundsSubstituted := episodeBounds(traceID, root, spans, &warnings)

	prompt := ""
	finalOutput := ""
	if root != nil {
		prompt = attrString(root.Attributes, attrPrompt)
		finalOutput = attrString(root.Attributes, attrCompletion)
	}

	startMeta := []trace.Member{
		{Key: "source", Value: trace.String("otel")},
		{Key: "trace_id", Value: trace.String(traceID)},
	}
	endMeta := trace.Null()
	if boundsSubstituted {
		startMeta = append(startMeta, trace.Member{Key: metaSubstituted, Value: trace.Bool(true)})
		endMeta = trace.Object(trace.Member{Key: metaSubstituted, Value: trace.Bool(true)})
	}

	events := []trace.Event{&trace.EpisodeStartEvent{
		EpisodeID: traceID,
		Timestamp: startMS,
		Prompt:    "",
		Meta:      trace.Object(startMeta...),
	}}

	idx := 0
	for _, s := range spans {
		op := attrString(s.Attributes, attrOperation)
		switch op {
		case "chat", "text_completion", "generate_content":
			ts, meta, warn := spanTimestamp(s, traceID, startMS, idx)
			if warn != "" {
				warnings = append(warnings, Warning{EpisodeID: traceID, Index: idx, Message: warn})
			}
			if prompt == "" {
				prompt = attrString(s.Attributes, attrPrompt)
			}
			events = append(events, &trace.StepEvent{
				EpisodeID: traceID,
				StepID:    fmt.Sprintf("%s-%d", traceID, idx+1),
				Idx:       idx,
				Timestamp: ts,
				Kind:      trace.KindModel,
				Name:      s.Name,
				Content:   attrString(s.Attributes, attrCompletion),
				Meta:      meta,
			})
			idx++

		case "execute_tool":
			ts, meta, warn := spanTimestamp(s, traceID, startMS, idx)
			if warn != "" {
				warnings = append(warnings, Warning{EpisodeID: traceID, Index: idx, Message: warn})
			}
			stepID := fmt.Sprintf("%s-%d", traceID, idx+1)
			toolName := attrString(s.Attributes, attrToolName)
			if toolName == "" {
				toolName = s.Name
			}
			events = append(events, &trace.StepEvent{
				EpisodeID: traceID,
				StepID:    stepID,
				Idx:       idx,
				Timestamp: ts,
				Kind:      trace.KindTool,
				Name:      s.Name,
				Content:   attrString(s.Attributes, attrToolResult),
				Meta:      meta,
			})
			events = append(events, &trace.ToolCallEvent{
				EpisodeID: traceID,
				StepID:    stepID,
				Timestamp: ts,
				ToolName:  toolName,
				CallIndex: 0,
				Args:      attrValue(s.Attributes, attrToolArgs),
				Result:    attrValue(s.Attributes, attrToolResult),
			})
			idx++

		case "invoke_agent", "create_agent":
			// Episode boundary; already consumed.
		default:
			// Spans outside the gen_ai vocabulary carry no agent activity.
		}
	}

	// Fix up the prompt discovered from the first chat span.
	events[0].(*trace.EpisodeStartEvent).Prompt = prompt

	events = append(events, &trace.EpisodeEndEvent{
		EpisodeID:   traceID,
		Timestamp:   endMS,
		Outcome:     trace.OutcomePass,
		FinalOutput: trace.String(finalOutput),
		Meta:        endMeta,
	})
	return events, warnings
}

// episodeBounds derives the episode start/end in ms. Without a root span, or
// when the root's timestamps do not parse, the widest observed span range is
// used instead; every such substitution is recorded as a warning and reported
// back so the boundary events can be annotated.
func episodeBounds(traceID string, root *Span, spans []Span, warnings *[]Warning) (int64, int64, bool) {
	if root != nil {
		start, errS := parseNanos(root.StartTimeUnixNano)
		end, errE := parseNanos(root.EndTimeUnixNano)
		if errS == nil && errE == nil {
			return start / 1_000_000, end / 1_000_000, false
		}
		*warnings = append(*warnings, Warning{
			EpisodeID: traceID,
			Index:     -1,
			Message:   fmt.Sprintf("unparsable timestamps on root span %s; episode boundary derived from first/last span", root.SpanID),
		})
	} else {
		*warnings = append(*warnings, Warning{
			EpisodeID: traceID,
			Index:     -1,
			Message:   "no invoke_agent root span; episode boundary derived from first/last span",
		})
	}

	var startNS, endNS int64
	seen := false
	for _, s := range spans {
		st, errS := parseNanos(s.StartTimeUnixNano)
		en, errE := parseNanos(s.EndTimeUnixNano)
		if errS != nil || errE != nil {
			continue
		}
		if !seen || st < startNS {
			startNS = st
		}
		if !seen || en > endNS {
			endNS = en
		}
		seen = true
	}
	if !seen {
		*warnings = append(*warnings, Warning{
			EpisodeID: traceID,
			Index:     -1,
			Message:   "no parsable timestamps in trace; episode boundary substituted with zero",
		})
		return 0, 0, true
	}
	return startNS / 1_000_000, endNS / 1_000_000, true
}

// spanTimestamp parses the span's start time, substituting start+idx*1000 ms
// on failure. Substitution is annotated on the returned meta so validators
// downstream see the anomaly.
func spanTimestamp(s Span, traceID string, episodeStartMS int64, idx int) (int64, trace.Value, string) {
	ns, err := parseNanos(s.StartTimeUnixNano)
	if err == nil {
		return ns / 1_000_000, trace.Null(), ""
	}
	ts := episodeStartMS + int64(idx)*1000
	meta := trace.Object(trace.Member{Key: metaSubstituted, Value: trace.Bool(true)})
	return ts, meta, fmt.Sprintf("unparsable timestamp %q on span %s; substituted %d", s.StartTimeUnixNano, s.SpanID, ts)
}

func parseNanos(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	return strconv.ParseInt(s, 10, 64)
}

func attrString(attrs map[string]any, key string) string {
	if v, ok := attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// attrValue resolves an attribute to a structured Value, best-effort parsing
// stringified JSON the way the harness writes tool args/results.
func attrValue(attrs map[string]any, key string) trace.Value {
	v, ok := attrs[key]
	if !ok {
		return trace.Object()
	}
	if s, ok := v.(string); ok {
		return trace.BestEffort(s)
	}
	converted, err := trace.FromAny(v)
	if err != nil {
		return trace.Object()
	}
	return converted
}

// Stream reads either producer shape and returns the canonical event
// sequence. Lines carrying a "type" field are the structured shape (identity
// transform plus typed parsing); anything else is treated as flat spans.
func Stream(r io.Reader) ([]trace.Event, []Warning, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read stream: %w", err)
	}
	if isCanonical(data) {
		events, err := trace.ParseStream(bytes.NewReader(data))
		if err != nil {
			return nil, nil, err
		}
		return events, nil, nil
	}
	spans, err := ReadSpans(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	events, warnings := Spans(spans)
	return events, warnings, nil
}

// isCanonical sniffs the first non-blank line for a top-level "type" field.
func isCanonical(data []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return false
		}
		return probe.Type != ""
	}
	return false
}
