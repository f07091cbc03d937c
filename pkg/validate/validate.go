// Package validate checks an ingested canonical event stream for structural
// well-formedness before it is handed to the verification engine. Validation
// is two-phase in the same spirit as document validation elsewhere in the
// tree: structural Go rules over the event sequence, then a semantic JSON
// Schema check per line. The validator enumerates every finding rather than
// stopping at the first, and never mutates the stream.
package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/epitrace/epitrace/pkg/trace"
)

// Violation kinds.
const (
	KindMalformedEvent        = "malformed_event"
	KindSchema                = "schema"
	KindDuplicateEpisodeStart = "duplicate_episode_start"
	KindEventBeforeStart      = "event_before_start"
	KindEventAfterEnd         = "event_after_end"
	KindMissingTerminalEvent  = "missing_terminal_event"
	KindDanglingToolCall      = "dangling_tool_call"
	KindDuplicateStepID       = "duplicate_step_id"
	KindTimestampOrder        = "timestamp_order"
	KindTimestampSubstituted  = "timestamp_substituted"
)

// Violation is a single validator finding.
type Violation struct {
	Kind      string `json:"kind"`
	Phase     string `json:"phase"` // structural, semantic
	EpisodeID string `json:"episode_id,omitempty"`
	Line      int    `json:"line"` // 1-based; 0 for end-of-stream findings
	Message   string `json:"message"`
	Severity  string `json:"severity"` // error, warning
}

func (v *Violation) Error() string {
	return fmt.Sprintf("[%s] %s: %s", v.Phase, v.Kind, v.Message)
}

// Report is the structured result of validating one event stream.
type Report struct {
	Events     int
	Episodes   int
	Violations []*Violation
}

// Valid reports whether no error-severity violations were found.
func (r *Report) Valid() bool {
	for _, v := range r.Violations {
		if v.Severity == "error" {
			return false
		}
	}
	return true
}

// Errors returns the error-severity violations.
func (r *Report) Errors() []*Violation {
	var out []*Violation
	for _, v := range r.Violations {
		if v.Severity == "error" {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the warning-severity violations.
func (r *Report) Warnings() []*Violation {
	var out []*Violation
	for _, v := range r.Violations {
		if v.Severity == "warning" {
			out = append(out, v)
		}
	}
	return out
}

// episodeState tracks per-episode ordering facts while scanning.
type episodeState struct {
	started   bool
	ended     bool
	steps     map[string]int // step id -> line first seen
	lastTS    int64
	hasLastTS bool
}

// File validates a trace file.
func File(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Stream(f)
}

// Stream validates a newline-delimited canonical event stream. Malformed
// lines are reported and skipped so the rest of the file is still checked; a
// corrupted trace stays parseable up to the corruption.
func Stream(r io.Reader) (*Report, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	report := &Report{}
	episodes := make(map[string]*episodeState)
	var order []string

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		report.Events++

		ev, err := trace.ParseLine(line)
		if err != nil {
			report.Violations = append(report.Violations, &Violation{
				Kind:     KindMalformedEvent,
				Phase:    "structural",
				Line:     lineNo,
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}

		for _, msg := range validateSemantic(ev.EventType(), line) {
			report.Violations = append(report.Violations, &Violation{
				Kind:      KindSchema,
				Phase:     "semantic",
				EpisodeID: ev.Episode(),
				Line:      lineNo,
				Message:   msg,
				Severity:  "error",
			})
		}

		epID := ev.Episode()
		st, ok := episodes[epID]
		if !ok {
			st = &episodeState{steps: make(map[string]int)}
			episodes[epID] = st
			order = append(order, epID)
		}

		if st.ended {
			report.Violations = append(report.Violations, &Violation{
				Kind:      KindEventAfterEnd,
				Phase:     "structural",
				EpisodeID: epID,
				Line:      lineNo,
				Message:   fmt.Sprintf("%s event after episode_end", ev.EventType()),
				Severity:  "error",
			})
		}

		switch e := ev.(type) {
		case *trace.EpisodeStartEvent:
			if st.started {
				report.Violations = append(report.Violations, &Violation{
					Kind:      KindDuplicateEpisodeStart,
					Phase:     "structural",
					EpisodeID: epID,
					Line:      lineNo,
					Message:   "second episode_start for this episode",
					Severity:  "error",
				})
			}
			st.started = true
			checkSubstituted(report, e.Meta, epID, lineNo)

		case *trace.StepEvent:
			requireStarted(report, st, epID, lineNo, "step")
			if prev, dup := st.steps[e.StepID]; dup {
				report.Violations = append(report.Violations, &Violation{
					Kind:      KindDuplicateStepID,
					Phase:     "structural",
					EpisodeID: epID,
					Line:      lineNo,
					Message:   fmt.Sprintf("duplicate step id %q (first at line %d)", e.StepID, prev),
					Severity:  "error",
				})
			} else {
				st.steps[e.StepID] = lineNo
			}
			checkSubstituted(report, e.Meta, epID, lineNo)

		case *trace.ToolCallEvent:
			requireStarted(report, st, epID, lineNo, "tool_call")
			if _, seen := st.steps[e.StepID]; !seen {
				report.Violations = append(report.Violations, &Violation{
					Kind:      KindDanglingToolCall,
					Phase:     "structural",
					EpisodeID: epID,
					Line:      lineNo,
					Message:   fmt.Sprintf("tool_call references step id %q not declared by a prior step event", e.StepID),
					Severity:  "error",
				})
			}

		case *trace.EpisodeEndEvent:
			requireStarted(report, st, epID, lineNo, "episode_end")
			st.ended = true
			checkSubstituted(report, e.Meta, epID, lineNo)
		}

		if st.hasLastTS && ev.Time() < st.lastTS {
			report.Violations = append(report.Violations, &Violation{
				Kind:      KindTimestampOrder,
				Phase:     "structural",
				EpisodeID: epID,
				Line:      lineNo,
				Message:   fmt.Sprintf("timestamp %d precedes previous event at %d", ev.Time(), st.lastTS),
				Severity:  "warning",
			})
		} else {
			st.lastTS = ev.Time()
		}
		st.hasLastTS = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	report.Episodes = len(episodes)
	for _, epID := range order {
		if st := episodes[epID]; st.started && !st.ended {
			report.Violations = append(report.Violations, &Violation{
				Kind:      KindMissingTerminalEvent,
				Phase:     "structural",
				EpisodeID: epID,
				Line:      0,
				Message:   "episode has no episode_end event",
				Severity:  "error",
			})
		}
	}
	return report, nil
}

func requireStarted(report *Report, st *episodeState, epID string, lineNo int, what string) {
	if !st.started {
		report.Violations = append(report.Violations, &Violation{
			Kind:      KindEventBeforeStart,
			Phase:     "structural",
			EpisodeID: epID,
			Line:      lineNo,
			Message:   fmt.Sprintf("%s event before episode_start", what),
			Severity:  "error",
		})
		// Report once per episode; treat the stream as started from here on.
		st.started = true
	}
}

// checkSubstituted surfaces the normalizer's timestamp substitution
// annotation as a warning so the anomaly is visible from the file alone.
func checkSubstituted(report *Report, meta trace.Value, epID string, lineNo int) {
	if v, ok := meta.Get("timestamp_substituted"); ok && v.Kind() == trace.KindBool && v.Bool() {
		report.Violations = append(report.Violations, &Violation{
			Kind:      KindTimestampSubstituted,
			Phase:     "structural",
			EpisodeID: epID,
			Line:      lineNo,
			Message:   "timestamp was substituted during normalization",
			Severity:  "warning",
		})
	}
}
