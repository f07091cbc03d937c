// Package recorder implements the stateful session object an agent harness
// drives to produce a canonical episode trace: open an episode, append
// steps, attach tool calls, close with an outcome. One recorder owns one
// episode and must be driven from a single goroutine; the wire record is
// always a total order.
package recorder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/epitrace/epitrace/pkg/trace"
)

// Sink receives encoded trace events. *trace.Writer and *trace.FileWriter
// both satisfy it.
type Sink interface {
	WriteEvent(ev trace.Event) error
}

// ErrEpisodeEnded is returned when a step or tool call is appended after the
// terminal event has been emitted.
var ErrEpisodeEnded = errors.New("episode already ended")

type state int

const (
	stateOpen state = iota
	stateRecording
	stateEnded
)

// Options configures a recording session.
type Options struct {
	// EpisodeID names the episode; generated ("ep_" + 12 hex chars) when
	// empty.
	EpisodeID string
	// TestID, when set, replaces EpisodeID on the wire so the verification
	// engine can correlate the trace to a named test case.
	TestID string
	// Prompt is the initiating user/task text.
	Prompt string
	// Meta is attached to the episode_start event.
	Meta trace.Value
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Recorder records exactly one episode. Not safe for concurrent use.
type Recorder struct {
	sink   Sink
	now    func() time.Time
	ep     *trace.Episode
	wireID string
	state  state
	seq    int
	issued map[string]*trace.Step
}

// Start constructs the in-memory episode and immediately emits
// episode_start.
func Start(sink Sink, opts Options) (*Recorder, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	id := opts.EpisodeID
	if id == "" {
		id = "ep_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	wireID := id
	if opts.TestID != "" {
		wireID = opts.TestID
	}

	startedAt := now().UnixMilli()
	r := &Recorder{
		sink: sink,
		now:  now,
		ep: &trace.Episode{
			EpisodeID: id,
			Input:     opts.Prompt,
			StartedAt: startedAt,
			Outcome:   trace.OutcomePending,
		},
		wireID: wireID,
		issued: make(map[string]*trace.Step),
	}

	err := sink.WriteEvent(&trace.EpisodeStartEvent{
		EpisodeID: wireID,
		Timestamp: startedAt,
		Prompt:    opts.Prompt,
		Meta:      opts.Meta,
	})
	if err != nil {
		return nil, fmt.Errorf("emit episode_start: %w", err)
	}
	return r, nil
}

// Episode returns the in-memory episode being recorded.
func (r *Recorder) Episode() *trace.Episode { return r.ep }

// WireEpisodeID returns the episode id used on the wire (the test id when
// one was supplied).
func (r *Recorder) WireEpisodeID() string { return r.wireID }

// Step appends a step and emits its event, returning the issued step id for
// later tool-call attachment. Step ids are derived from the wire episode id
// and a 1-based zero-padded sequence, so they sort lexically in execution
// order.
func (r *Recorder) Step(kind trace.StepKind, name, content string) (string, error) {
	return r.StepWithMeta(kind, name, content, trace.Null())
}

// StepWithMeta is Step with an explicit meta object on the event.
func (r *Recorder) StepWithMeta(kind trace.StepKind, name, content string, meta trace.Value) (string, error) {
	if r.state == stateEnded {
		return "", ErrEpisodeEnded
	}
	r.seq++
	stepID := fmt.Sprintf("%s_step_%03d", r.wireID, r.seq)
	ts := r.now().UnixMilli()

	step := &trace.Step{
		StepID:    stepID,
		SpanKind:  kind,
		Output:    content,
		StartedAt: ts,
	}
	ev := &trace.StepEvent{
		EpisodeID: r.wireID,
		StepID:    stepID,
		Idx:       r.seq - 1,
		Timestamp: ts,
		Kind:      kind.Wire(),
		Name:      name,
		Content:   content,
		Meta:      meta,
	}
	if err := r.sink.WriteEvent(ev); err != nil {
		r.seq--
		return "", fmt.Errorf("emit step: %w", err)
	}
	r.ep.Steps = append(r.ep.Steps, step)
	r.issued[stepID] = step
	r.state = stateRecording
	return stepID, nil
}

// ToolCall emits a tool_call event referencing an already-issued step.
// A step id this recorder never issued is rejected with a
// *trace.DanglingReferenceError and nothing is written. Pass a null result
// when the call raised; callErr marks the call failed.
func (r *Recorder) ToolCall(stepID, toolName string, args, result trace.Value, callErr string) error {
	if r.state == stateEnded {
		return ErrEpisodeEnded
	}
	step, ok := r.issued[stepID]
	if !ok {
		return &trace.DanglingReferenceError{StepID: stepID}
	}
	if step.ToolCall != nil {
		return fmt.Errorf("step %s already carries a tool call", stepID)
	}

	ev := &trace.ToolCallEvent{
		EpisodeID: r.wireID,
		StepID:    stepID,
		Timestamp: r.now().UnixMilli(),
		ToolName:  toolName,
		CallIndex: 0,
		Args:      args,
		Result:    result,
		Error:     callErr,
	}
	if err := r.sink.WriteEvent(ev); err != nil {
		return fmt.Errorf("emit tool_call: %w", err)
	}
	step.ToolCall = &trace.ToolCall{
		ToolName: toolName,
		Args:     args,
		Result:   result,
		Success:  callErr == "",
		Error:    callErr,
	}
	step.FinishedAt = ev.Timestamp
	return nil
}

// AddUsage records token counts for an issued step and grows the episode's
// monotone total. Token counts are model-side bookkeeping, not wire fields.
func (r *Recorder) AddUsage(stepID string, promptTokens, completionTokens int) error {
	if r.state == stateEnded {
		return ErrEpisodeEnded
	}
	step, ok := r.issued[stepID]
	if !ok {
		return &trace.DanglingReferenceError{StepID: stepID}
	}
	if promptTokens < 0 || completionTokens < 0 {
		return fmt.Errorf("negative token count")
	}
	step.TokensInput += promptTokens
	step.TokensOutput += completionTokens
	r.ep.TotalTokens += promptTokens + completionTokens
	return nil
}

// SetOutput records the episode's final textual result for the terminal
// event.
func (r *Recorder) SetOutput(output string) {
	if r.state == stateEnded {
		return
	}
	r.ep.Output = output
	r.ep.OutputSet = true
}

// End emits episode_end with the supplied outcome and the accumulated
// output. Idempotent: a second call is a tolerated no-op so cleanup paths
// can call it unconditionally.
func (r *Recorder) End(outcome trace.Outcome) error {
	if r.state == stateEnded {
		return nil
	}

	finalOutput := trace.Null()
	if r.ep.OutputSet {
		finalOutput = trace.String(r.ep.Output)
	} else if outcome != trace.OutcomeError {
		// A normally completed episode always has its output set, even if
		// empty; only aborted episodes may leave it null.
		finalOutput = trace.String("")
		r.ep.OutputSet = true
	}

	ts := r.now().UnixMilli()
	ev := &trace.EpisodeEndEvent{
		EpisodeID:   r.wireID,
		Timestamp:   ts,
		Outcome:     outcome,
		FinalOutput: finalOutput,
	}
	if err := r.sink.WriteEvent(ev); err != nil {
		return fmt.Errorf("emit episode_end: %w", err)
	}
	r.ep.Outcome = outcome
	r.ep.FinishedAt = ts
	r.state = stateEnded
	return nil
}

// Abort ends the episode with outcome error unless a terminal event was
// already emitted. Intended for defer.
func (r *Recorder) Abort() {
	_ = r.End(trace.OutcomeError)
}

// Record runs fn inside a recording session and guarantees a terminal event
// on every exit path: normal return (fn decides the outcome by calling End),
// fn error (episode ends with outcome error), and panic (episode ends with
// outcome error, then the panic is re-raised). A trace must never be left
// without its end marker — the verification engine treats that as a
// corrupted run.
func Record(sink Sink, opts Options, fn func(r *Recorder) error) error {
	r, err := Start(sink, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			r.Abort()
			panic(p)
		}
	}()
	if err := fn(r); err != nil {
		r.Abort()
		return err
	}
	// fn may have ended the episode itself with a specific outcome; if it
	// did not, completing without error counts as a pass.
	return r.End(trace.OutcomePass)
}
