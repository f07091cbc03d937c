package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/epitrace/epitrace/pkg/trace"
)

// fixedClock returns a monotonically increasing fake clock starting at the
// given epoch millisecond.
func fixedClock(startMS int64) func() time.Time {
	t := startMS
	return func() time.Time {
		t += 500
		return time.UnixMilli(t)
	}
}

func recordWeatherEpisode(t *testing.T, buf *bytes.Buffer) {
	t.Helper()
	sink := trace.NewWriter(buf)
	r, err := Start(sink, Options{
		TestID: "weather_tokyo",
		Prompt: "What is the weather in Tokyo?",
		Now:    fixedClock(1752000000000),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Step(trace.StepLLM, "chat", "Checking the weather."); err != nil {
		t.Fatal(err)
	}
	stepID, err := r.Step(trace.StepTool, "GetWeather", `{"temp_c":22}`)
	if err != nil {
		t.Fatal(err)
	}
	err = r.ToolCall(stepID, "GetWeather",
		trace.Object(trace.Member{Key: "location", Value: trace.String("Tokyo")}),
		trace.Object(trace.Member{Key: "temp_c", Value: trace.Int(22)}),
		"")
	if err != nil {
		t.Fatal(err)
	}

	r.SetOutput("The weather in Tokyo is 22C.")
	if err := r.End(trace.OutcomePass); err != nil {
		t.Fatal(err)
	}
}

func TestWeatherEpisodeStream(t *testing.T) {
	var buf bytes.Buffer
	recordWeatherEpisode(t, &buf)

	events, err := trace.ParseStream(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	wantTypes := []trace.Type{
		trace.TypeEpisodeStart, trace.TypeStep, trace.TypeStep,
		trace.TypeToolCall, trace.TypeEpisodeEnd,
	}
	for i, ev := range events {
		if ev.EventType() != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.EventType(), wantTypes[i])
		}
		if ev.Episode() != "weather_tokyo" {
			t.Errorf("event %d episode = %q", i, ev.Episode())
		}
	}

	llm := events[1].(*trace.StepEvent)
	if llm.StepID != "weather_tokyo_step_001" || llm.Idx != 0 || llm.Kind != trace.KindModel {
		t.Errorf("llm step: id=%q idx=%d kind=%q", llm.StepID, llm.Idx, llm.Kind)
	}
	tool := events[2].(*trace.StepEvent)
	if tool.StepID != "weather_tokyo_step_002" || tool.Idx != 1 || tool.Kind != trace.KindTool {
		t.Errorf("tool step: id=%q idx=%d kind=%q", tool.StepID, tool.Idx, tool.Kind)
	}
	tc := events[3].(*trace.ToolCallEvent)
	if tc.StepID != tool.StepID || tc.ToolName != "GetWeather" || tc.CallIndex != 0 {
		t.Errorf("tool_call: step=%q name=%q index=%d", tc.StepID, tc.ToolName, tc.CallIndex)
	}
	if tc.Error != "" {
		t.Errorf("tool_call error = %q, want success", tc.Error)
	}
	end := events[4].(*trace.EpisodeEndEvent)
	if end.Outcome != trace.OutcomePass {
		t.Errorf("outcome = %s, want pass", end.Outcome)
	}
	if end.FinalOutput.Str() != "The weather in Tokyo is 22C." {
		t.Errorf("final_output = %v", end.FinalOutput.Interface())
	}
}

func TestDanglingToolCallRejected(t *testing.T) {
	var buf bytes.Buffer
	r, err := Start(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)})
	if err != nil {
		t.Fatal(err)
	}
	before := buf.Len()

	err = r.ToolCall("ep1_step_099", "GetWeather", trace.Null(), trace.Null(), "")
	var dangling *trace.DanglingReferenceError
	if !errors.As(err, &dangling) {
		t.Fatalf("got %v, want *trace.DanglingReferenceError", err)
	}
	if dangling.StepID != "ep1_step_099" {
		t.Errorf("error step id = %q", dangling.StepID)
	}
	if buf.Len() != before {
		t.Error("rejected tool call must not write a partial event")
	}
}

func TestEndIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	r, err := Start(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.End(trace.OutcomePass); err != nil {
		t.Fatal(err)
	}
	if err := r.End(trace.OutcomeFail); err != nil {
		t.Fatal(err)
	}

	if got := strings.Count(buf.String(), `"type":"episode_end"`); got != 1 {
		t.Errorf("got %d episode_end events, want 1", got)
	}
	if !strings.Contains(buf.String(), `"outcome":"pass"`) {
		t.Error("first End call decides the outcome")
	}
}

func TestStepAfterEnd(t *testing.T) {
	var buf bytes.Buffer
	r, err := Start(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.End(trace.OutcomePass); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Step(trace.StepLLM, "chat", "late"); !errors.Is(err, ErrEpisodeEnded) {
		t.Errorf("got %v, want ErrEpisodeEnded", err)
	}
}

func TestAbortedEpisodeHasNullOutput(t *testing.T) {
	var buf bytes.Buffer
	r, err := Start(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)})
	if err != nil {
		t.Fatal(err)
	}
	r.Abort()

	if !strings.Contains(buf.String(), `"final_output":null`) {
		t.Errorf("aborted episode should have null final_output: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"outcome":"error"`) {
		t.Errorf("aborted episode should have outcome error: %s", buf.String())
	}
}

func TestEndWithoutOutputIsEmptyString(t *testing.T) {
	var buf bytes.Buffer
	r, err := Start(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.End(trace.OutcomePass); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"final_output":""`) {
		t.Errorf("completed episode without output should carry empty string: %s", buf.String())
	}
}

func TestRecordEndsOnPanic(t *testing.T) {
	var buf bytes.Buffer

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate")
			}
		}()
		_ = Record(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)}, func(r *Recorder) error {
			panic("boom")
		})
	}()

	if !strings.Contains(buf.String(), `"outcome":"error"`) {
		t.Errorf("panicked episode must end with outcome error: %s", buf.String())
	}
}

func TestRecordEndsOnError(t *testing.T) {
	var buf bytes.Buffer
	err := Record(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)}, func(r *Recorder) error {
		return fmt.Errorf("tool exploded")
	})
	if err == nil {
		t.Fatal("fn error should propagate")
	}
	if !strings.Contains(buf.String(), `"outcome":"error"`) {
		t.Errorf("failed episode must end with outcome error: %s", buf.String())
	}
}

func TestRecordDefaultsToPass(t *testing.T) {
	var buf bytes.Buffer
	err := Record(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)}, func(r *Recorder) error {
		r.SetOutput("done")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"outcome":"pass"`) {
		t.Errorf("clean return should end with pass: %s", buf.String())
	}
}

func TestUsageAccumulates(t *testing.T) {
	var buf bytes.Buffer
	r, err := Start(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)})
	if err != nil {
		t.Fatal(err)
	}
	s1, _ := r.Step(trace.StepLLM, "chat", "a")
	s2, _ := r.Step(trace.StepLLM, "chat", "b")
	if err := r.AddUsage(s1, 50, 30); err != nil {
		t.Fatal(err)
	}
	if err := r.AddUsage(s2, 40, 20); err != nil {
		t.Fatal(err)
	}
	if got := r.Episode().TotalTokens; got != 140 {
		t.Errorf("total tokens = %d, want 140", got)
	}
}

func TestUsageAfterEndRejected(t *testing.T) {
	var buf bytes.Buffer
	r, err := Start(trace.NewWriter(&buf), Options{TestID: "ep1", Prompt: "hi", Now: fixedClock(1000)})
	if err != nil {
		t.Fatal(err)
	}
	stepID, err := r.Step(trace.StepLLM, "chat", "a")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.End(trace.OutcomePass); err != nil {
		t.Fatal(err)
	}
	if err := r.AddUsage(stepID, 50, 30); !errors.Is(err, ErrEpisodeEnded) {
		t.Errorf("got %v, want ErrEpisodeEnded", err)
	}
	if got := r.Episode().TotalTokens; got != 0 {
		t.Errorf("total tokens mutated after end: %d", got)
	}
}

func TestGeneratedEpisodeID(t *testing.T) {
	var buf bytes.Buffer
	r, err := Start(trace.NewWriter(&buf), Options{Prompt: "hi", Now: fixedClock(1000)})
	if err != nil {
		t.Fatal(err)
	}
	id := r.Episode().EpisodeID
	if !strings.HasPrefix(id, "ep_") || len(id) != len("ep_")+12 {
		t.Errorf("generated id = %q, want ep_ + 12 hex chars", id)
	}
	if r.WireEpisodeID() != id {
		t.Errorf("wire id %q should match episode id when no test id is set", r.WireEpisodeID())
	}
}
