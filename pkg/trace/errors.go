package trace

import "fmt"

// EncodingError reports a value that cannot be rendered as canonical JSON:
// a non-finite number, a non-string mapping key, or an unsupported Go type.
// It is fatal to the single write that produced it and never corrupts lines
// already appended.
type EncodingError struct {
	Msg string
}

func (e *EncodingError) Error() string {
	return "encoding: " + e.Msg
}

// DanglingReferenceError reports a tool_call that references a step id never
// issued by the recorder. The call is rejected, nothing is written, and the
// recorder remains usable.
type DanglingReferenceError struct {
	StepID string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("tool call references unknown step id %q", e.StepID)
}
