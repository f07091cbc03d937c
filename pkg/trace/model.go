package trace

// Episode is one complete recorded agent run for one input. The episode
// exclusively owns its steps; once the terminal event is written the episode
// is immutable by contract (enforced by the validator on the wire, not here).
type Episode struct {
	EpisodeID   string
	Input       string
	Output      string
	OutputSet   bool // distinguishes "" from never-set (null on the wire)
	StartedAt   int64
	FinishedAt  int64 // 0 until ended
	Outcome     Outcome
	Steps       []*Step
	TotalTokens int
}

// Step is one unit of agent activity: a model turn or a tool invocation.
type Step struct {
	StepID       string
	SpanKind     StepKind
	Input        string
	Output       string
	StartedAt    int64
	FinishedAt   int64
	TokensInput  int
	TokensOutput int
	// ToolCall is set iff SpanKind == StepTool. A step carries at most one;
	// multiple invocations inside one model turn become sibling steps.
	ToolCall *ToolCall
}

// ToolCall is the record of one external-effect attempt by the agent.
type ToolCall struct {
	ToolName string
	Args     Value
	// Result is null when the call raised and produced no result.
	Result  Value
	Success bool
	Error   string
}
