package domain

import "time"

// Intent is a structured, named action with parameters derived from free text.
type Intent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Interpretation is the interpreter's structured reading of one batch of
// message text: an ordered list of intents plus the entity mentions the
// pipeline folds into DialogContext before execution.
type Interpretation struct {
	Intents           []Intent `json:"intents"`
	MentionedServices []string `json:"mentioned_services,omitempty"`
	MentionedDates    []string `json:"mentioned_dates,omitempty"`
	MentionedTimes    []string `json:"mentioned_times,omitempty"`
}

// ExecutionResult is the executor's outcome for a single intent, kept in
// submission order for response synthesis.
type ExecutionResult struct {
	Intent  Intent         `json:"intent"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Batch is one flushed unit of work: consecutive messages from a single
// conversation merged in arrival order.
type Batch struct {
	ID             string         `json:"id"`
	Conversation   ConversationID `json:"conversation"`
	Text           string         `json:"text"`
	BatchedCount   int            `json:"batched_count"`
	WasAggregated  bool           `json:"was_aggregated"`
	FirstArrivedAt time.Time      `json:"first_arrived_at"`
	LastArrivedAt  time.Time      `json:"last_arrived_at"`
}
