// Package stream converts provider wire formats (SSE, JSON lines) into
// one canonical event sequence. All providers funnel through the same
// buffering and record-splitting code; only the mapping table differs.
package stream

// EventKind identifies the payload carried by a canonical stream event.
type EventKind string

const (
	// KindContent is a text content delta.
	KindContent EventKind = "content"
	// KindToolCallDelta is an incremental tool/function call update.
	KindToolCallDelta EventKind = "tool_call_delta"
	// KindUsage carries token accounting.
	KindUsage EventKind = "usage"
	// KindError is an error payload. Terminal only when Event.Terminal
	// is set; a malformed record yields a non-terminal error and the
	// stream continues.
	KindError EventKind = "error"
	// KindDone terminates the stream normally.
	KindDone EventKind = "done"
)

// ToolCallDelta is an incremental update to one tool call, keyed by
// the provider's call id. Completed is set on the final delta, which
// carries the fully accumulated arguments.
type ToolCallDelta struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Completed bool   `json:"completed,omitempty"`
}

// Usage carries the provider's token accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is the canonical unit emitted by the streaming adapter.
// Sequence is strictly increasing per stream, starting at 1, and keeps
// increasing across a turn restart so callers never observe
// reordering.
type Event struct {
	Kind       EventKind      `json:"kind"`
	Sequence   int            `json:"sequence"`
	RawEventID string         `json:"raw_provider_event_id,omitempty"`
	Content    string         `json:"content,omitempty"`
	ToolCall   *ToolCallDelta `json:"tool_call,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	Err        string         `json:"error,omitempty"`
	// Terminal marks the last event of a stream (done, or a fatal
	// error). Exactly one terminal event is emitted per stream.
	Terminal bool `json:"terminal,omitempty"`
	// Superseded marks an error event that invalidates previously
	// delivered partial content before the turn is restarted.
	Superseded bool `json:"superseded,omitempty"`
}
