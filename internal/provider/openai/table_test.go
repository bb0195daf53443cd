package openai

import (
	"io"
	"strings"
	"testing"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/stream"
)

func decodeAll(t *testing.T, raw string) []stream.Event {
	t.Helper()
	client := NewClient(config.ProviderConfig{})
	d := stream.NewDecoder(strings.NewReader(raw), client.Mapping(), 0)
	var events []stream.Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		events = append(events, ev)
	}
}

func TestMappingContentAndDone(t *testing.T) {
	raw := `data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"Hi"},"finish_reason":null}]}` + "\n\n" +
		`data: {"id":"chatcmpl-1","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}` + "\n\n" +
		`data: [DONE]` + "\n\n"

	events := decodeAll(t, raw)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != stream.KindContent || events[0].Content != "Hi" {
		t.Errorf("content event wrong: %+v", events[0])
	}
	if events[1].Kind != stream.KindUsage || events[1].Usage.InputTokens != 3 {
		t.Errorf("usage event wrong: %+v", events[1])
	}
	if events[2].Kind != stream.KindDone || !events[2].Terminal {
		t.Errorf("terminal event wrong: %+v", events[2])
	}
}

func TestMappingToolCallByIndex(t *testing.T) {
	// The call id only appears on the first delta; later fragments
	// address the call by index.
	raw := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n" +
		`data: [DONE]` + "\n\n"

	events := decodeAll(t, raw)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[1].ToolCall == nil || events[1].ToolCall.ID != "call_abc" {
		t.Errorf("second fragment not matched to call id: %+v", events[1])
	}
	final := events[2]
	if final.ToolCall == nil || !final.ToolCall.Completed {
		t.Fatalf("expected completed tool call, got %+v", final)
	}
	if final.ToolCall.Arguments != `{"q":"go"}` {
		t.Errorf("accumulated arguments = %q", final.ToolCall.Arguments)
	}
}

func TestMappingParallelToolCallsCompleteInIndexOrder(t *testing.T) {
	raw := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"alpha","arguments":"{}"}},{"index":1,"id":"call_b","function":{"name":"beta","arguments":"{}"}},{"index":2,"id":"call_c","function":{"name":"gamma","arguments":"{}"}}]}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n" +
		`data: [DONE]` + "\n\n"

	wantOrder := []string{"call_a", "call_b", "call_c"}
	for run := 0; run < 5; run++ {
		events := decodeAll(t, raw)
		var completed []string
		for _, ev := range events {
			if ev.ToolCall != nil && ev.ToolCall.Completed {
				completed = append(completed, ev.ToolCall.ID)
			}
		}
		if len(completed) != len(wantOrder) {
			t.Fatalf("run %d: expected %d completions, got %v", run, len(wantOrder), completed)
		}
		for i, id := range wantOrder {
			if completed[i] != id {
				t.Fatalf("run %d: completion order %v, want %v", run, completed, wantOrder)
			}
		}
	}
}

func TestMappingErrorRecord(t *testing.T) {
	raw := `data: {"error":{"type":"server_error","message":"boom"}}` + "\n\n"

	events := decodeAll(t, raw)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
	}
	if events[0].Kind != stream.KindError || !events[0].Terminal {
		t.Errorf("expected terminal error, got %+v", events[0])
	}
}
