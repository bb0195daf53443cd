package openai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/modelgate/modelgate/internal/stream"
)

type chunkFrame struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Mapping returns a fresh per-stream translation table. OpenAI
// addresses tool calls by index after the first delta, so the table
// closes over an index-to-call-id map and must not be shared across
// streams.
func (c *Client) Mapping() stream.MappingTable {
	callIDs := make(map[int]string)

	return stream.MappingTable{
		Provider: providerName,
		Framing:  stream.FramingSSE,
		Translate: func(rec stream.Record, acc *stream.ToolCallAccumulator) []stream.Event {
			if string(rec.Data) == "[DONE]" {
				return []stream.Event{{Kind: stream.KindDone, Terminal: true}}
			}
			var frame chunkFrame
			if err := json.Unmarshal(rec.Data, &frame); err != nil {
				return []stream.Event{{
					Kind: stream.KindError,
					Err:  fmt.Sprintf("malformed stream record: %v", err),
				}}
			}
			if frame.Error != nil {
				return []stream.Event{{
					Kind:     stream.KindError,
					Err:      fmt.Sprintf("%s: %s", frame.Error.Type, frame.Error.Message),
					Terminal: true,
				}}
			}

			var events []stream.Event
			for _, choice := range frame.Choices {
				if choice.Delta.Content != "" {
					events = append(events, stream.Event{Kind: stream.KindContent, Content: choice.Delta.Content})
				}
				for _, tc := range choice.Delta.ToolCalls {
					id := tc.ID
					if id != "" {
						callIDs[tc.Index] = id
					} else {
						id = callIDs[tc.Index]
						if id == "" {
							id = "call_" + strconv.Itoa(tc.Index)
							callIDs[tc.Index] = id
						}
					}
					acc.Add(id, tc.Function.Name, tc.Function.Arguments)
					events = append(events, stream.Event{
						Kind: stream.KindToolCallDelta,
						ToolCall: &stream.ToolCallDelta{
							ID:        id,
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					})
				}
				if choice.FinishReason == "tool_calls" {
					// Complete in index order so parallel tool calls
					// finish deterministically.
					indices := make([]int, 0, len(callIDs))
					for idx := range callIDs {
						indices = append(indices, idx)
					}
					sort.Ints(indices)
					for _, idx := range indices {
						if done, ok := acc.Complete(callIDs[idx]); ok {
							events = append(events, stream.Event{Kind: stream.KindToolCallDelta, ToolCall: &done})
						}
						delete(callIDs, idx)
					}
				}
			}
			if frame.Usage != nil {
				events = append(events, stream.Event{
					Kind: stream.KindUsage,
					Usage: &stream.Usage{
						InputTokens:  frame.Usage.PromptTokens,
						OutputTokens: frame.Usage.CompletionTokens,
					},
				})
			}
			return events
		},
	}
}
