package anthropic

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/modelgate/modelgate/internal/stream"
)

// sseFrame covers the fields of every Anthropic stream event shape we
// translate; unknown event types are passed over silently.
type sseFrame struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`

	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Mapping returns a fresh per-stream translation table. Anthropic
// addresses tool-use blocks by index within the stream, so the table
// closes over an index-to-call-id map and must not be shared across
// streams.
func (c *Client) Mapping() stream.MappingTable {
	blockIDs := make(map[int]string)

	return stream.MappingTable{
		Provider: providerName,
		Framing:  stream.FramingSSE,
		Translate: func(rec stream.Record, acc *stream.ToolCallAccumulator) []stream.Event {
			if len(rec.Data) == 0 {
				return nil
			}
			var frame sseFrame
			if err := json.Unmarshal(rec.Data, &frame); err != nil {
				return []stream.Event{{
					Kind: stream.KindError,
					Err:  fmt.Sprintf("malformed stream record: %v", err),
				}}
			}
			typ := frame.Type
			if typ == "" {
				typ = rec.Event
			}

			switch typ {
			case "message_start":
				if in := frame.Message.Usage.InputTokens; in > 0 {
					return []stream.Event{{
						Kind:  stream.KindUsage,
						Usage: &stream.Usage{InputTokens: in},
					}}
				}
				return nil

			case "content_block_start":
				if frame.ContentBlock.Type == "tool_use" {
					id := frame.ContentBlock.ID
					if id == "" {
						id = "block_" + strconv.Itoa(frame.Index)
					}
					blockIDs[frame.Index] = id
					acc.Add(id, frame.ContentBlock.Name, "")
					return []stream.Event{{
						Kind:     stream.KindToolCallDelta,
						ToolCall: &stream.ToolCallDelta{ID: id, Name: frame.ContentBlock.Name},
					}}
				}
				return nil

			case "content_block_delta":
				switch frame.Delta.Type {
				case "text_delta":
					return []stream.Event{{Kind: stream.KindContent, Content: frame.Delta.Text}}
				case "input_json_delta":
					id, ok := blockIDs[frame.Index]
					if !ok {
						return nil
					}
					acc.Add(id, "", frame.Delta.PartialJSON)
					return []stream.Event{{
						Kind:     stream.KindToolCallDelta,
						ToolCall: &stream.ToolCallDelta{ID: id, Arguments: frame.Delta.PartialJSON},
					}}
				}
				return nil

			case "content_block_stop":
				id, ok := blockIDs[frame.Index]
				if !ok {
					return nil
				}
				delete(blockIDs, frame.Index)
				if done, ok := acc.Complete(id); ok {
					return []stream.Event{{Kind: stream.KindToolCallDelta, ToolCall: &done}}
				}
				return nil

			case "message_delta":
				if out := frame.Usage.OutputTokens; out > 0 {
					return []stream.Event{{
						Kind:  stream.KindUsage,
						Usage: &stream.Usage{OutputTokens: out},
					}}
				}
				return nil

			case "message_stop":
				return []stream.Event{{Kind: stream.KindDone, Terminal: true}}

			case "error":
				return []stream.Event{{
					Kind:     stream.KindError,
					Err:      fmt.Sprintf("%s: %s", frame.Error.Type, frame.Error.Message),
					Terminal: true,
				}}
			}
			return nil
		},
	}
}
