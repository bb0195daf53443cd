package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/modelgate/modelgate/internal/stream"
)

type sseFrame struct {
	Response *frameBody `json:"response"`
	// Some surfaces return the body unwrapped.
	frameBody
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type frameBody struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Mapping returns the Gemini translation table. Gemini delivers
// function calls whole rather than as argument fragments, so each one
// maps to a single completed tool-call event; the stream ends by
// connection close, there is no sentinel record.
func (c *Client) Mapping() stream.MappingTable {
	callCount := 0

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
			if frame.Error != nil {
				return []stream.Event{{
					Kind:     stream.KindError,
					Err:      fmt.Sprintf("provider error %d: %s", frame.Error.Code, frame.Error.Message),
					Terminal: true,
				}}
			}

			body := &frame.frameBody
			if frame.Response != nil {
				body = frame.Response
			}

			var events []stream.Event
			for _, cand := range body.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						events = append(events, stream.Event{Kind: stream.KindContent, Content: part.Text})
					}
					if part.FunctionCall != nil {
						callCount++
						events = append(events, stream.Event{
							Kind: stream.KindToolCallDelta,
							ToolCall: &stream.ToolCallDelta{
								ID:        fmt.Sprintf("fc_%d", callCount),
								Name:      part.FunctionCall.Name,
								Arguments: string(part.FunctionCall.Args),
								Completed: true,
							},
						})
					}
				}
			}
			if body.UsageMetadata != nil {
				events = append(events, stream.Event{
					Kind: stream.KindUsage,
					Usage: &stream.Usage{
						InputTokens:  body.UsageMetadata.PromptTokenCount,
						OutputTokens: body.UsageMetadata.CandidatesTokenCount,
					},
				})
			}
			return events
		},
	}
}
