package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/logging"
	"github.com/modelgate/modelgate/internal/provider"
)

type chatRequest struct {
	Provider  string             `json:"provider"`
	SessionID string             `json:"session_id"`
	Model     string             `json:"model"`
	Messages  []provider.Message `json:"messages"`
	MaxTokens int                `json:"max_tokens,omitempty"`
}

// handleChat opens a chat stream and re-emits the canonical events as
// SSE, one record per event keyed by kind. Setup failures return JSON
// errors; once streaming has begun, failures arrive as error-kind
// records per the facade contract.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, &gateway.ValidationError{Msg: "malformed JSON body"})
		return
	}

	es, err := s.gw.StreamChat(r.Context(), req.Provider, req.SessionID, provider.ChatRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	defer es.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, &gateway.FatalProviderError{Err: fmt.Errorf("streaming not supported by transport")})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	reqID := logging.GetRequestID(r.Context())
	for {
		ev, ok := es.Next()
		if !ok {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("⚠️ [%s] failed to encode stream event: %v", reqID, err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
		flusher.Flush()
	}
}
