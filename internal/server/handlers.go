package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/gateway"
)

type createSessionRequest struct {
	Provider  string `json:"provider"`
	AuthType  string `json:"auth_type"`
	Name      string `json:"name"`
	APIKey    string `json:"api_key,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Provider  string `json:"provider"`
	AuthType  string `json:"auth_type"`
}

// flowTracker parks manual-code OAuth flows between the request that
// opens them and the request that delivers the pasted code. Each
// parked flow is a goroutine blocked inside the facade call, so every
// flow gets an expiry: abandoned flows are cancelled rather than left
// blocked forever.
type flowTracker struct {
	mu    sync.Mutex
	ttl   time.Duration
	flows map[string]*parkedFlow
}

type parkedFlow struct {
	authURL  string
	codeCh   chan string
	resultCh chan flowResult
	cancel   context.CancelFunc
	expiry   *time.Timer
}

type flowResult struct {
	sessionID string
	err       error
}

const defaultFlowTTL = 10 * time.Minute

func newFlowTracker() *flowTracker {
	return &flowTracker{ttl: defaultFlowTTL, flows: make(map[string]*parkedFlow)}
}

func (t *flowTracker) add(id string, f *parkedFlow) {
	t.mu.Lock()
	f.expiry = time.AfterFunc(t.ttl, func() { t.expire(id) })
	t.flows[id] = f
	t.mu.Unlock()
}

func (t *flowTracker) take(id string) (*parkedFlow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[id]
	if ok {
		f.expiry.Stop()
		delete(t.flows, id)
	}
	return f, ok
}

// expire removes an abandoned flow and cancels its parked goroutine.
func (t *flowTracker) expire(id string) {
	t.mu.Lock()
	f, ok := t.flows[id]
	if ok {
		delete(t.flows, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("[OAuth] Flow %s expired before the authorization code arrived", id)
	f.cancel()
}

// handleCreateSession creates a session. api_key and callback-style
// OAuth complete within this request (the latter blocks until the
// browser login finishes). Manual-code OAuth returns 202 with a flow
// id and authorization URL; the code is delivered to
// /api/sessions/flows/{flowID}.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, &gateway.ValidationError{Msg: "malformed JSON body"})
		return
	}

	if req.AuthType != "oauth" {
		id, err := s.gw.CreateSession(r.Context(), req.Provider, req.AuthType, gateway.SessionOptions{
			Name:      req.Name,
			APIKey:    req.APIKey,
			Overwrite: req.Overwrite,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, sessionResponse{SessionID: id, Provider: req.Provider, AuthType: req.AuthType})
		return
	}

	flowCtx, flowCancel := context.WithCancel(context.Background())
	flow := &parkedFlow{
		codeCh:   make(chan string, 1),
		resultCh: make(chan flowResult, 1),
		cancel:   flowCancel,
	}
	urlCh := make(chan string, 1)
	manual := false

	opts := gateway.SessionOptions{
		Name:      req.Name,
		Overwrite: req.Overwrite,
		PromptCode: func(ctx context.Context, authURL string) (string, error) {
			manual = true
			urlCh <- authURL
			select {
			case code := <-flow.codeCh:
				return code, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
		OpenURL: func(authURL string) {
			urlCh <- authURL
		},
	}

	// The flow outlives this request when a pasted code is needed, so
	// it runs on the tracker's lifetime, not the request's.
	go func() {
		id, err := s.gw.CreateSession(flowCtx, req.Provider, req.AuthType, opts)
		flow.resultCh <- flowResult{sessionID: id, err: err}
	}()

	select {
	case res := <-flow.resultCh:
		// Finished without an authorization URL (error before login).
		flowCancel()
		if res.err != nil {
			respondError(w, res.err)
			return
		}
		respondJSON(w, http.StatusCreated, sessionResponse{SessionID: res.sessionID, Provider: req.Provider, AuthType: req.AuthType})
	case authURL := <-urlCh:
		if manual {
			flowID := uuid.New().String()
			flow.authURL = authURL
			s.flows.add(flowID, flow)
			respondJSON(w, http.StatusAccepted, map[string]string{
				"status":   "authorization_required",
				"flow_id":  flowID,
				"auth_url": authURL,
			})
			return
		}
		// Callback flow: the browser completes it, block here for the
		// result.
		log.Printf("[OAuth] %s: complete the login in your browser: %s", req.Provider, authURL)
		res := <-flow.resultCh
		flowCancel()
		if res.err != nil {
			respondError(w, res.err)
			return
		}
		respondJSON(w, http.StatusCreated, sessionResponse{SessionID: res.sessionID, Provider: req.Provider, AuthType: req.AuthType})
	}
}

// handleCompleteFlow delivers the pasted authorization code for a
// parked manual-code flow and returns the finished session.
func (s *Server) handleCompleteFlow(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	flow, ok := s.flows.take(flowID)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or already completed flow"})
		return
	}

	var body struct {
		AuthCode string `json:"auth_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AuthCode == "" {
		respondError(w, &gateway.ValidationError{Msg: "auth_code is required"})
		return
	}

	flow.codeCh <- body.AuthCode
	res := <-flow.resultCh
	flow.cancel()
	if res.err != nil {
		respondError(w, res.err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{SessionID: res.sessionID, AuthType: "oauth"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	name := chi.URLParam(r, "name")

	cred, err := s.gw.RefreshTokens(r.Context(), providerName, name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, credentialView(cred))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.gw.DeleteSession(r.Context(),
		chi.URLParam(r, "provider"),
		chi.URLParam(r, "authType"),
		chi.URLParam(r, "name"),
	)
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.gw.ListModels(r.Context(),
		chi.URLParam(r, "provider"),
		chi.URLParam(r, "authType"),
		chi.URLParam(r, "name"),
	)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// credentialView is the wire shape of a credential: metadata only,
// never secret material.
func credentialView(cred *models.Credential) map[string]interface{} {
	out := map[string]interface{}{
		"provider":  cred.Provider,
		"auth_type": cred.AuthType,
		"name":      cred.Name,
		"status":    cred.Status,
	}
	if cred.ExpiresAt != nil {
		out["expires_at"] = cred.ExpiresAt
	}
	if cred.AccountMode != "" {
		out["account_mode"] = cred.AccountMode
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("⚠️ failed to encode response: %v", err)
	}
}

// respondError maps the gateway taxonomy onto HTTP statuses without
// collapsing classes.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	class := "fatal_provider_error"

	var ve *gateway.ValidationError
	var ae *gateway.AuthError
	var te *gateway.TransientNetworkError
	var se *gateway.StreamInterruptedError

	switch {
	case errors.Is(err, gateway.ErrUnknownProvider):
		status, class = http.StatusNotFound, "unknown_provider"
	case errors.Is(err, gateway.ErrCapabilityNotImplemented):
		status, class = http.StatusNotImplemented, "capability_not_implemented"
	case errors.Is(err, gateway.ErrConflict):
		status, class = http.StatusConflict, "conflict"
	case errors.Is(err, gateway.ErrNotFound):
		status, class = http.StatusNotFound, "not_found"
	case errors.As(err, &ve):
		status, class = http.StatusBadRequest, "validation_error"
	case errors.As(err, &ae):
		status, class = http.StatusUnauthorized, "auth_error"
	case errors.As(err, &te):
		status, class = http.StatusServiceUnavailable, "transient_network_error"
	case errors.As(err, &se):
		status, class = http.StatusBadGateway, "stream_interrupted"
	}

	respondJSON(w, status, map[string]interface{}{
		"error":           err.Error(),
		"class":           class,
		"reauth_required": gateway.IsReauthRequired(err),
	})
}
