package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/access"
	"github.com/raaihank/pii-gateway/internal/chat"
	"github.com/raaihank/pii-gateway/internal/completion"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/provider"
	"github.com/raaihank/pii-gateway/internal/websocket"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = kind
	writeJSON(w, status, body)
}

// decodeJSON reads a size-limited JSON body into v
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	categories := s.deps.Engine.Categories()
	detectors := make([]string, len(categories))
	for i, c := range categories {
		detectors[i] = string(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             "pii-gateway",
		"version":          Version,
		"privacy_enabled":  s.config.Privacy.Enabled,
		"detectors":        detectors,
		"providers":        s.deps.Providers.Names(),
		"default_provider": s.config.Upstream.DefaultProvider,
	})
}

// handleCompletions serves POST /chat/completions?provider=<p>
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	log := s.logger.FromContext(r.Context())

	providerName := r.URL.Query().Get("provider")
	if providerName == "" {
		providerName = s.config.Upstream.DefaultProvider
	}
	if !s.deps.Providers.Has(providerName) {
		writeError(w, http.StatusNotFound, "unknown_provider", fmt.Sprintf("provider %q is not configured", providerName))
		return
	}

	var req chat.Request
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	resp, err := s.deps.Completion.Complete(r.Context(), providerName, &req)
	if err != nil {
		status, kind := completionErrorStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error("Completion failed", zap.String("provider", providerName), zap.Error(err))
		}
		writeError(w, status, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func completionErrorStatus(err error) (int, string) {
	var upstreamErr *provider.UpstreamError
	switch {
	case errors.Is(err, completion.ErrInvalidRequest), errors.Is(err, provider.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusNotFound, "unknown_provider"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.As(err, &upstreamErr) && upstreamErr.StatusCode == http.StatusTooManyRequests:
		return http.StatusTooManyRequests, "upstream_rate_limited"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

// deanonymizeRequest is the audit payload. AnonymizedData is an array of
// items or a single value, which is treated as a one-element array.
type deanonymizeRequest struct {
	AnonymizedData json.RawMessage  `json:"anonymizedData"`
	Mapping        *privacy.Mapping `json:"mapping"`
}

// handleDeanonymize serves POST /fsb/anonymization/deanonymize
func (s *Server) handleDeanonymize(w http.ResponseWriter, r *http.Request) {
	log := s.logger.FromContext(r.Context())
	principal, _ := access.PrincipalFrom(r.Context())
	subject := ""
	if principal != nil {
		subject = principal.Subject
	}

	var req deanonymizeRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.auditDone(r.Context(), subject, 0, 0, "invalid")
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	items, err := auditItems(req.AnonymizedData)
	if err != nil || req.Mapping == nil {
		if err == nil {
			err = errors.New("mapping is required")
		}
		s.auditDone(r.Context(), subject, 0, 0, "invalid")
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	// Colliding entries are skipped and reported; the rest are restored
	rm, err := req.Mapping.Reverse()
	skipped := privacy.SkippedEntries(err)
	if err != nil && skipped == 0 {
		s.auditDone(r.Context(), subject, len(items), req.Mapping.Len(), "rejected")
		writeError(w, http.StatusUnprocessableEntity, "mapping_error", err.Error())
		return
	}

	data, err := s.deps.Engine.DeanonymizeData(items, rm)
	if err != nil {
		s.auditDone(r.Context(), subject, len(items), req.Mapping.Len(), "invalid")
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	status := "success"
	resp := deanonymizeResponse{Data: data}
	if skipped > 0 {
		status = "partial"
		resp.Skipped = reverseProblems(req.Mapping)
		log.Warn("Audit mapping has colliding placeholders",
			zap.String("subject", subject),
			zap.Int("skipped_entries", skipped))
	}

	s.auditDone(r.Context(), subject, len(items), req.Mapping.Len(), status)
	log.Info("Audit deanonymization served",
		zap.String("subject", subject),
		zap.Int("items", len(items)),
		zap.Int("entries", req.Mapping.Len()))
	writeJSON(w, http.StatusOK, resp)
}

// deanonymizeResponse lists the problems of entries left unrestored in
// Skipped
type deanonymizeResponse struct {
	Data    []any    `json:"data"`
	Skipped []string `json:"skipped,omitempty"`
}

func reverseProblems(m *privacy.Mapping) []string {
	_, err := m.Reverse()
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	for _, e := range joined.Unwrap() {
		out = append(out, e.Error())
	}
	return out
}

func auditItems(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("anonymizedData is required")
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{trimmed}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("invalid anonymizedData: %v", err)
	}
	return items, nil
}

func (s *Server) auditDone(ctx context.Context, subject string, items, entries int, status string) {
	s.deps.Metrics.ObserveAudit(status)
	s.deps.Hub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeAudit,
		RequestID: logger.RequestIDFrom(ctx),
		Data: websocket.AuditEvent{
			Subject: subject,
			Items:   items,
			Entries: entries,
			Status:  status,
		},
	})
}

// policyRequest is the body of policy create and update calls
type policyRequest struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Enabled          *bool  `json:"enabled"`
	PreserveMetadata *bool  `json:"preserveMetadata"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.deps.Policies.List(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		s.policyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.deps.Policies.Get(r.Context(), vars["provider"], vars["model"])
	if err != nil {
		s.policyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	p := &policy.Policy{Provider: req.Provider, Model: req.Model}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.PreserveMetadata != nil {
		p.PreserveMetadata = *req.PreserveMetadata
	}
	if principal, ok := access.PrincipalFrom(r.Context()); ok {
		p.CreatedBy = principal.Subject
	}

	if err := s.deps.Policies.Create(r.Context(), p); err != nil {
		s.policyError(w, r, err)
		return
	}
	s.logger.FromContext(r.Context()).Info("Anonymization policy created",
		zap.String("provider", p.Provider),
		zap.String("model", p.Model),
		zap.Bool("enabled", p.Enabled),
		zap.String("created_by", p.CreatedBy))
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req policyRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	p, err := s.deps.Policies.Get(r.Context(), vars["provider"], vars["model"])
	if err != nil {
		s.policyError(w, r, err)
		return
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.PreserveMetadata != nil {
		p.PreserveMetadata = *req.PreserveMetadata
	}

	if err := s.deps.Policies.Update(r.Context(), p); err != nil {
		s.policyError(w, r, err)
		return
	}
	s.logger.FromContext(r.Context()).Info("Anonymization policy updated",
		zap.String("provider", p.Provider),
		zap.String("model", p.Model),
		zap.Bool("enabled", p.Enabled))
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Policies.Delete(r.Context(), vars["provider"], vars["model"]); err != nil {
		s.policyError(w, r, err)
		return
	}
	s.logger.FromContext(r.Context()).Info("Anonymization policy deleted",
		zap.String("provider", vars["provider"]),
		zap.String("model", vars["model"]))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) policyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, policy.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, policy.ErrInvalidPolicy):
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		s.logger.FromContext(r.Context()).Error("Policy store failure", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "policy store unavailable")
	}
}
