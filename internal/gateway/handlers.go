package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/store"
	"github.com/parley-hq/parley/internal/tenant"
)

// inboundRequest is the body of POST /v1/inbound: one raw message fragment
// from a channel integration.
type inboundRequest struct {
	TenantID string            `json:"tenant_id"`
	Channel  string            `json:"channel,omitempty"`
	Address  string            `json:"address"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleInbound accepts a fragment and hands it to the coalescing pipeline.
// Always 202 when accepted: the caller learns nothing about whether the
// tenant exists or when the turn will be processed.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.TenantID == "" || req.Address == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id, address and text are required"})
		return
	}
	if max := s.cfg.Gateway.MaxMessageChars; max > 0 && len(req.Text) > max {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": fmt.Sprintf("text exceeds %d chars", max)})
		return
	}
	if !s.limiter.Allow(req.TenantID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}
	if req.Channel == "" {
		req.Channel = "webhook"
	}

	if err := s.sink.PublishInbound(r.Context(), bus.InboundFragment{
		TenantID: req.TenantID,
		Channel:  req.Channel,
		Address:  req.Address,
		Text:     req.Text,
		Metadata: req.Metadata,
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id query parameter required"})
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	convs, err := s.stores.Conversations.ListByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if _, err := s.stores.Conversations.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	msgs, err := s.stores.Messages.ListByConversation(r.Context(), id, queryInt(r, "limit", 200))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// claimRequest is the body of POST /v1/conversations/{id}/claim.
type claimRequest struct {
	OperatorID string `json:"operator_id"`
}

// handleClaim assigns the conversation to the requesting operator. A lost
// claim race is a 409, not a retryable server error: somebody else owns the
// conversation now.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.OperatorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "operator_id is required"})
		return
	}

	c, err := s.machine.Claim(r.Context(), id, req.OperatorID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": c})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := s.machine.Release(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.stores.Tenants.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

// tenantRequest is the body of PUT /v1/tenants/{id}.
type tenantRequest struct {
	Name                string  `json:"name"`
	Channel             string  `json:"channel"`
	CallbackURL         string  `json:"callback_url,omitempty"`
	DebounceWindowMS    int     `json:"debounce_window_ms,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

func (s *Server) handleUpsertTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant id required"})
		return
	}
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Name == "" || req.Channel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and channel are required"})
		return
	}
	if req.ConfidenceThreshold < 0 || req.ConfidenceThreshold > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "confidence_threshold must be within [0,1]"})
		return
	}

	t := &tenant.Tenant{
		ID:                  id,
		Name:                req.Name,
		Channel:             req.Channel,
		CallbackURL:         req.CallbackURL,
		DebounceWindow:      time.Duration(req.DebounceWindowMS) * time.Millisecond,
		ConfidenceThreshold: req.ConfidenceThreshold,
	}
	if err := s.stores.Tenants.Upsert(r.Context(), t); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": t})
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
	case errors.Is(err, convo.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
