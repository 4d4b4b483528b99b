package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/provider"
	"github.com/opensource-finance/talon/internal/risk"
	"github.com/opensource-finance/talon/internal/worker"
)

// IngestWebhook handles POST /webhooks/{provider}. The body is read raw so
// the signature is checked over the exact bytes the provider sent.
func (h *Handler) IngestWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Webhooks == nil {
		writeUnavailable(w, "webhooks")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, domain.Errorf(domain.KindValidation, "webhook body could not be read"))
		return
	}

	out, err := h.deps.Webhooks.Ingest(r.Context(), chi.URLParam(r, "provider"), payload, r.Header.Get(provider.SignatureHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ReplayWebhook handles POST /webhooks/events/{id}/replay.
func (h *Handler) ReplayWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Webhooks == nil {
		writeUnavailable(w, "webhooks")
		return
	}

	actor, _ := GetActor(r.Context())
	id := chi.URLParam(r, "id")

	if h.deps.Commands != nil {
		payload, _ := json.Marshal(worker.ReplayMessage{EventID: id, RequestedBy: actor.ID})
		if err := h.deps.Commands.Publish(r.Context(), worker.ControlTenant, domain.TopicWebhookReplay, payload); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"eventId": id, "status": "queued"})
		return
	}

	event, err := h.deps.Webhooks.Replay(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// AssessLogin handles POST /risk/logins.
func (h *Handler) AssessLogin(w http.ResponseWriter, r *http.Request) {
	if h.deps.Risk == nil {
		writeUnavailable(w, "risk engine")
		return
	}

	var attempt risk.LoginAttempt
	if err := decodeJSON(w, r, &attempt); err != nil {
		writeError(w, err)
		return
	}
	attempt.TenantID = GetTenantID(r.Context())
	if attempt.IP == "" {
		attempt.IP = clientIP(r)
	}

	a, err := h.deps.Risk.AssessLogin(r.Context(), &attempt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// BlacklistRequest is the request body for POST /blacklist.
type BlacklistRequest struct {
	Kind   domain.BlacklistKind `json:"kind"`
	Value  string               `json:"value"`
	Reason string               `json:"reason,omitempty"`
}

// AddBlacklist handles POST /blacklist.
func (h *Handler) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	if h.deps.Risk == nil {
		writeUnavailable(w, "risk engine")
		return
	}

	var req BlacklistRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, domain.Errorf(domain.KindValidation, "value is required"))
		return
	}

	entry := &domain.BlacklistEntry{
		TenantID: GetTenantID(r.Context()),
		Kind:     req.Kind,
		Value:    strings.TrimSpace(req.Value),
		Reason:   req.Reason,
	}
	if err := h.deps.Risk.AddBlacklist(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}

	actor, _ := GetActor(r.Context())
	slog.Info("blacklist entry added", "tenant_id", entry.TenantID, "kind", entry.Kind, "actor_id", actor.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"kind": entry.Kind, "reason": entry.Reason})
}

// RuleRequest is the request body for POST /rules.
type RuleRequest struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Expression  string              `json:"expression"`
	Category    domain.RiskCategory `json:"category"`
	Severity    domain.Severity     `json:"severity"`
	Weight      float64             `json:"weight"`
	Enabled     bool                `json:"enabled"`
	// Global stores the rule for every tenant.
	Global bool `json:"global,omitempty"`
}

// ListRules handles GET /rules. Stored rules are listed, including ones
// not yet reloaded.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.RuleStore == nil {
		writeUnavailable(w, "rule store")
		return
	}

	rules, err := h.deps.RuleStore.ListRuleConfigs(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// CreateRule handles POST /rules. The expression is compiled before it is
// stored; call POST /rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if h.deps.RuleStore == nil || h.deps.Rules == nil {
		writeUnavailable(w, "rule store")
		return
	}

	var req RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	tenantID := GetTenantID(r.Context())
	if req.Global {
		tenantID = domain.GlobalTenantID
	}
	now := time.Now().UTC()
	cfg := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Category:    req.Category,
		Severity:    req.Severity,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.deps.Rules.Validate(cfg); err != nil {
		writeError(w, domain.WrapError(domain.KindValidation, err, "invalid rule: "+err.Error()))
		return
	}
	if err := h.deps.RuleStore.SaveRuleConfig(r.Context(), tenantID, cfg); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule saved", "id", cfg.ID, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    cfg,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules handles POST /rules/reload for the caller's tenant.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil {
		writeUnavailable(w, "rule engine")
		return
	}

	tenantID := GetTenantID(r.Context())
	n, err := h.deps.Rules.Reload(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId": tenantID,
		"loaded":   n,
	})
}

// ListKeys handles GET /keys. Only metadata is returned.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	if h.deps.Keys == nil {
		writeUnavailable(w, "key store")
		return
	}
	keys := h.deps.Keys.Keys()
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

// RotateKey handles POST /keys/{purpose}/rotate.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	if h.deps.Keys == nil {
		writeUnavailable(w, "key store")
		return
	}

	actor, _ := GetActor(r.Context())
	purpose := domain.KeyPurpose(chi.URLParam(r, "purpose"))

	if h.deps.Commands != nil {
		payload, _ := json.Marshal(worker.RotateMessage{Purpose: purpose, RequestedBy: actor.ID})
		if err := h.deps.Commands.Publish(r.Context(), worker.ControlTenant, domain.TopicKeyRotateRequest, payload); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"purpose": string(purpose), "status": "queued"})
		return
	}

	key, err := h.deps.Keys.Rotate(r.Context(), purpose)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}
