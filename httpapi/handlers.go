package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/httperr"
	"sentinelcore/ledger"
	"sentinelcore/policy"
	"sentinelcore/signing"
	"sentinelcore/store"
	"sentinelcore/upgrade"
)

type handlers struct {
	deps Deps
}

func decodeJSON(r *http.Request, v any) *httperr.Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return httperr.Validation("malformed JSON body: " + err.Error())
	}
	return nil
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, *httperr.Error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, httperr.Validation("invalid id: " + raw)
	}
	return id, nil
}

// -- ledger -----------------------------------------------------------

func (h *handlers) postLedger(w http.ResponseWriter, r *http.Request) {
	var req ledger.PostRequest
	if httpErr := decodeJSON(r, &req); httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	journal, err := h.deps.Poster.Post(r.Context(), req)
	if err != nil {
		if errors.Is(err, ledger.ErrImbalance) {
			httperr.Write(w, httperr.LedgerImbalance(err.Error()))
			return
		}
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusCreated, map[string]any{
		"journal_id": journal.ID,
		"posted_at":  journal.PostedAt,
	})
}

// -- proofs -------------------------------------------------------------

type proofRange struct {
	FromTS time.Time `json:"from_ts"`
	ToTS   time.Time `json:"to_ts"`
}

type proofGenerateRequest struct {
	Range proofRange `json:"range"`
}

func (h *handlers) generateProof(w http.ResponseWriter, r *http.Request) {
	var req proofGenerateRequest
	if httpErr := decodeJSON(r, &req); httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	proof, err := h.deps.Proofs.Generate(r.Context(), req.Range.FromTS, req.Range.ToTS)
	if err != nil {
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusCreated, map[string]any{
		"proof_id": proof.ProofID,
		"status":   "generated",
	})
}

func (h *handlers) fetchProof(w http.ResponseWriter, r *http.Request) {
	id, httpErr := parseUUIDParam(r, "id")
	if httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	proof, err := h.deps.Proofs.Fetch(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httperr.Write(w, httperr.NotFound("proof not found"))
			return
		}
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusOK, map[string]any{
		"proof": map[string]any{
			"proof_id":   proof.ProofID,
			"range":      proofRange{FromTS: proof.FromTS, ToTS: proof.ToTS},
			"hash":       proof.Hash,
			"signer_kid": proof.SignerKID,
			"signature":  proof.Signature,
			"ts":         proof.TS,
		},
	})
}

// -- policy ---------------------------------------------------------------

type createPolicyRequest struct {
	Name          string          `json:"name"`
	Severity      string          `json:"severity"`
	Effect        string          `json:"effect"`
	CanaryPercent int             `json:"canary_percent"`
	CreatedBy     string          `json:"created_by"`
	Rule          json.RawMessage `json:"rule"`
}

func (h *handlers) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if httpErr := decodeJSON(r, &req); httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	p := &store.Policy{
		Name:          req.Name,
		Version:       1,
		Severity:      store.Severity(req.Severity),
		Effect:        store.Effect(req.Effect),
		CanaryPercent: req.CanaryPercent,
		CreatedBy:     req.CreatedBy,
		Rule:          req.Rule,
	}
	if err := h.deps.Lifecycle.CreateDraft(r.Context(), p); err != nil {
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusCreated, map[string]any{"policy_id": p.ID})
}

func (h *handlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, httpErr := parseUUIDParam(r, "id")
	if httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	var p store.Policy
	if err := h.deps.db().Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httperr.Write(w, httperr.NotFound("policy not found"))
			return
		}
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusOK, map[string]any{"policy": p})
}

func (h *handlers) listPolicy(w http.ResponseWriter, r *http.Request) {
	q := h.deps.db().Model(&store.Policy{})
	if state := r.URL.Query().Get("state"); state != "" {
		q = q.Where("state = ?", state)
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		q = q.Where("severity = ?", severity)
	}

	var policies []store.Policy
	if err := q.Find(&policies).Error; err != nil {
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}
	httperr.WriteOK(w, http.StatusOK, map[string]any{"policies": policies})
}

type transitionPolicyRequest struct {
	State     string     `json:"state"`
	Actor     string     `json:"actor"`
	UpgradeID *uuid.UUID `json:"upgradeId,omitempty"`
}

func (h *handlers) transitionPolicy(w http.ResponseWriter, r *http.Request) {
	id, httpErr := parseUUIDParam(r, "id")
	if httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	var req transitionPolicyRequest
	if httpErr := decodeJSON(r, &req); httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	err := h.deps.Lifecycle.Transition(r.Context(), id, store.PolicyState(req.State), req.Actor, req.UpgradeID)
	switch {
	case errors.Is(err, policy.ErrUpgradeRequired):
		httperr.Write(w, httperr.UpgradeRequired(err.Error()))
		return
	case errors.Is(err, policy.ErrInvalidTransition):
		httperr.Write(w, httperr.Validation(err.Error()))
		return
	case err != nil:
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusOK, map[string]any{"policy_id": id, "state": req.State})
}

// -- sentinel decision ------------------------------------------------

func (h *handlers) sentinelCheck(w http.ResponseWriter, r *http.Request) {
	var input policy.Input
	if httpErr := decodeJSON(r, &input); httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	decision, err := h.deps.Engine.EvaluateAction(r.Context(), input)
	if err != nil {
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusOK, map[string]any{
		"decision":       decision.Decision,
		"allowed":        decision.Allowed,
		"policyId":       decision.PolicyID,
		"policyVersion":  decision.PolicyVersion,
		"rationale":      decision.Rationale,
		"evidence_refs":  decision.EvidenceRefs,
		"ts":             decision.TS,
	})
}

// -- audit --------------------------------------------------------------

type verifyAuditRequest struct {
	Shard   string `json:"shard"`
	FromSeq int64  `json:"from_seq"`
	ToSeq   int64  `json:"to_seq"`
}

func (h *handlers) verifyAudit(w http.ResponseWriter, r *http.Request) {
	var req verifyAuditRequest
	if httpErr := decodeJSON(r, &req); httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}
	if req.FromSeq <= 0 || req.ToSeq < req.FromSeq {
		httperr.Write(w, httperr.Validation("from_seq must be >= 1 and to_seq >= from_seq"))
		return
	}

	err := h.deps.Chain.VerifyRange(r.Context(), req.Shard, req.FromSeq, req.ToSeq)
	var broken *audit.BrokenChainError
	switch {
	case errors.As(err, &broken):
		httperr.Write(w, httperr.ChainBroken("chain broken at event "+broken.EventID.String()+": "+broken.Reason))
		return
	case err != nil:
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusOK, map[string]any{
		"shard":    req.Shard,
		"from_seq": req.FromSeq,
		"to_seq":   req.ToSeq,
		"verified": true,
	})
}

// -- upgrade ------------------------------------------------------------

type createUpgradeRequest struct {
	Type           string     `json:"type"`
	TargetPolicyID *uuid.UUID `json:"target_policy_id,omitempty"`
	TargetVersion  *int       `json:"target_version,omitempty"`
	Rationale      string     `json:"rationale"`
	Impact         string     `json:"impact"`
	ProposedBy     string     `json:"proposed_by"`
}

func (h *handlers) createUpgrade(w http.ResponseWriter, r *http.Request) {
	var req createUpgradeRequest
	if httpErr := decodeJSON(r, &req); httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	u := &store.Upgrade{
		Type:           store.UpgradeType(req.Type),
		TargetPolicyID: req.TargetPolicyID,
		TargetVersion:  req.TargetVersion,
		Rationale:      req.Rationale,
		Impact:         req.Impact,
		ProposedBy:     req.ProposedBy,
	}
	if err := h.deps.Workflow.Create(r.Context(), u); err != nil {
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusCreated, map[string]any{"upgrade_id": u.ID, "manifest_hash": u.ManifestHash})
}

type approveUpgradeRequest struct {
	ApproverID string `json:"approverId"`
	Signature  string `json:"signature"`
	Notes      string `json:"notes,omitempty"`
}

func (h *handlers) approveUpgrade(w http.ResponseWriter, r *http.Request) {
	id, httpErr := parseUUIDParam(r, "id")
	if httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	var req approveUpgradeRequest
	if httpErr := decodeJSON(r, &req); httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	err := h.deps.Workflow.Approve(r.Context(), id, req.ApproverID, req.Signature, req.Notes)
	switch {
	case errors.Is(err, upgrade.ErrApproverNotInPool):
		httperr.Write(w, httperr.Forbidden(err.Error()))
		return
	case errors.Is(err, upgrade.ErrDuplicateApproval), errors.Is(err, upgrade.ErrAlreadyDecided):
		httperr.Write(w, httperr.Conflict("CONFLICT", err.Error()))
		return
	case errors.Is(err, signing.ErrSignatureInvalid):
		httperr.Write(w, httperr.SignatureInvalid(err.Error()))
		return
	case err != nil:
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusOK, map[string]any{"upgrade_id": id})
}

type applyUpgradeRequest struct {
	Emergency     bool `json:"emergency,omitempty"`
	WindowSeconds int  `json:"window_seconds,omitempty"`
}

func (h *handlers) applyUpgrade(w http.ResponseWriter, r *http.Request) {
	id, httpErr := parseUUIDParam(r, "id")
	if httpErr != nil {
		httperr.Write(w, httpErr)
		return
	}

	var req applyUpgradeRequest
	if r.ContentLength != 0 {
		if httpErr := decodeJSON(r, &req); httpErr != nil {
			httperr.Write(w, httpErr)
			return
		}
	}

	principal, _ := PrincipalFromContext(r.Context())

	if req.Emergency {
		if !principal.HasRole(RoleSecurityEngineer, RoleSuperAdmin) {
			httperr.Write(w, httperr.Forbidden("emergency apply requires the security-engineer or super-admin role"))
			return
		}
		window := time.Duration(req.WindowSeconds) * time.Second
		err := h.deps.Workflow.EmergencyApply(r.Context(), id, principal.Subject, window)
		switch {
		case errors.Is(err, upgrade.ErrAlreadyDecided):
			httperr.Write(w, httperr.Conflict("CONFLICT", err.Error()))
			return
		case err != nil:
			httperr.Write(w, httperr.Internal(err.Error()))
			return
		}
		httperr.WriteOK(w, http.StatusOK, map[string]any{"upgrade_id": id, "state": "emergency_applied"})
		return
	}

	err := h.deps.Workflow.Apply(r.Context(), id, principal.Subject)
	switch {
	case errors.Is(err, upgrade.ErrQuorumNotReached):
		httperr.Write(w, httperr.QuorumNotReached(err.Error()))
		return
	case err != nil:
		httperr.Write(w, httperr.Internal(err.Error()))
		return
	}

	httperr.WriteOK(w, http.StatusOK, map[string]any{"upgrade_id": id})
}

func (d Deps) db() *gorm.DB {
	return d.DB
}
