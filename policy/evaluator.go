package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/store"
)

var effectPriority = map[store.Effect]int{
	store.EffectDeny:       4,
	store.EffectQuarantine: 3,
	store.EffectRemediate:  2,
	store.EffectAllow:      1,
}

var severityRank = map[store.Severity]int{
	store.SeverityCritical: 4,
	store.SeverityHigh:     3,
	store.SeverityMedium:   2,
	store.SeverityLow:      1,
}

// Decision is the result of running the policy evaluation pipeline.
type Decision struct {
	Decision      store.Effect `json:"decision"`
	Allowed       bool         `json:"allowed"`
	PolicyID      *uuid.UUID   `json:"policy_id,omitempty"`
	PolicyVersion *int         `json:"policy_version,omitempty"`
	Rationale     string       `json:"rationale,omitempty"`
	EvidenceRefs  []string     `json:"evidence_refs,omitempty"`
	TS            time.Time    `json:"ts"`
}

type appliedMatch struct {
	policy    store.Policy
	effect    store.Effect
	rationale string
}

// Metrics holds the decision/latency counters the evaluator exports.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	evalLatency    *prometheus.HistogramVec
	canaryMatches  *prometheus.CounterVec
}

// NewMetrics registers the evaluator's counters with reg. Pass a fresh
// prometheus.Registry in tests to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinelcore",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Count of evaluateAction decisions by final effect.",
		}, []string{"effect"}),
		evalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinelcore",
			Subsystem: "policy",
			Name:      "evaluation_seconds",
			Help:      "Per-policy rule evaluation latency.",
		}, []string{"policy_name"}),
		canaryMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinelcore",
			Subsystem: "policy",
			Name:      "canary_matches_total",
			Help:      "Canary policy matches, split by whether sampling enforced them.",
		}, []string{"policy_name", "enforced"}),
	}
	reg.MustRegister(m.decisionsTotal, m.evalLatency, m.canaryMatches)
	return m
}

// Engine runs the evaluateAction pipeline against the active/canary
// policy set, with a short-TTL cache and canary auto-rollback tracking.
type Engine struct {
	db      *gorm.DB
	chain   *audit.Chain
	metrics *Metrics
	cache   *activeCache

	mu               sync.Mutex
	canaryWindows    map[uuid.UUID]*canaryWindow
	cooldownUntil    map[uuid.UUID]time.Time
	failureThreshold float64
	cooldown         time.Duration
}

// NewEngine constructs an Engine. cacheTTL defaults to 5s when zero is
// passed.
func NewEngine(db *gorm.DB, chain *audit.Chain, metrics *Metrics, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &Engine{
		db:               db,
		chain:            chain,
		metrics:          metrics,
		cache:            newActiveCache(db, cacheTTL),
		canaryWindows:    make(map[uuid.UUID]*canaryWindow),
		cooldownUntil:    make(map[uuid.UUID]time.Time),
		failureThreshold: DefaultCanaryFailureThreshold,
		cooldown:         DefaultCanaryCooldownSeconds * time.Second,
	}
}

// EvaluateAction loads the active/canary policy set, runs each rule
// against input, applies canary sampling, and resolves a final decision
// by effect priority (deny > quarantine > remediate > allow).
func (e *Engine) EvaluateAction(ctx context.Context, input Input) (Decision, error) {
	policies, err := e.cache.activePolicies(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: load active policies: %w", err)
	}

	var applied []appliedMatch
	for _, p := range policies {
		start := time.Now()
		var rule Rule
		if err := json.Unmarshal(p.Rule, &rule); err != nil {
			continue
		}
		result := Evaluate(rule, input)
		if e.metrics != nil {
			e.metrics.evalLatency.WithLabelValues(p.Name).Observe(time.Since(start).Seconds())
		}
		if !result.Match {
			continue
		}

		enforced := true
		if p.State == store.PolicyStateCanary {
			enforced = sampleCanary(input.RequestID, p.CanaryPercent)
			if e.metrics != nil {
				e.metrics.canaryMatches.WithLabelValues(p.Name, strconv.FormatBool(enforced)).Inc()
			}
			if enforced {
				e.recordCanarySample(p, p.Effect != store.EffectAllow)
			}
		}
		if !enforced {
			continue
		}

		effect := p.Effect
		if effect == "" {
			effect = store.EffectDeny
		}
		applied = append(applied, appliedMatch{policy: p, effect: effect, rationale: result.Explanation})
	}

	decision := decideFromMatches(applied)
	decision.TS = time.Now().UTC()

	e.emitDecisionAudit(ctx, input, decision, applied)
	if e.metrics != nil {
		e.metrics.decisionsTotal.WithLabelValues(string(decision.Decision)).Inc()
	}

	return decision, nil
}

func decideFromMatches(applied []appliedMatch) Decision {
	if len(applied) == 0 {
		return Decision{Decision: store.EffectAllow, Allowed: true}
	}

	bestEffectPriority := -1
	var finalEffect store.Effect
	for _, m := range applied {
		if effectPriority[m.effect] > bestEffectPriority {
			bestEffectPriority = effectPriority[m.effect]
			finalEffect = m.effect
		}
	}

	var primary *appliedMatch
	bestSeverity := -1
	for i, m := range applied {
		if m.effect != finalEffect {
			continue
		}
		if severityRank[m.policy.Severity] > bestSeverity {
			bestSeverity = severityRank[m.policy.Severity]
			primary = &applied[i]
		}
	}

	d := Decision{Decision: finalEffect, Allowed: finalEffect == store.EffectAllow}
	if primary != nil {
		id := primary.policy.ID
		version := primary.policy.Version
		d.PolicyID = &id
		d.PolicyVersion = &version
		d.Rationale = primary.rationale
	}
	for _, m := range applied {
		d.EvidenceRefs = append(d.EvidenceRefs, m.policy.ID.String())
	}
	return d
}

// emitDecisionAudit writes the policy.decision event. A failure here is
// logged through the default slog logger but does not change the
// returned decision.
func (e *Engine) emitDecisionAudit(ctx context.Context, input Input, decision Decision, applied []appliedMatch) {
	if e.chain == nil {
		return
	}
	payload := map[string]any{
		"decision":        decision.Decision,
		"allowed":         decision.Allowed,
		"policy_id":       decision.PolicyID,
		"policy_version":  decision.PolicyVersion,
		"rationale":       decision.Rationale,
		"evidence_refs":   decision.EvidenceRefs,
		"principal":       input.Actor,
		"context_summary": input.Context,
		"action":          input.Action,
		"request_id":      input.RequestID,
	}
	if _, err := e.chain.Append(ctx, "policy", "policy.decision", payload); err != nil {
		slog.Default().Warn("policy: decision audit append failed", "error", err, "request_id", input.RequestID)
	}
}

func (e *Engine) recordCanarySample(p store.Policy, failure bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.canaryWindows[p.ID]
	if !ok {
		w = newCanaryWindow(DefaultCanaryWindowSize, e.failureThreshold)
		e.canaryWindows[p.ID] = w
	}
	if until, ok := e.cooldownUntil[p.ID]; ok && time.Now().Before(until) {
		return
	}
	if w.record(failure) {
		w.clear()
		e.cooldownUntil[p.ID] = time.Now().Add(e.cooldown)
		e.rollbackCanary(context.Background(), p)
	}
}

func (e *Engine) rollbackCanary(ctx context.Context, p store.Policy) {
	_ = e.db.WithContext(ctx).Model(&store.Policy{}).
		Where("id = ? AND state = ?", p.ID, store.PolicyStateCanary).
		Update("state", store.PolicyStateDraft).Error
	e.cache.invalidate()
	if e.chain != nil {
		_, _ = e.chain.Append(ctx, "policy", "policy.auto_rollback", map[string]any{
			"policy_id": p.ID, "from_state": store.PolicyStateCanary, "to_state": store.PolicyStateDraft,
			"reason": "canary failure rate exceeded threshold",
		})
	}
}
