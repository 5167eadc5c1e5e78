package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/idempotency"
	"sentinelcore/ledger"
	"sentinelcore/policy"
	"sentinelcore/signing"
	"sentinelcore/upgrade"
)

// Deps bundles every component the router dispatches into.
type Deps struct {
	DB        *gorm.DB
	Signer    *signing.Service
	Chain     *audit.Chain
	Idem      *idempotency.Store
	Engine    *policy.Engine
	Lifecycle *policy.Lifecycle
	Workflow  *upgrade.Workflow
	Poster    *ledger.Poster
	Proofs    *ledger.ProofGenerator
	Auth      *Authenticator
	Log       *slog.Logger
}

// New builds the complete HTTP handler: chi middleware stack,
// OpenTelemetry instrumentation, Prometheus metrics, and every route
// the service exposes, including the operator audit-stream extension.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Logger)
	r.Use(idempotency.Middleware(deps.Idem))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{deps: deps}

	r.Route("/", func(pr chi.Router) {
		if deps.Auth != nil {
			pr.Use(deps.Auth.Middleware)
		}

		pr.With(RequireRole(RoleLedger, RoleOperator)).Post("/ledger/post", h.postLedger)
		pr.With(RequireRole(RoleAuditor, RoleOperator, RoleLedger)).Post("/proofs/generate", h.generateProof)
		pr.With(RequireRole(RoleAuditor, RoleOperator, RoleLedger, RoleReadOnly)).Get("/proofs/{id}", h.fetchProof)

		pr.With(RequireRole(RoleOperator)).Post("/policy", h.createPolicy)
		pr.With(RequireRole(RoleOperator, RoleAuditor, RoleReadOnly)).Get("/policy/{id}", h.getPolicy)
		pr.With(RequireRole(RoleOperator, RoleAuditor, RoleReadOnly)).Get("/policy", h.listPolicy)
		pr.With(RequireRole(RoleOperator)).Patch("/policy/{id}/state", h.transitionPolicy)

		pr.With(RequireRole(RoleOperator, RoleReadOnly)).Post("/sentinel/check", h.sentinelCheck)

		pr.With(RequireRole(RoleOperator)).Post("/upgrade", h.createUpgrade)
		pr.With(RequireRole(RoleApprover)).Post("/upgrade/{id}/approve", h.approveUpgrade)
		pr.With(RequireRole(RoleOperator, RoleSecurityEngineer, RoleSuperAdmin)).Post("/upgrade/{id}/apply", h.applyUpgrade)

		pr.With(RequireRole(RoleAuditor, RoleOperator)).Get("/audit/stream", h.streamAudit)
		pr.With(RequireRole(RoleAuditor, RoleOperator)).Post("/audit/verify", h.verifyAudit)
	})

	return otelhttp.NewHandler(r, "sentinelcore.http")
}
