package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/approval"
	"github.com/pitabwire/assetflow/internal/catalog"
	"github.com/pitabwire/assetflow/internal/config"
	"github.com/pitabwire/assetflow/internal/definition"
	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/internal/openapi"
	"github.com/pitabwire/assetflow/internal/progress"
	"github.com/pitabwire/assetflow/internal/roster"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler

	Engine    *approval.Engine
	Catalog   *catalog.Service
	Workflows *definition.Service
	Roster    *roster.Service
	Progress  *progress.Aggregator

	// API validates request bodies and is served at /v1/openapi.json. A nil
	// document disables body validation.
	API *openapi.Document

	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the API document
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(AttachLogger(logger))
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	// Public routes bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Handle(metricsPath(deps.Config), metricsHandler(deps.Gatherer))
	if deps.API != nil {
		r.Get("/v1/openapi.json", deps.API.ServeHTTP)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)

		r.Route("/v1/assets/{assetId}", func(r chi.Router) {
			r.Post("/submit", handleSubmit(deps.Engine))
			r.Post("/approve", handleApprove(deps.Engine, deps.API))
			r.Post("/request-changes", handleRequestChanges(deps.Engine, deps.API))
			r.Post("/final-approve", handleFinalApprove(deps.Engine, deps.API))
			r.Get("/stage-summary", handleStageSummary(deps.Engine))
			r.Get("/review", handleReview(deps.Engine))
			r.Delete("/", handleDeleteAsset(deps.Catalog))
		})

		r.Route("/v1/workflows", func(r chi.Router) {
			r.Get("/", handleWorkflowList(deps.Workflows))
			r.Post("/", handleWorkflowCreate(deps.Workflows, deps.API))
			r.Get("/{workflowId}", handleWorkflowGet(deps.Workflows))
			r.Delete("/{workflowId}", handleWorkflowDelete(deps.Workflows))
			r.Put("/{workflowId}/stages", handleWorkflowUpdateStages(deps.Workflows, deps.API))
			r.Post("/{workflowId}/default", handleWorkflowSetDefault(deps.Workflows))
			r.Post("/{workflowId}/archive", handleWorkflowArchive(deps.Workflows))
		})

		r.Route("/v1/projects", func(r chi.Router) {
			r.Get("/", handleProjectList(deps.Catalog))
			r.Post("/", handleProjectCreate(deps.Catalog, deps.API))
			r.Route("/{projectId}", func(r chi.Router) {
				r.Get("/", handleProjectGet(deps.Catalog))
				r.Put("/workflow", handleProjectAttachWorkflow(deps.Catalog, deps.API))
				r.Get("/assets", handleAssetList(deps.Catalog))
				r.Post("/assets", handleAssetCreate(deps.Catalog, deps.API))
				r.Get("/stages/{stageOrder}/reviewers", handleStageReviewerList(deps.Roster))
				r.Post("/stages/{stageOrder}/reviewers", handleReviewerAdd(deps.Roster, deps.API))
				r.Get("/reviewers", handleReviewerList(deps.Roster))
				r.Get("/progress", handleProjectProgress(deps.Progress))
			})
		})

		r.Delete("/v1/reviewers/{reviewerId}", handleReviewerRemove(deps.Roster))
		r.Get("/v1/dashboard", handleDashboard(deps.Progress))
	})

	return r
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability.Metrics.Path != "" {
		return cfg.Observability.Metrics.Path
	}
	return "/metrics"
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return observability.Handler()
	}
	return observability.HandlerFor(g)
}
