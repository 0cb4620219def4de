package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	mw "github.com/gradeflow/gradeflow/internal/api/middleware"
	"github.com/gradeflow/gradeflow/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	HealthHandler http.HandlerFunc

	SubmitExtraction http.HandlerFunc
	GetJob           http.HandlerFunc
	RetryJob         http.HandlerFunc
	WatchJob         http.HandlerFunc

	CreatePaper      http.HandlerFunc
	GetPaper         http.HandlerFunc
	SubmitEvaluation http.HandlerFunc
	ListEvaluations  http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Post("/api/v1/extractions", orNotImplemented(deps.SubmitExtraction))

	r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
	r.Post("/api/v1/jobs/{jobID}/retry", orNotImplemented(deps.RetryJob))
	r.Get("/api/v1/jobs/{jobID}/events", orNotImplemented(deps.WatchJob))

	r.Post("/api/v1/papers", orNotImplemented(deps.CreatePaper))
	r.Get("/api/v1/papers/{paperID}", orNotImplemented(deps.GetPaper))
	r.Post("/api/v1/papers/{paperID}/evaluations", orNotImplemented(deps.SubmitEvaluation))
	r.Get("/api/v1/papers/{paperID}/evaluations", orNotImplemented(deps.ListEvaluations))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
