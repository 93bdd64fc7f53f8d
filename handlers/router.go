package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"netmigrate/middleware"
)

// NewRouter wires the submission, retrieval and operational endpoints.
// submitLimit guards the endpoints that start a converter; it may be nil.
func NewRouter(app *App, submitLimit func(http.Handler) http.Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if app.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer, middleware.Logger(app.Logger))

	r.Get("/healthz", app.Healthz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		if submitLimit != nil {
			r.Use(submitLimit)
		}
		r.Post("/", app.SubmitRaw)
		r.Post("/multipart", app.SubmitMultipart)
		r.Post("/json", app.SubmitMultipartJSON)
	})

	r.Get("/tar/{id}", app.Archive)
	r.Get("/json/{id}", app.Records)

	return r
}
