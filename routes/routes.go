package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mbolis/field-survey/app"
	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/model"
	"github.com/mbolis/field-survey/routes/middlewares"
)

func Wire(app app.App) http.Handler {
	root := chi.NewRouter()
	root.Use(
		middlewares.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		httpx.ExposeErrors(!app.Production()),
	)

	root.Get("/health", Health(app))
	if app.Metrics != nil {
		root.Method(http.MethodGet, "/metrics", app.Metrics)
	}
	root.Mount("/api", apiRouter(app))

	return root
}

func apiRouter(app app.App) http.Handler {
	api := chi.NewRouter()

	api.Post("/login", Login(app))

	// authenticates on its own so that every outcome goes through the pipeline
	api.Post("/responses", SubmitResponse(app))

	api.Group(func(r chi.Router) {
		r.Use(middlewares.Authenticate(app.Identity))

		r.Get("/responses/{id}", GetResponse(app))
		r.With(middlewares.Require(model.Identity.CanSubmit)).
			Delete("/responses/{id}", DeleteResponse(app))
		r.Get("/questionnaires/{id}", GetQuestionnaire(app))
		r.With(middlewares.Require(model.Identity.CanReadAll)).
			Get("/questionnaires/{id}/responses", ListResponses(app))
	})

	return api
}
