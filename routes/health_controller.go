package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/mbolis/field-survey/app"
	"github.com/mbolis/field-survey/httpx"
)

func Health(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := app.Ping(ctx); err != nil {
			httpx.Logger(r).WithError(err).Warn("health: database unreachable")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]any{"status": "unavailable"})
			return
		}
		render.JSON(w, r, map[string]any{"status": "ok"})
	}
}
