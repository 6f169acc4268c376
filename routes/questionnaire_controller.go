package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/mbolis/field-survey/app"
	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/routes/middlewares"
	"github.com/mbolis/field-survey/store"
)

func GetQuestionnaire(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := middlewares.IdentityFrom(r.Context())
		questionnaireId := chi.URLParam(r, "id")

		q, err := app.Questionnaires.GetQuestionnaire(r.Context(), id.TenantID, questionnaireId)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !q.Active) {
			httpx.LogNotFound(w, r, "get_questionnaire", httpx.CodeQuestionnaireMissing, questionnaireId)
			return
		}
		if err != nil {
			httpx.LogStoreError(w, r, "db.get_questionnaire", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"success":    true,
			"data":       q,
			"request_id": httpx.RequestID(r),
		})
	}
}
