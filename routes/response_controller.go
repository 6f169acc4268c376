package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/mbolis/field-survey/app"
	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/log"
	"github.com/mbolis/field-survey/model"
	"github.com/mbolis/field-survey/routes/middlewares"
	"github.com/mbolis/field-survey/store"
)

func GetResponse(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := middlewares.IdentityFrom(r.Context())
		responseId := chi.URLParam(r, "id")

		response, err := app.Store.GetResponse(r.Context(), id.TenantID, responseId)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !canSee(id, response)) {
			httpx.LogNotFound(w, r, "get_response", httpx.CodeResponseMissing, responseId)
			return
		}
		if err != nil {
			httpx.LogStoreError(w, r, "db.get_response", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"success":    true,
			"data":       redact(id, response),
			"request_id": httpx.RequestID(r),
		})
	}
}

func DeleteResponse(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := middlewares.IdentityFrom(r.Context())
		responseId := chi.URLParam(r, "id")

		response, err := app.Store.GetResponse(r.Context(), id.TenantID, responseId)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !canSee(id, response)) {
			httpx.LogNotFound(w, r, "delete_response", httpx.CodeResponseMissing, responseId)
			return
		}
		if err != nil {
			httpx.LogStoreError(w, r, "db.delete_response.get", err)
			return
		}
		if response.IsComplete {
			httpx.LogStatusMsg(w, r, http.StatusConflict, log.DebugLevel, "delete_response.completed", httpx.CodeNotEditable,
				"only drafts can be deleted")
			return
		}

		err = app.Store.DeleteDraft(r.Context(), id.TenantID, responseId)
		if errors.Is(err, store.ErrNotFound) {
			// finalized in the meantime
			httpx.LogStatusMsg(w, r, http.StatusConflict, log.DebugLevel, "delete_response.verify", httpx.CodeNotEditable,
				"only drafts can be deleted")
			return
		}
		if err != nil {
			httpx.LogStoreError(w, r, "db.delete_response", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func ListResponses(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := middlewares.IdentityFrom(r.Context())
		questionnaireId := chi.URLParam(r, "id")

		_, err := app.Questionnaires.GetQuestionnaire(r.Context(), id.TenantID, questionnaireId)
		if errors.Is(err, store.ErrNotFound) {
			httpx.LogNotFound(w, r, "list_responses", httpx.CodeQuestionnaireMissing, questionnaireId)
			return
		}
		if err != nil {
			httpx.LogStoreError(w, r, "db.list_responses.questionnaire", err)
			return
		}

		responses, err := app.Store.ListResponses(r.Context(), id.TenantID, questionnaireId, r.URL.Query().Get("volunteer_id"))
		if err != nil {
			httpx.LogStoreError(w, r, "db.list_responses", err)
			return
		}
		for i := range responses {
			responses[i] = redact(id, responses[i])
		}

		render.JSON(w, r, map[string]any{
			"success":    true,
			"data":       responses,
			"request_id": httpx.RequestID(r),
		})
	}
}

// canSee reports whether the caller may read a response of its own tenant.
func canSee(id model.Identity, response model.SurveyResponse) bool {
	return id.CanReadAll() || response.VolunteerID == id.UserID
}

// redact hides respondent contact details from analysts.
func redact(id model.Identity, response model.SurveyResponse) model.SurveyResponse {
	if id.Role == model.RoleAnalyst {
		response.RespondentEmail = ""
		response.RespondentPhone = ""
	}
	return response
}
