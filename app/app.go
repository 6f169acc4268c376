package app

import (
	"net/http"

	"github.com/mbolis/field-survey/config"
	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/identity"
	"github.com/mbolis/field-survey/store"
	"github.com/mbolis/field-survey/submission"
)

type App struct {
	*store.Store
	config.Config

	Questionnaires store.QuestionnaireReader
	Identity       *identity.Provider
	Credentials    *httpx.CredentialsVerifier
	Pipeline       *submission.Pipeline
	// Metrics serves /metrics; nil disables the endpoint.
	Metrics http.Handler
}
