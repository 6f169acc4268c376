package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbolis/field-survey/app"
	"github.com/mbolis/field-survey/config"
	"github.com/mbolis/field-survey/database"
	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/identity"
	"github.com/mbolis/field-survey/model"
	"github.com/mbolis/field-survey/ratelimit"
	"github.com/mbolis/field-survey/retry"
	"github.com/mbolis/field-survey/store"
	"github.com/mbolis/field-survey/submission"
	"github.com/mbolis/field-survey/telemetry"
	"github.com/mbolis/field-survey/validate"
)

var dbSeq atomic.Int64

const structure = `[{
	"id": "s1",
	"title": "Contact",
	"questions": [
		{"id": "name", "type": "text", "label": "Name", "required": true},
		{"id": "support", "type": "yes_no", "label": "Support?", "required": true}
	]
}]`

type server struct {
	*httptest.Server
	app app.App
}

func newServer(t *testing.T, rateLimit int) *server {
	t.Helper()

	cfg := config.Config{
		DBDriver:    "sqlite3",
		DBUrl:       fmt.Sprintf("file:routes_test_%d?mode=memory&cache=shared", dbSeq.Add(1)),
		TokenSecret: "test-secret",
		TokenTTL:    time.Hour,
	}
	db, err := database.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO profile (user_id, tenant_id, role, active, password_hash) VALUES
			('vol-1', 't1', 'volunteer', 1, $1),
			('vol-2', 't1', 'volunteer', 1, $1),
			('analyst', 't1', 'analyst', 1, $1),
			('manager', 't1', 'manager', 1, $1),
			('outsider', 't2', 'manager', 1, $1)`, hash)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO questionnaire (id, tenant_id, title, active, structure) VALUES
			('q1', 't1', 'Doors', 1, $1),
			('q-old', 't1', 'Retired', 0, $1)`, structure)
	require.NoError(t, err)

	st := store.New(db)
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	provider := identity.New(cfg.TokenSecret, cfg.TokenTTL, st)
	questionnaires := store.NewQuestionnaireCache(st, 16, time.Minute)

	a := app.App{
		Store:          st,
		Config:         cfg,
		Questionnaires: questionnaires,
		Identity:       provider,
		Credentials:    httpx.NewCredentialsVerifier(st),
		Pipeline: submission.New(submission.Options{
			Limiter:        ratelimit.NewMemory(rateLimit, time.Minute),
			Auth:           provider,
			Questionnaires: questionnaires,
			Store:          st,
			Validator:      validate.New(),
			Executor: retry.New(retry.Policy{
				MaxAttempts: 3,
				MinInterval: time.Millisecond,
				MaxInterval: 4 * time.Millisecond,
				Multiplier:  2,
			}, store.IsTransient, metrics.Retried),
			Sink:     metrics,
			Observer: metrics,
		}),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	srv := httptest.NewServer(Wire(a))
	t.Cleanup(srv.Close)
	return &server{Server: srv, app: a}
}

func (s *server) token(t *testing.T, userID string) string {
	t.Helper()
	profile, err := s.app.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	token, _, err := s.app.Identity.Issue(profile)
	require.NoError(t, err)
	return token
}

func (s *server) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return res, decoded
}

func payload(name string, draft bool) string {
	return fmt.Sprintf(`{
		"questionnaire_id": "q1",
		"is_draft": %t,
		"respondent_name": %q,
		"respondent_email": "voter@example.com",
		"answers": [
			{"question_id": "name", "answer_value": %q, "skipped": false},
			{"question_id": "support", "answer_value": "yes", "skipped": false}
		],
		"metadata": {
			"start_time": "2024-01-15T10:00:00Z",
			"device_info": {"user_agent": "test", "screen_size": "390x844"}
		}
	}`, draft, name, name)
}

func TestSubmitAndReadBack(t *testing.T) {
	s := newServer(t, 50)
	token := s.token(t, "vol-1")

	res, body := s.do(t, http.MethodPost, "/api/responses", token, payload("Jose Garcia", false))
	require.Equal(t, http.StatusCreated, res.StatusCode, body)
	assert.Equal(t, "50", res.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "49", res.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, res.Header.Get("X-RateLimit-Reset"))
	assert.Equal(t, res.Header.Get("X-Request-Id"), body["request_id"])

	data := body["data"].(map[string]any)
	id := data["id"].(string)
	assert.Equal(t, "completed", data["status"])
	assert.EqualValues(t, 2, data["answer_count"])
	assert.EqualValues(t, 100, data["completion_percentage"])

	res, body = s.do(t, http.MethodGet, "/api/responses/"+id, token, "")
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	stored := body["data"].(map[string]any)
	assert.Equal(t, "Jose Garcia", stored["respondent_name"])
	assert.Len(t, stored["answers"], 2)

	// another volunteer of the same tenant reaching the same respondent
	res, body = s.do(t, http.MethodPost, "/api/responses", s.token(t, "vol-2"), payload("JOSÉ  garcia", false))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "DUPLICATE_SUBMISSION", body["code"])
	assert.Equal(t, id, body["details"].(map[string]any)["existingResponseId"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newServer(t, 50)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/responses", strings.NewReader(payload("Ana", false)))
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "6f1c1b40-95b7-4b73-9b9e-2f0f1d7b2a10")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "UNAUTHORIZED_ACCESS", body["code"])
	assert.Equal(t, "6f1c1b40-95b7-4b73-9b9e-2f0f1d7b2a10", body["request_id"])
	assert.Equal(t, "6f1c1b40-95b7-4b73-9b9e-2f0f1d7b2a10", res.Header.Get("X-Request-Id"))
}

func TestSubmitRejections(t *testing.T) {
	s := newServer(t, 50)
	token := s.token(t, "vol-1")

	res, body := s.do(t, http.MethodPost, "/api/responses", token, `{"questionnaire_id": `)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])

	res, body = s.do(t, http.MethodPost, "/api/responses", token,
		strings.Replace(payload("Ana", false), `"answer_value": "yes"`, `"answer_value": "perhaps"`, 1))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
	assert.Contains(t, body["details"], "support")

	res, body = s.do(t, http.MethodPost, "/api/responses", token,
		strings.Replace(payload("Ana", false), `"q1"`, `"q-old"`, 1))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "QUESTIONNAIRE_NOT_FOUND", body["code"])

	res, body = s.do(t, http.MethodPost, "/api/responses", s.token(t, "analyst"), payload("Ana", false))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])

	res, body = s.do(t, http.MethodPost, "/api/responses", token, payload(strings.Repeat("a", maxSubmissionBytes/2), false))
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", body["code"])

	res, body = s.do(t, http.MethodPost, "/api/responses", token, payload("Ana", false)+`{"is_draft": true}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, 2)

	for i := 0; i < 2; i++ {
		res, _ := s.do(t, http.MethodPost, "/api/responses", "", payload("Ana", false))
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	}

	res, body := s.do(t, http.MethodPost, "/api/responses", s.token(t, "vol-1"), payload("Ana", false))
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.Equal(t, "0", res.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
}

func TestDraftLifecycle(t *testing.T) {
	s := newServer(t, 50)
	token := s.token(t, "vol-1")

	res, body := s.do(t, http.MethodPost, "/api/responses", token, payload("Ana", true))
	require.Equal(t, http.StatusCreated, res.StatusCode, body)
	draftID := body["data"].(map[string]any)["id"].(string)
	assert.Equal(t, "draft", body["data"].(map[string]any)["status"])

	res, _ = s.do(t, http.MethodDelete, "/api/responses/"+draftID, s.token(t, "vol-2"), "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "other volunteers cannot see the draft")

	res, _ = s.do(t, http.MethodDelete, "/api/responses/"+draftID, token, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body = s.do(t, http.MethodGet, "/api/responses/"+draftID, token, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "RESPONSE_NOT_FOUND", body["code"])

	res, body = s.do(t, http.MethodPost, "/api/responses", token, payload("Ana", false))
	require.Equal(t, http.StatusCreated, res.StatusCode, body)
	doneID := body["data"].(map[string]any)["id"].(string)

	res, body = s.do(t, http.MethodDelete, "/api/responses/"+doneID, token, "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "RESPONSE_NOT_EDITABLE", body["code"])
}

func TestListResponses(t *testing.T) {
	s := newServer(t, 50)
	res, _ := s.do(t, http.MethodPost, "/api/responses", s.token(t, "vol-1"), payload("Ana", false))
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, body := s.do(t, http.MethodGet, "/api/questionnaires/q1/responses", s.token(t, "manager"), "")
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	list := body["data"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "voter@example.com", list[0].(map[string]any)["respondent_email"])

	res, body = s.do(t, http.MethodGet, "/api/questionnaires/q1/responses", s.token(t, "analyst"), "")
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	list = body["data"].([]any)
	require.Len(t, list, 1)
	assert.NotContains(t, list[0], "respondent_email")
	assert.Equal(t, "Ana", list[0].(map[string]any)["respondent_name"])

	res, body = s.do(t, http.MethodGet, "/api/questionnaires/q1/responses", s.token(t, "vol-1"), "")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])

	res, _ = s.do(t, http.MethodGet, "/api/questionnaires/q1/responses", s.token(t, "outsider"), "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "questionnaires of other tenants are invisible")

	res, _ = s.do(t, http.MethodGet, "/api/questionnaires/q1/responses", "", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestGetQuestionnaire(t *testing.T) {
	s := newServer(t, 50)
	token := s.token(t, "vol-1")

	res, body := s.do(t, http.MethodGet, "/api/questionnaires/q1", token, "")
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	q := body["data"].(map[string]any)
	assert.Equal(t, "Doors", q["title"])
	assert.Len(t, q["sections"], 1)

	res, body = s.do(t, http.MethodGet, "/api/questionnaires/q-old", token, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "QUESTIONNAIRE_NOT_FOUND", body["code"])
}

func TestLogin(t *testing.T) {
	s := newServer(t, 50)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/login", nil)
	require.NoError(t, err)
	req.SetBasicAuth("vol-1", "s3cret")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
		TenantID    string `json:"tenant_id"`
		Role        string `json:"role"`
	}
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Equal(t, "t1", body.TenantID)
	assert.Equal(t, model.RoleVolunteer, body.Role)
	assert.InDelta(t, 3600, body.ExpiresIn, 5)

	res2, got := s.do(t, http.MethodPost, "/api/responses", body.AccessToken, payload("Ana", false))
	assert.Equal(t, http.StatusCreated, res2.StatusCode, got)

	req.SetBasicAuth("vol-1", "wrong")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, 50)

	res, body := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])

	s.do(t, http.MethodPost, "/api/responses", s.token(t, "vol-1"), payload("Ana", false))

	res, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `field_survey_submissions_total{code="CREATED"`)
}

func TestAnalystCannotDelete(t *testing.T) {
	s := newServer(t, 50)
	res, body := s.do(t, http.MethodPost, "/api/responses", s.token(t, "vol-1"), payload("Ana", true))
	require.Equal(t, http.StatusCreated, res.StatusCode, body)
	draftID := body["data"].(map[string]any)["id"].(string)

	res, body = s.do(t, http.MethodDelete, "/api/responses/"+draftID, s.token(t, "analyst"), "")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])

	res, _ = s.do(t, http.MethodGet, "/api/responses/"+draftID, s.token(t, "analyst"), "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
