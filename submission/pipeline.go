// Package submission runs the survey response submission pipeline: rate
// check, authentication, sanitizing, validation, duplicate detection and
// resilient persistence, reporting every outcome to telemetry.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/uuid"

	"github.com/mbolis/field-survey/identity"
	"github.com/mbolis/field-survey/log"
	"github.com/mbolis/field-survey/model"
	"github.com/mbolis/field-survey/ratelimit"
	"github.com/mbolis/field-survey/retry"
	"github.com/mbolis/field-survey/sanitize"
	"github.com/mbolis/field-survey/store"
	"github.com/mbolis/field-survey/telemetry"
)

var errTrailingData = errors.New("unexpected data after the JSON body")

type Authenticator interface {
	Resolve(ctx context.Context, bearer string) (model.Identity, error)
}

type Validator interface {
	Validate(req model.SubmissionRequest, q model.Questionnaire) model.Verdict
}

// Store is the part of the Durable Store the pipeline writes to.
type Store interface {
	FindCompleted(ctx context.Context, tenantID, questionnaireID, respondentKey string) (string, error)
	GetResponse(ctx context.Context, tenantID, id string) (model.SurveyResponse, error)
	CreateResponse(ctx context.Context, r model.SurveyResponse) error
	UpdateDraft(ctx context.Context, r model.SurveyResponse) error
	DeleteAnswers(ctx context.Context, responseID string) error
	InsertAnswers(ctx context.Context, answers []model.AnswerRecord) error
}

// Observer receives stage timings and limiter degradation.
type Observer interface {
	ObserveStage(stage string, d time.Duration)
	LimiterFailed()
}

type Options struct {
	Limiter        ratelimit.Limiter
	Auth           Authenticator
	Questionnaires store.QuestionnaireReader
	Store          Store
	Validator      Validator
	Executor       *retry.Executor
	Sink           telemetry.Sink
	Observer       Observer

	// LimiterTimeout bounds the rate check; the executor bounds store calls.
	LimiterTimeout time.Duration
	// ChunkSize is the number of answers written per statement.
	ChunkSize int
	// RetryAfter is suggested to callers when the store is unreachable.
	RetryAfter time.Duration
}

type Pipeline struct {
	Options
	now   func() time.Time
	newID func() string
}

func New(opts Options) *Pipeline {
	if opts.Sink == nil {
		opts.Sink = telemetry.Nop{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 25
	}
	if opts.LimiterTimeout <= 0 {
		opts.LimiterTimeout = time.Second
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 30 * time.Second
	}
	return &Pipeline{
		Options: opts,
		now:     time.Now,
		newID:   func() string { return uuid.Must(uuid.NewV4()).String() },
	}
}

// Request is one submission as received by the transport.
type Request struct {
	RequestID string
	// ClientKey identifies the caller for rate limiting, usually its address.
	ClientKey   string
	BearerToken string
	Body        io.Reader
}

// run carries the state of one submission through the stages.
type run struct {
	p       *Pipeline
	in      Request
	log     *log.Entry
	state   State
	entered time.Time

	id       model.Identity
	req      model.SubmissionRequest
	q        model.Questionnaire
	verdict  model.Verdict
	existing *model.SurveyResponse
	record   model.SurveyResponse
	answers  []model.AnswerRecord
	attempts int
}

// Submit takes a submission through the whole pipeline. It never returns
// early without reporting to telemetry.
func (p *Pipeline) Submit(ctx context.Context, in Request) Outcome {
	started := p.now()
	r := &run{
		p:       p,
		in:      in,
		log:     log.WithField("request_id", in.RequestID),
		state:   Received,
		entered: started,
	}

	var limit *ratelimit.Decision
	out := r.execute(ctx, &limit)
	stopped := r.state

	out.RequestID = in.RequestID
	out.RateLimit = limit
	elapsed := p.now().Sub(started)
	if out.Data != nil {
		out.Data.ResponseTimeMS = elapsed.Milliseconds()
	}

	r.report(out, started, elapsed)
	r.advance(TelemetrySent)
	r.advance(Responded)

	out.State = Responded
	if !out.Success() {
		out.State = stopped
	}
	return out
}

func (r *run) execute(ctx context.Context, limit **ratelimit.Decision) Outcome {
	if out, ok := r.rateCheck(ctx, limit); !ok {
		return out
	}
	r.advance(RateChecked)

	if out, ok := r.authenticate(ctx); !ok {
		return out
	}
	r.advance(Authenticated)

	if out, ok := r.receive(ctx); !ok {
		return out
	}
	r.req = sanitize.Submission(r.req, &r.q)
	r.advance(Sanitized)

	if out, ok := r.validate(); !ok {
		return out
	}
	if out, ok := r.loadDraft(ctx); !ok {
		return out
	}
	r.advance(Validated)

	if !r.req.Draft() {
		if out, ok := r.checkDuplicate(ctx); !ok {
			return out
		}
	}
	r.advance(DupChecked)

	if out, ok := r.persistResponse(ctx); !ok {
		return out
	}
	r.advance(ResponsePersisted)

	if out, ok := r.persistAnswers(ctx); !ok {
		return out
	}
	r.advance(AnswersPersisted)

	return r.success()
}

func (r *run) advance(to State) {
	now := r.p.now()
	r.p.Observer.ObserveStage(string(r.state), now.Sub(r.entered))
	r.log.WithField("stage", to).Debug("stage entered")
	r.state, r.entered = to, now
}

func (r *run) rateCheck(ctx context.Context, limit **ratelimit.Decision) (Outcome, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.p.LimiterTimeout)
	defer cancel()

	d, err := r.p.Limiter.CheckLimit(ctx, "submit:"+r.in.ClientKey)
	if err != nil {
		r.p.Observer.LimiterFailed()
		r.log.WithError(err).Warn("rate limiter unavailable, allowing request")
		return Outcome{}, true
	}
	*limit = &d
	if !d.Allowed {
		retryAfter := d.RetryAfter(r.p.now())
		out := fail(http.StatusTooManyRequests, CodeRateLimited, "too many submissions, try again later").
			with("retryAfter", int64(retryAfter/time.Second))
		out.RetryAfter = retryAfter
		return r.stop(out), false
	}
	return Outcome{}, true
}

func (r *run) authenticate(ctx context.Context) (Outcome, bool) {
	var id model.Identity
	attempts, err := r.p.Executor.Do(ctx, "authenticate", func(ctx context.Context) (err error) {
		id, err = r.p.Auth.Resolve(ctx, r.in.BearerToken)
		return
	})
	r.attempts += attempts
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		r.log.WithError(err).Debug("authentication failed")
		return r.stop(fail(http.StatusUnauthorized, CodeUnauthorized, "authentication required")), false
	case err != nil:
		return r.storeFailure("authenticate", err), false
	case !id.CanSubmit():
		return r.stop(fail(http.StatusForbidden, CodeForbidden, "role "+id.Role+" may not submit responses")), false
	}

	r.id = id
	r.log = r.log.WithFields(log.Fields{"tenant_id": id.TenantID, "volunteer_id": id.UserID})
	return Outcome{}, true
}

// receive decodes the body and loads the target questionnaire.
func (r *run) receive(ctx context.Context) (Outcome, bool) {
	if r.in.Body == nil {
		return r.stop(fail(http.StatusBadRequest, CodeInvalidRequest, "request body is empty")), false
	}
	if err := decodeBody(r.in.Body, &r.req); err != nil {
		r.log.WithError(err).Debug("malformed body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return r.stop(fail(http.StatusRequestEntityTooLarge, CodeTooLarge, "request body is too large").
				with("limitBytes", tooLarge.Limit).cause(err)), false
		}
		return r.stop(fail(http.StatusBadRequest, CodeInvalidRequest, "request body is not valid JSON").cause(err)), false
	}

	if r.req.QuestionnaireID == "" {
		verdict := r.p.Validator.Validate(r.req, model.Questionnaire{})
		return r.stop(validationFailed(verdict.Errors, verdict.Warnings)), false
	}
	r.log = r.log.WithField("questionnaire_id", r.req.QuestionnaireID)

	attempts, err := r.p.Executor.Do(ctx, "load_questionnaire", func(ctx context.Context) (err error) {
		r.q, err = r.p.Questionnaires.GetQuestionnaire(ctx, r.id.TenantID, r.req.QuestionnaireID)
		return
	})
	r.attempts += attempts
	if errors.Is(err, store.ErrNotFound) || (err == nil && !r.q.Active) {
		return r.stop(fail(http.StatusNotFound, CodeQuestionnaireMissing, "questionnaire not found").
			with("questionnaireId", r.req.QuestionnaireID)), false
	}
	if err != nil {
		return r.storeFailure("load_questionnaire", err), false
	}
	return Outcome{}, true
}

// decodeBody reads exactly one JSON value from body.
func decodeBody(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&json.RawMessage{}); err != io.EOF {
		if err == nil {
			err = errTrailingData
		}
		return err
	}
	return nil
}

func (r *run) validate() (Outcome, bool) {
	r.verdict = r.p.Validator.Validate(r.req, r.q)
	if r.verdict.IsValid || r.req.Draft() {
		if !r.verdict.IsValid {
			r.log.WithField("errors", len(r.verdict.Errors)).Debug("storing invalid draft")
		}
		return Outcome{}, true
	}
	r.log.WithField("errors", r.verdict.Errors).Info("submission rejected by validation")
	return r.stop(validationFailed(r.verdict.Errors, r.verdict.Warnings)), false
}

// loadDraft resolves the draft a submission with a response id replaces.
func (r *run) loadDraft(ctx context.Context) (Outcome, bool) {
	if r.req.ResponseID == "" {
		return Outcome{}, true
	}

	var existing model.SurveyResponse
	attempts, err := r.p.Executor.Do(ctx, "load_draft", func(ctx context.Context) (err error) {
		existing, err = r.p.Store.GetResponse(ctx, r.id.TenantID, r.req.ResponseID)
		return
	})
	r.attempts += attempts
	if errors.Is(err, store.ErrNotFound) || (err == nil && existing.VolunteerID != r.id.UserID) {
		return r.stop(fail(http.StatusNotFound, CodeResponseMissing, "response not found").
			with("responseId", r.req.ResponseID)), false
	}
	if err != nil {
		return r.storeFailure("load_draft", err), false
	}
	if existing.IsComplete {
		return r.stop(fail(http.StatusConflict, CodeNotEditable, "completed responses cannot be changed").
			with("responseId", existing.ID)), false
	}
	if existing.QuestionnaireID != r.q.ID {
		return r.stop(fail(http.StatusBadRequest, CodeInvalidRequest, "draft belongs to another questionnaire").
			with("responseId", existing.ID)), false
	}

	r.existing = &existing
	return Outcome{}, true
}

func (r *run) checkDuplicate(ctx context.Context) (Outcome, bool) {
	key := RespondentKey(r.req.RespondentName, r.req.RespondentEmail, r.req.RespondentPhone)

	var found string
	attempts, err := r.p.Executor.Do(ctx, "find_completed", func(ctx context.Context) (err error) {
		found, err = r.p.Store.FindCompleted(ctx, r.id.TenantID, r.q.ID, key)
		return
	})
	r.attempts += attempts
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, true
	}
	if err != nil {
		return r.storeFailure("find_completed", err), false
	}
	return r.duplicate(found), false
}

// duplicate reports a 409, referencing the existing response when it is known.
func (r *run) duplicate(existingID string) Outcome {
	r.log.WithField("existing_response_id", existingID).Info("duplicate submission")
	out := fail(http.StatusConflict, CodeDuplicate, "a completed response already exists for this respondent")
	if existingID != "" {
		out = out.with("existingResponseId", existingID)
	}
	return r.stop(out)
}

func (r *run) persistResponse(ctx context.Context) (Outcome, bool) {
	r.record = r.buildRecord()
	r.answers = r.buildAnswers(r.record.ID)

	op, write := "create_response", r.p.Store.CreateResponse
	if r.existing != nil {
		op, write = "update_draft", r.p.Store.UpdateDraft
	}
	attempts, err := r.p.Executor.Do(ctx, op, func(ctx context.Context) error {
		return write(ctx, r.record)
	})
	r.attempts += attempts

	switch {
	case errors.Is(err, store.ErrDuplicate):
		return r.lostRace(ctx), false
	case errors.Is(err, store.ErrNotFound):
		// the draft was finalized or deleted meanwhile
		return r.stop(fail(http.StatusConflict, CodeNotEditable, "draft is no longer editable").
			with("responseId", r.record.ID)), false
	case err != nil:
		return r.storeFailure(op, err), false
	}

	r.log.WithFields(log.Fields{"response_id": r.record.ID, "status": r.record.Status()}).Debug("response persisted")
	return Outcome{}, true
}

// lostRace handles a uniqueness violation: another submission for the same
// respondent committed after the duplicate check.
func (r *run) lostRace(ctx context.Context) Outcome {
	var found string
	_, err := r.p.Executor.Do(ctx, "find_completed", func(ctx context.Context) (err error) {
		found, err = r.p.Store.FindCompleted(ctx, r.id.TenantID, r.q.ID, r.record.RespondentKey)
		return
	})
	if errors.Is(err, store.ErrNotFound) {
		r.log.Warn("duplicate detected but the existing response is gone")
		return r.duplicate("")
	}
	if err != nil {
		return r.storeFailure("find_completed", err)
	}
	return r.duplicate(found)
}

func (r *run) persistAnswers(ctx context.Context) (Outcome, bool) {
	if r.existing != nil {
		attempts, err := r.p.Executor.Do(ctx, "delete_answers", func(ctx context.Context) error {
			return r.p.Store.DeleteAnswers(ctx, r.record.ID)
		})
		r.attempts += attempts
		if err != nil {
			return r.partial(err, 0), false
		}
	}

	written := 0
	for start := 0; start < len(r.answers); start += r.p.ChunkSize {
		end := min(start+r.p.ChunkSize, len(r.answers))
		chunk := r.answers[start:end]

		attempts, err := r.p.Executor.Do(ctx, "insert_answers", func(ctx context.Context) error {
			return r.p.Store.InsertAnswers(ctx, chunk)
		})
		r.attempts += attempts
		if err != nil {
			return r.partial(err, written), false
		}
		written += len(chunk)
	}
	return Outcome{}, true
}

// partial reports a response row left without its full set of answers.
func (r *run) partial(err error, written int) Outcome {
	r.log.WithError(err).WithFields(log.Fields{
		"response_id": r.record.ID,
		"written":     written,
		"expected":    len(r.answers),
	}).Error("answers not persisted, response left partial")

	out := fail(http.StatusInternalServerError, CodePartial, "the response was saved without all of its answers").
		with("orphanedResponseId", r.record.ID).
		with("answersPersisted", written).
		cause(err)
	out.RetrySuggested = store.IsTransient(err)
	return r.stop(out)
}

func (r *run) success() Outcome {
	status, code := http.StatusCreated, CodeCreated
	if r.existing != nil {
		status, code = http.StatusOK, CodeUpdated
	}
	out := Outcome{
		HTTPStatus: status,
		Code:       code,
		Data: &Result{
			ID:                   r.record.ID,
			Status:               r.record.Status(),
			AnswerCount:          len(r.answers),
			CompletionPercentage: r.verdict.CompletionPercentage,
		},
	}
	if len(r.verdict.Warnings) > 0 {
		out.Warnings = r.verdict.Warnings
	}
	return out
}

// storeFailure maps a store fault that survived the executor.
func (r *run) storeFailure(op string, err error) Outcome {
	if store.IsTransient(err) {
		r.log.WithError(err).WithField("op", op).Error("store unreachable")
		out := fail(http.StatusServiceUnavailable, CodeNetwork, "storage is temporarily unavailable").cause(err)
		out.RetrySuggested = true
		out.RetryAfter = r.p.RetryAfter
		return r.stop(out)
	}
	r.log.WithError(err).WithField("op", op).Error("store failure")
	return r.stop(fail(http.StatusInternalServerError, CodeServer, "internal server error").cause(err))
}

func (r *run) stop(out Outcome) Outcome {
	r.log.WithFields(log.Fields{"stage": r.state, "code": out.Code}).Debug("submission stopped")
	return out
}

func (r *run) buildRecord() model.SurveyResponse {
	now := r.p.now().UTC()
	rec := model.SurveyResponse{
		ID:                   r.p.newID(),
		TenantID:             r.id.TenantID,
		QuestionnaireID:      r.q.ID,
		VolunteerID:          r.id.UserID,
		RespondentName:       r.req.RespondentName,
		RespondentEmail:      r.req.RespondentEmail,
		RespondentPhone:      r.req.RespondentPhone,
		RespondentKey:        RespondentKey(r.req.RespondentName, r.req.RespondentEmail, r.req.RespondentPhone),
		PrecinctID:           r.req.PrecinctID,
		IsComplete:           !r.req.Draft(),
		CompletionPercentage: r.verdict.CompletionPercentage,
		StartedAt:            now,
		DeviceInfo:           r.req.Metadata.DeviceInfo,
		Location:             r.req.Metadata.Location,
		RequestID:            r.in.RequestID,
	}
	if r.existing != nil {
		rec.ID = r.existing.ID
	}
	if r.req.Metadata.StartTime != nil {
		rec.StartedAt = r.req.Metadata.StartTime.UTC()
	}
	if rec.IsComplete {
		completed := now
		if r.req.Metadata.CompletionTime != nil {
			completed = r.req.Metadata.CompletionTime.UTC()
		}
		rec.CompletedAt = &completed
	}
	return rec
}

// buildAnswers keeps the answers to questions of the questionnaire, in order.
func (r *run) buildAnswers(responseID string) []model.AnswerRecord {
	known := make(map[string]bool)
	for _, q := range r.q.Questions() {
		known[q.ID] = true
	}

	records := make([]model.AnswerRecord, 0, len(r.req.Answers))
	for _, a := range r.req.Answers {
		if !known[a.QuestionID] {
			continue
		}
		rec := model.AnswerRecord{
			ResponseID: responseID,
			QuestionID: a.QuestionID,
			Text:       a.Text,
			Skipped:    a.Skipped,
		}
		if !a.Skipped {
			rec.Value = a.Value
		}
		records = append(records, rec)
	}
	return records
}

func (r *run) report(out Outcome, started time.Time, elapsed time.Duration) {
	e := telemetry.Event{
		RequestID:       r.in.RequestID,
		Code:            out.Code,
		HTTPStatus:      out.HTTPStatus,
		TenantID:        r.id.TenantID,
		QuestionnaireID: r.req.QuestionnaireID,
		VolunteerID:     r.id.UserID,
		Attempts:        r.attempts,
		IsDraft:         r.req.Draft(),
		Duration:        elapsed,
		Time:            started,
		Err:             out.Err,
	}
	if out.Data != nil {
		e.ResponseID = out.Data.ID
		e.Status = out.Data.Status
		e.AnswerCount = out.Data.AnswerCount
	} else if out.Code == CodePartial {
		e.ResponseID = r.record.ID
	}
	r.p.Sink.Record(e)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration) {}
func (nopObserver) LimiterFailed()                     {}
