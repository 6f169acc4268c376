package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mbolis/field-survey/model"
)

// Store is the Durable Store backed by database/sql. Every query is scoped by
// tenant; callers pass the authenticated tenant, never a client-supplied one.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetProfile(ctx context.Context, userID string) (p model.Profile, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, tenant_id, role, active, full_name, password_hash
		FROM profile
		WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.TenantID, &p.Role, &p.Active, &p.FullName, &p.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, errors.Wrap(err, "select profile")
}

func (s *Store) GetQuestionnaire(ctx context.Context, tenantID, id string) (q model.Questionnaire, err error) {
	var structure string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, version, title, description, active, structure
		FROM questionnaire
		WHERE id = $1
			AND tenant_id = $2`,
		id,
		tenantID,
	).Scan(&q.ID, &q.TenantID, &q.Version, &q.Title, &q.Description, &q.Active, &structure)
	if errors.Is(err, sql.ErrNoRows) {
		return q, ErrNotFound
	}
	if err != nil {
		return q, errors.Wrap(err, "select questionnaire")
	}

	if err = json.Unmarshal([]byte(structure), &q.Sections); err != nil {
		return q, errors.Wrapf(err, "parse questionnaire %s structure", id)
	}
	return q, nil
}

// FindCompleted returns the id of the completed response already recorded for
// the respondent, or ErrNotFound.
func (s *Store) FindCompleted(ctx context.Context, tenantID, questionnaireID, respondentKey string) (id string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM survey_response
		WHERE tenant_id = $1
			AND questionnaire_id = $2
			AND respondent_key = $3
			AND is_complete`,
		tenantID,
		questionnaireID,
		respondentKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, errors.Wrap(err, "select completed response")
}

// CreateResponse inserts the response row. Re-running it with the same id is
// a no-op, so a retry after a lost acknowledgement succeeds.
func (s *Store) CreateResponse(ctx context.Context, r model.SurveyResponse) error {
	device, err := json.Marshal(r.DeviceInfo)
	if err != nil {
		return errors.Wrap(err, "encode device info")
	}
	lat, lng, acc := locationColumns(r.Location)
	now := s.now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO survey_response (
			id, tenant_id, questionnaire_id, volunteer_id,
			respondent_name, respondent_email, respondent_phone, respondent_key,
			precinct_id, is_complete, completion_percentage,
			started_at, completed_at, device_info,
			latitude, longitude, location_accuracy,
			request_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.TenantID, r.QuestionnaireID, r.VolunteerID,
		r.RespondentName, nullString(r.RespondentEmail), nullString(r.RespondentPhone), r.RespondentKey,
		nullString(r.PrecinctID), r.IsComplete, r.CompletionPercentage,
		r.StartedAt.UTC(), nullTime(r.CompletedAt), string(device),
		lat, lng, acc,
		r.RequestID, now, now,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert survey_response")
}

// UpdateDraft overwrites a draft owned by the volunteer. Completed responses
// are never touched: ErrNotFound is returned for them.
func (s *Store) UpdateDraft(ctx context.Context, r model.SurveyResponse) error {
	device, err := json.Marshal(r.DeviceInfo)
	if err != nil {
		return errors.Wrap(err, "encode device info")
	}
	lat, lng, acc := locationColumns(r.Location)

	res, err := s.db.ExecContext(ctx, `
		UPDATE survey_response
		SET
			respondent_name = $1,
			respondent_email = $2,
			respondent_phone = $3,
			respondent_key = $4,
			precinct_id = $5,
			is_complete = $6,
			completion_percentage = $7,
			started_at = $8,
			completed_at = $9,
			device_info = $10,
			latitude = $11,
			longitude = $12,
			location_accuracy = $13,
			request_id = $14,
			updated_at = $15
		WHERE id = $16
			AND tenant_id = $17
			AND volunteer_id = $18
			AND NOT is_complete`,
		r.RespondentName, nullString(r.RespondentEmail), nullString(r.RespondentPhone), r.RespondentKey,
		nullString(r.PrecinctID), r.IsComplete, r.CompletionPercentage,
		r.StartedAt.UTC(), nullTime(r.CompletedAt), string(device),
		lat, lng, acc,
		r.RequestID, s.now().UTC(),
		r.ID, r.TenantID, r.VolunteerID,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.Wrap(err, "update survey_response")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update survey_response.verify")
	}
	if n < 1 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAnswers(ctx context.Context, responseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM answer WHERE response_id = $1`, responseID)
	return errors.Wrap(err, "delete answers")
}

// InsertAnswers writes the batch in one statement. Rows already present are
// kept, so the batch can be retried safely.
func (s *Store) InsertAnswers(ctx context.Context, answers []model.AnswerRecord) error {
	if len(answers) == 0 {
		return nil
	}

	const cols = 6
	var sb strings.Builder
	sb.WriteString(`INSERT INTO answer (response_id, question_id, answer_value, answer_text, skipped, created_at) VALUES `)
	args := make([]any, 0, len(answers)*cols)
	now := s.now().UTC()

	for i, a := range answers {
		value, err := encodeValue(a.Value)
		if err != nil {
			return errors.Wrapf(err, "encode answer %s", a.QuestionID)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, a.ResponseID, a.QuestionID, value, nullString(a.Text), a.Skipped, now)
	}
	sb.WriteString(` ON CONFLICT (response_id, question_id) DO NOTHING`)

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return errors.Wrap(err, "insert answers")
}

const responseColumns = `
	id, tenant_id, questionnaire_id, volunteer_id,
	respondent_name, respondent_email, respondent_phone, respondent_key,
	precinct_id, is_complete, completion_percentage,
	started_at, completed_at, device_info,
	latitude, longitude, location_accuracy,
	request_id, created_at, updated_at`

func (s *Store) GetResponse(ctx context.Context, tenantID, id string) (model.SurveyResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+responseColumns+`
		FROM survey_response
		WHERE id = $1
			AND tenant_id = $2`,
		id,
		tenantID,
	)
	r, err := scanResponse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, errors.Wrap(err, "select survey_response")
	}

	answers, err := s.answersOf(ctx, []string{r.ID})
	if err != nil {
		return r, err
	}
	r.Answers = answers[r.ID]
	return r, nil
}

// ListResponses returns every response of the questionnaire with its answers,
// oldest first. A non-empty volunteerID restricts the list to that volunteer.
func (s *Store) ListResponses(ctx context.Context, tenantID, questionnaireID, volunteerID string) ([]model.SurveyResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseColumns+`
		FROM survey_response
		WHERE tenant_id = $1
			AND questionnaire_id = $2
			AND ($3 = '' OR volunteer_id = $3)
		ORDER BY created_at, id`,
		tenantID,
		questionnaireID,
		volunteerID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select survey_responses")
	}

	responses := []model.SurveyResponse{}
	ids := []string{}
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "select survey_responses.scan")
		}
		responses = append(responses, r)
		ids = append(ids, r.ID)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "select survey_responses")
	}

	answers, err := s.answersOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range responses {
		responses[i].Answers = answers[responses[i].ID]
	}
	return responses, nil
}

// DeleteDraft removes a draft and, by cascade, its answers.
func (s *Store) DeleteDraft(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM survey_response
		WHERE id = $1
			AND tenant_id = $2
			AND NOT is_complete`,
		id,
		tenantID,
	)
	if err != nil {
		return errors.Wrap(err, "delete survey_response")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete survey_response.verify")
	}
	if n < 1 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) answersOf(ctx context.Context, ids []string) (map[string][]model.AnswerRecord, error) {
	out := make(map[string][]model.AnswerRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT response_id, question_id, answer_value, answer_text, skipped
		FROM answer
		WHERE response_id IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY response_id, created_at, question_id`,
		args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select answers")
	}
	defer rows.Close()

	for rows.Next() {
		var a model.AnswerRecord
		var value, text sql.NullString
		if err := rows.Scan(&a.ResponseID, &a.QuestionID, &value, &text, &a.Skipped); err != nil {
			return nil, errors.Wrap(err, "select answers.scan")
		}
		if value.Valid {
			if err := json.Unmarshal([]byte(value.String), &a.Value); err != nil {
				return nil, errors.Wrap(err, "select answers.parse_value")
			}
		}
		a.Text = text.String
		out[a.ResponseID] = append(out[a.ResponseID], a)
	}
	return out, errors.Wrap(rows.Err(), "select answers")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResponse(row scanner) (r model.SurveyResponse, err error) {
	var email, phone, precinct sql.NullString
	var completedAt sql.NullTime
	var device string
	var lat, lng, acc sql.NullFloat64

	err = row.Scan(
		&r.ID, &r.TenantID, &r.QuestionnaireID, &r.VolunteerID,
		&r.RespondentName, &email, &phone, &r.RespondentKey,
		&precinct, &r.IsComplete, &r.CompletionPercentage,
		&r.StartedAt, &completedAt, &device,
		&lat, &lng, &acc,
		&r.RequestID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return
	}

	r.RespondentEmail = email.String
	r.RespondentPhone = phone.String
	r.PrecinctID = precinct.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if lat.Valid && lng.Valid {
		r.Location = &model.Location{Latitude: lat.Float64, Longitude: lng.Float64}
		if acc.Valid {
			a := acc.Float64
			r.Location.Accuracy = &a
		}
	}
	err = json.Unmarshal([]byte(device), &r.DeviceInfo)
	return
}

func encodeValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func locationColumns(loc *model.Location) (lat, lng, acc sql.NullFloat64) {
	if loc == nil {
		return
	}
	lat = sql.NullFloat64{Float64: loc.Latitude, Valid: true}
	lng = sql.NullFloat64{Float64: loc.Longitude, Valid: true}
	if loc.Accuracy != nil {
		acc = sql.NullFloat64{Float64: *loc.Accuracy, Valid: true}
	}
	return
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
