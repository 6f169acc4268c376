package model

import "time"

// Questionnaire is the read model of a survey form owned by a tenant.
// The pipeline never mutates it.
type Questionnaire struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"-"`
	Version     int       `json:"version"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	Sections    []Section `json:"sections"`
}

type Section struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

type Question struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Label      string     `json:"label"`
	Required   bool       `json:"required"`
	Options    []string   `json:"options,omitempty"`
	AllowOther bool       `json:"allow_other,omitempty"`
	Rules      Rules      `json:"validation,omitempty"`
	ShowIf     *Condition `json:"show_if,omitempty"`
}

// Rules holds the optional format constraints of a question.
type Rules struct {
	MinLength     *int     `json:"min_length,omitempty"`
	MaxLength     *int     `json:"max_length,omitempty"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
	MinSelections *int     `json:"min_selections,omitempty"`
	MaxSelections *int     `json:"max_selections,omitempty"`
}

// Condition is a conditional-visibility rule. Either QuestionID/Operator/Value
// form a leaf comparison, or All/Any combine nested conditions.
type Condition struct {
	QuestionID string      `json:"question_id,omitempty"`
	Operator   string      `json:"operator,omitempty"`
	Value      any         `json:"value,omitempty"`
	All        []Condition `json:"all,omitempty"`
	Any        []Condition `json:"any,omitempty"`
}

// Questions returns every question of every section, in form order.
func (q Questionnaire) Questions() []Question {
	var out []Question
	for _, s := range q.Sections {
		out = append(out, s.Questions...)
	}
	return out
}

const (
	QuestionText     = "text"
	QuestionTextarea = "textarea"
	QuestionEmail    = "email"
	QuestionPhone    = "phone"
	QuestionNumber   = "number"
	QuestionScale    = "scale"
	QuestionRadio    = "radio"
	QuestionSelect   = "select"
	QuestionCheckbox = "checkbox"
	QuestionYesNo    = "yes_no"
	QuestionDate     = "date"
)

// SubmissionRequest is the body of POST /api/responses.
type SubmissionRequest struct {
	ResponseID      string   `json:"response_id,omitempty"`
	QuestionnaireID string   `json:"questionnaire_id" validate:"required"`
	Answers         []Answer `json:"answers" validate:"dive"`
	Metadata        Metadata `json:"metadata"`
	IsDraft         *bool    `json:"is_draft" validate:"required"`
	RespondentName  string   `json:"respondent_name" validate:"required"`
	RespondentEmail string   `json:"respondent_email,omitempty" validate:"omitempty,email"`
	RespondentPhone string   `json:"respondent_phone,omitempty" validate:"omitempty,us_phone"`
	PrecinctID      string   `json:"precinct_id,omitempty"`
}

func (s SubmissionRequest) Draft() bool {
	return s.IsDraft != nil && *s.IsDraft
}

type Answer struct {
	QuestionID string `json:"question_id" validate:"required"`
	Value      any    `json:"answer_value"`
	Text       string `json:"answer_text,omitempty"`
	Skipped    bool   `json:"skipped"`
}

type Metadata struct {
	StartTime      *time.Time `json:"start_time" validate:"required"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
	DeviceInfo     DeviceInfo `json:"device_info"`
	Location       *Location  `json:"location,omitempty"`
}

type DeviceInfo struct {
	UserAgent      string `json:"user_agent"`
	ScreenSize     string `json:"screen_size"`
	ConnectionType string `json:"connection_type,omitempty"`
	Platform       string `json:"platform,omitempty"`
}

type Location struct {
	Latitude  float64  `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64  `json:"longitude" validate:"min=-180,max=180"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,min=0"`
}

// Verdict is the outcome of validating one submission.
type Verdict struct {
	IsValid              bool                `json:"isValid"`
	Errors               map[string][]string `json:"errors"`
	Warnings             map[string][]string `json:"warnings"`
	CompletionPercentage int                 `json:"completionPercentage"`
}

const (
	StatusDraft     = "draft"
	StatusCompleted = "completed"
)

// SurveyResponse is the persisted aggregate of one submission.
type SurveyResponse struct {
	ID                   string         `json:"id"`
	TenantID             string         `json:"-"`
	QuestionnaireID      string         `json:"questionnaire_id"`
	VolunteerID          string         `json:"volunteer_id"`
	RespondentName       string         `json:"respondent_name"`
	RespondentEmail      string         `json:"respondent_email,omitempty"`
	RespondentPhone      string         `json:"respondent_phone,omitempty"`
	RespondentKey        string         `json:"-"`
	PrecinctID           string         `json:"precinct_id,omitempty"`
	IsComplete           bool           `json:"is_complete"`
	CompletionPercentage int            `json:"completion_percentage"`
	StartedAt            time.Time      `json:"started_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	DeviceInfo           DeviceInfo     `json:"device_info"`
	Location             *Location      `json:"location,omitempty"`
	RequestID            string         `json:"-"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	Answers              []AnswerRecord `json:"answers,omitempty"`
}

func (r SurveyResponse) Status() string {
	if r.IsComplete {
		return StatusCompleted
	}
	return StatusDraft
}

// AnswerRecord is one persisted answer, owned by its SurveyResponse.
type AnswerRecord struct {
	ResponseID string `json:"-"`
	QuestionID string `json:"question_id"`
	Value      any    `json:"answer_value"`
	Text       string `json:"answer_text,omitempty"`
	Skipped    bool   `json:"skipped"`
}

const (
	RoleVolunteer = "volunteer"
	RoleManager   = "manager"
	RoleAdmin     = "admin"
	RoleAnalyst   = "analyst"
)

// Identity is what the identity provider vouches for about a caller.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
	Active   bool
}

func (id Identity) CanSubmit() bool {
	switch id.Role {
	case RoleVolunteer, RoleManager, RoleAdmin:
		return true
	}
	return false
}

func (id Identity) CanReadAll() bool {
	switch id.Role {
	case RoleManager, RoleAdmin, RoleAnalyst:
		return true
	}
	return false
}

// Profile is the stored user record backing an Identity.
type Profile struct {
	UserID       string
	TenantID     string
	Role         string
	Active       bool
	FullName     string
	PasswordHash []byte
}
