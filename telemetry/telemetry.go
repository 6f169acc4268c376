// Package telemetry reports submission outcomes. Sinks are fire-and-forget:
// recording never blocks on the network and never fails a submission.
package telemetry

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mbolis/field-survey/log"
)

// Event describes the outcome of one submission attempt.
type Event struct {
	RequestID       string
	Code            string
	HTTPStatus      int
	Status          string
	TenantID        string
	QuestionnaireID string
	VolunteerID     string
	ResponseID      string
	AnswerCount     int
	Attempts        int
	IsDraft         bool
	Duration        time.Duration
	Time            time.Time
	Err             error
}

type Sink interface {
	Record(e Event)
	Close() error
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(e Event) {
	for _, s := range m {
		s.Record(e)
	}
}

func (m Multi) Close() error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type Nop struct{}

func (Nop) Record(Event) {}
func (Nop) Close() error { return nil }

// Log writes one structured line per event.
type Log struct{}

func (Log) Record(e Event) {
	entry := log.WithFields(log.Fields{
		"request_id":       e.RequestID,
		"code":             e.Code,
		"http_status":      e.HTTPStatus,
		"tenant_id":        e.TenantID,
		"questionnaire_id": e.QuestionnaireID,
		"volunteer_id":     e.VolunteerID,
		"answers":          e.AnswerCount,
		"attempts":         e.Attempts,
		"duration_ms":      e.Duration.Milliseconds(),
	})
	if e.ResponseID != "" {
		entry = entry.WithField("response_id", e.ResponseID)
	}
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}

	switch {
	case e.HTTPStatus >= 500:
		entry.Error("submission failed")
	case e.HTTPStatus >= 400:
		entry.Info("submission rejected")
	default:
		entry.Info("submission stored")
	}
}

func (Log) Close() error { return nil }
