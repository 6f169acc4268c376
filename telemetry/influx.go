package telemetry

import (
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/atomic"

	"github.com/mbolis/field-survey/log"
)

const measurement = "submission"

// pointWriter is the subset of api.WriteAPI the sink needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Errors() <-chan error
	Flush()
}

// Influx batches events as points through the client's asynchronous write API.
type Influx struct {
	writer  pointWriter
	stop    func()
	done    chan struct{}
	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	// mu keeps Close from stopping the writer under a Record in progress.
	mu     sync.RWMutex
	closed atomic.Bool
}

func NewInflux(url, token, org, bucket string, timeout time.Duration) *Influx {
	seconds := uint(timeout / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	options := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(seconds).
		SetBatchSize(100).
		SetFlushInterval(1000).
		SetMaxRetries(3).
		SetApplicationName("field-survey")

	client := influxdb2.NewClientWithOptions(url, token, options)
	return newInflux(client.WriteAPI(org, bucket), client.Close)
}

func newInflux(writer pointWriter, stop func()) *Influx {
	s := &Influx{writer: writer, stop: stop, done: make(chan struct{})}

	errs := writer.Errors()
	go func() {
		defer close(s.done)
		for err := range errs {
			s.failed.Inc()
			log.WithField("sink", "influx").WithError(err).Warn("telemetry write failed")
		}
	}()
	return s
}

// Record queues the event as a point. Events recorded after Close are
// counted as dropped.
func (s *Influx) Record(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		s.dropped.Inc()
		return
	}

	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("tenant_id", e.TenantID).
		AddTag("questionnaire_id", e.QuestionnaireID).
		AddTag("code", e.Code).
		AddTag("draft", strconv.FormatBool(e.IsDraft)).
		AddField("request_id", e.RequestID).
		AddField("volunteer_id", e.VolunteerID).
		AddField("http_status", e.HTTPStatus).
		AddField("answer_count", e.AnswerCount).
		AddField("attempts", e.Attempts).
		AddField("duration_ms", e.Duration.Milliseconds()).
		SetTime(e.Time)
	if e.ResponseID != "" {
		p.AddField("response_id", e.ResponseID)
	}

	s.writer.WritePoint(p)
	s.written.Inc()
}

// Stats reports the points handed to the client and the batch failures seen.
func (s *Influx) Stats() (written, failed int64) {
	return s.written.Load(), s.failed.Load()
}

// Dropped reports the events recorded after Close.
func (s *Influx) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes pending points and stops the client. Further calls are no-ops.
func (s *Influx) Close() error {
	s.mu.Lock()
	already := s.closed.Swap(true)
	s.mu.Unlock()
	if already {
		return nil
	}

	s.writer.Flush()
	s.stop()
	<-s.done
	written, failed := s.Stats()
	log.WithFields(log.Fields{"sink": "influx", "written": written, "failed": failed}).Info("telemetry flushed")
	return nil
}
