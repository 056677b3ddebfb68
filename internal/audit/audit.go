package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"campanile/notifications/internal/model"
)

type Writer interface {
	InsertAuditRecord(ctx context.Context, rec model.AuditRecord) error
}

// Sink decouples audit inserts from the request path. Records are
// queued and written by a single background goroutine; the caller
// never blocks and never sees a write failure.
type Sink struct {
	writer  Writer
	queue   chan model.AuditRecord
	done    chan struct{}
	timeout time.Duration
}

func NewSink(writer Writer, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Sink{
		writer:  writer,
		queue:   make(chan model.AuditRecord, queueSize),
		done:    make(chan struct{}),
		timeout: 10 * time.Second,
	}
}

func (s *Sink) Start() {
	go func() {
		defer close(s.done)
		for rec := range s.queue {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if err := s.writer.InsertAuditRecord(ctx, rec); err != nil {
				log.Printf("audit write error: %v", err)
			}
			cancel()
		}
	}()
}

// Record queues one entry. A full queue drops the record with a log
// line rather than blocking the caller.
func (s *Sink) Record(rec model.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	select {
	case s.queue <- rec:
	default:
		log.Printf("audit queue full, dropping %s event for %s", rec.EventType, rec.Email)
	}
}

// Close stops accepting records and waits for the queue to drain.
func (s *Sink) Close() {
	close(s.queue)
	<-s.done
}
