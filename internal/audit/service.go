package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator abstracts event ID generation for tests.
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator implements IDGenerator with random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string { return uuid.NewString() }

// Redactor removes sensitive data from event details before persistence.
type Redactor interface {
	Redact(data map[string]any) map[string]any
}

// DefaultRedactor masks well-known secret-bearing keys, recursing into
// nested maps.
type DefaultRedactor struct {
	sensitiveKeys []string
}

func NewDefaultRedactor() *DefaultRedactor {
	return &DefaultRedactor{
		sensitiveKeys: []string{
			"password", "secret", "token", "apiKey", "signingKey",
			"authorization", "cookie", "session",
		},
	}
}

func (r *DefaultRedactor) Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	redacted := make(map[string]any, len(data))
	for k, v := range data {
		sensitive := false
		for _, key := range r.sensitiveKeys {
			if k == key {
				sensitive = true
				break
			}
		}

		switch {
		case sensitive:
			redacted[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				redacted[k] = r.Redact(nested)
			} else {
				redacted[k] = v
			}
		}
	}
	return redacted
}

// ServiceOptions configures a Service. Zero values select working defaults.
type ServiceOptions struct {
	Clock     Clock
	IDGen     IDGenerator
	Redactor  Redactor
	QueueSize int
	Logger    zerolog.Logger
}

// Service queues events and writes them to the sink from a background
// worker so recording never blocks the caller. The queue drops events when
// full; audit must degrade before it backpressures the control loop.
type Service struct {
	sink     Sink
	clock    Clock
	idgen    IDGenerator
	redactor Redactor
	log      zerolog.Logger

	queue  chan Event
	stopCh chan struct{}
	done   chan struct{}
	closed int32
}

func NewService(sink Sink, opts ServiceOptions) *Service {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.IDGen == nil {
		opts.IDGen = UUIDGenerator{}
	}
	if opts.Redactor == nil {
		opts.Redactor = NewDefaultRedactor()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	s := &Service{
		sink:     sink,
		clock:    opts.Clock,
		idgen:    opts.IDGen,
		redactor: opts.Redactor,
		log:      opts.Logger,
		queue:    make(chan Event, opts.QueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go s.worker()

	return s
}

func (s *Service) worker() {
	defer close(s.done)
	for {
		select {
		case event := <-s.queue:
			s.write(event)
		case <-s.stopCh:
			// Drain remaining events before stopping.
			for {
				select {
				case event := <-s.queue:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Append(ctx, event); err != nil {
		s.log.Error().Err(err).Str("kind", event.Kind).Str("resource", event.Resource).
			Msg("audit append failed")
	}
}

// Log queues an event for asynchronous persistence, stamping ID and
// timestamp when absent and redacting the detail map. A full queue drops
// the event with a log line rather than blocking.
func (s *Service) Log(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}
	if event.ID == "" {
		event.ID = s.idgen.Generate()
	}
	if event.Actor == "" {
		event.Actor = ActorSystem
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	if event.Detail != nil {
		event.Detail = s.redactor.Redact(event.Detail)
	}

	select {
	case s.queue <- event:
	default:
		s.log.Warn().Str("kind", event.Kind).Str("resource", event.Resource).
			Msg("audit queue full, dropping event")
	}
}

// Query reads from the sink directly; the read path does not go through
// the queue, so very recent events may still be in flight.
func (s *Service) Query(ctx context.Context, f Filter) ([]Event, error) {
	return s.sink.Query(ctx, f)
}

// Close stops the worker after draining queued events. Safe to call more
// than once; later calls are no-ops.
func (s *Service) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.stopCh)
	<-s.done
	return nil
}
