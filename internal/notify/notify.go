// Package notify fans alert notifications out to delivery channels.
//
// The Router owns a bounded queue and a single delivery worker so callers
// (trigger engine, action dispatcher, API handlers) never block on channel
// latency. The router's contract is fire and forget: delivery guarantees
// belong to the individual Channel implementations.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind identifies a delivery channel family.
type Kind string

const (
	KindEmail     Kind = "email"
	KindChat      Kind = "chat"
	KindSMS       Kind = "sms"
	KindWebhook   Kind = "webhook"
	KindDashboard Kind = "dashboard"
)

var validKinds = map[Kind]struct{}{
	KindEmail:     {},
	KindChat:      {},
	KindSMS:       {},
	KindWebhook:   {},
	KindDashboard: {},
}

// ParseKind validates a channel kind from configuration or an API request.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := validKinds[k]; !ok {
		return "", fmt.Errorf("unknown notification channel %q", s)
	}
	return k, nil
}

// Severity grades how urgently a notification should be treated.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one outbound message. Subject and Body carry the rendered
// text; Template and Context let channels that render their own templates
// (chat cards, email layouts) rebuild the message from structured data.
type Notification struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Severity   Severity       `json:"severity"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Template   string         `json:"template,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Channel delivers notifications of one kind.
type Channel interface {
	Kind() Kind
	Send(ctx context.Context, n Notification) error
}

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 15 * time.Second
)

// RouterOptions configures a Router. Zero values get defaults.
type RouterOptions struct {
	// QueueSize bounds the delivery queue. Notifications arriving while the
	// queue is full are dropped with a warning.
	QueueSize int

	// SendTimeout bounds a single channel delivery, including any retries
	// the channel performs internally.
	SendTimeout time.Duration

	Logger zerolog.Logger
}

// Router dispatches notifications to the channel registered for their kind.
type Router struct {
	channels map[Kind]Channel
	timeout  time.Duration
	log      zerolog.Logger

	queue  chan Notification
	stopCh chan struct{}
	done   chan struct{}
	closed int32
}

// NewRouter builds a router over the given channels and starts its delivery
// worker. Registering two channels of the same kind keeps the last one.
func NewRouter(opts RouterOptions, channels ...Channel) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	r := &Router{
		channels: make(map[Kind]Channel, len(channels)),
		timeout:  opts.SendTimeout,
		log:      opts.Logger,
		queue:    make(chan Notification, opts.QueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		r.channels[ch.Kind()] = ch
	}

	go r.worker()
	return r
}

// Kinds lists the registered channel kinds in stable order.
func (r *Router) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.channels))
	for k := range r.channels {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Notify queues n for delivery on the channel matching its kind. It never
// blocks: when the queue is full the notification is dropped and logged.
func (r *Router) Notify(n Notification) {
	if n.Kind == "" {
		r.log.Warn().Str("subject", n.Subject).Msg("notification has no channel kind, dropping")
		return
	}
	r.enqueue(r.stamp(n))
}

// Broadcast queues a copy of n for every registered channel. All copies share
// one notification ID so deliveries can be correlated across channels.
func (r *Router) Broadcast(n Notification) {
	n = r.stamp(n)
	for _, kind := range r.Kinds() {
		dup := n
		dup.Kind = kind
		r.enqueue(dup)
	}
}

func (r *Router) stamp(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n
}

func (r *Router) enqueue(n Notification) {
	select {
	case r.queue <- n:
	default:
		r.log.Warn().
			Str("notification_id", n.ID).
			Str("kind", string(n.Kind)).
			Str("subject", n.Subject).
			Msg("notification queue full, dropping")
	}
}

func (r *Router) worker() {
	defer close(r.done)
	for {
		select {
		case n := <-r.queue:
			r.deliver(n)
		case <-r.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case n := <-r.queue:
					r.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) deliver(n Notification) {
	ch, ok := r.channels[n.Kind]
	if !ok {
		r.log.Warn().
			Str("notification_id", n.ID).
			Str("kind", string(n.Kind)).
			Msg("no channel registered for kind, dropping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := ch.Send(ctx, n); err != nil {
		r.log.Warn().
			Err(err).
			Str("notification_id", n.ID).
			Str("kind", string(n.Kind)).
			Str("subject", n.Subject).
			Msg("notification delivery failed")
		return
	}
	r.log.Debug().
		Str("notification_id", n.ID).
		Str("kind", string(n.Kind)).
		Msg("notification delivered")
}

// Close stops the worker after draining queued notifications. It is safe to
// call multiple times.
func (r *Router) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	close(r.stopCh)
	<-r.done
	return nil
}
