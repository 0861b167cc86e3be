package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Log writes events and audit records to a zap logger.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, e Event) {
	l.log.Info("event",
		zap.String("kind", string(e.Kind)),
		zap.String("ticket_id", e.TicketID),
		zap.String("actor_id", e.ActorID),
		zap.String("from", string(e.From)),
		zap.String("to", string(e.To)))
}

func (l *Log) Record(_ context.Context, r AuditRecord) {
	fields := []zap.Field{
		zap.String("kind", string(r.Kind)),
		zap.String("ticket_id", r.TicketID),
		zap.String("buyer_id", r.BuyerID),
		zap.String("seller_id", r.SellerID),
		zap.String("item_value", r.ItemValue.String()),
		zap.String("fee", r.Fee.String()),
		zap.String("fee_payer", string(r.FeePayer)),
		zap.String("amount", r.Amount.String()),
		zap.Int("attempt", r.Attempt),
	}
	if r.Reference != "" {
		fields = append(fields, zap.String("reference", r.Reference))
	}
	if r.Error != "" {
		fields = append(fields, zap.String("error", r.Error), zap.Bool("ambiguous", r.Ambiguous))
	}
	if r.Kind == AuditManualIntervention {
		l.log.Error("audit: manual intervention required", fields...)
		return
	}
	l.log.Info("audit", fields...)
}

// Fanout delivers to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, e Event) {
	for _, n := range f {
		n.Notify(ctx, e)
	}
}

// FanoutAudit delivers to every audit sink in order.
type FanoutAudit []AuditSink

func (f FanoutAudit) Record(ctx context.Context, r AuditRecord) {
	for _, s := range f {
		s.Record(ctx, r)
	}
}

// Async hands deliveries to a single worker goroutine so a slow sink never holds up the
// caller. The worker drains one FIFO queue, so sinks see events in the order they were
// emitted. Deliveries are dropped with a warning when the queue is full.
type Async struct {
	notifier Notifier
	audit    AuditSink
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan func(ctx context.Context)
	done   chan struct{}
}

// asyncQueueSize bounds deliveries waiting for the worker.
const asyncQueueSize = 1024

// NewAsync wraps n and a and starts the worker. Either may be nil. Close stops the worker.
func NewAsync(n Notifier, a AuditSink, timeout time.Duration, log *zap.Logger) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	async := &Async{
		notifier: n,
		audit:    a,
		timeout:  timeout,
		log:      log,
		queue:    make(chan func(ctx context.Context), asyncQueueSize),
		done:     make(chan struct{}),
	}
	go async.run()
	return async
}

func (a *Async) Notify(_ context.Context, e Event) {
	if a.notifier == nil {
		return
	}
	a.enqueue(string(e.Kind), e.TicketID, func(ctx context.Context) { a.notifier.Notify(ctx, e) })
}

func (a *Async) Record(_ context.Context, r AuditRecord) {
	if a.audit == nil {
		return
	}
	a.enqueue(string(r.Kind), r.TicketID, func(ctx context.Context) { a.audit.Record(ctx, r) })
}

func (a *Async) enqueue(kind, ticketID string, deliver func(ctx context.Context)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Warn("events: delivery after close dropped",
			zap.String("kind", kind),
			zap.String("ticket_id", ticketID))
		return
	}
	select {
	case a.queue <- deliver:
	default:
		a.log.Warn("events: delivery queue full, dropped",
			zap.String("kind", kind),
			zap.String("ticket_id", ticketID))
	}
}

func (a *Async) run() {
	defer close(a.done)
	for deliver := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		deliver(ctx)
		cancel()
	}
}

// Close stops accepting deliveries and waits for the queued ones to finish or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorder keeps everything it receives. Tests use it as a sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	audits []AuditRecord
}

func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Record(_ context.Context, a AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, a)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Audits() []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditRecord(nil), r.audits...)
}

// Kinds lists the received event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
