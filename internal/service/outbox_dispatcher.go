package service

import (
	"context"
	"errors"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"fraud_engine/pkg/crypto"
	"fraud_engine/pkg/metrics"
	"log/slog"
	"sync"
	"time"
)

const (
	DropReasonDisabled  = "disabled"
	DropReasonInvalid   = "invalid"
	DropReasonQueueFull = "queue_full"
	DropReasonShutdown  = "shutdown"

	drainBurst          = 64
	defaultQueueSize    = 10000
	defaultPollInterval = 500 * time.Millisecond
	persistTimeout      = 5 * time.Second
)

type OutboxConfig struct {
	QueueSize    int
	PollInterval time.Duration
}

// OutboxDispatcher hands decision events to a single background writer.
// Enqueueing never blocks the request path: when the queue is full the
// event is dropped and counted.
type OutboxDispatcher struct {
	store        repository.OutboxStore
	signer       *crypto.Signer
	metrics      *metrics.MetricsCollector
	queue        chan *domain.OutboxEvent
	pollInterval time.Duration
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	logger       *slog.Logger

	// mu orders enqueues against Shutdown so no event lands after the final flush.
	mu     sync.RWMutex
	closed bool
}

// NewOutboxDispatcher starts the writer. A nil store disables the outbox and
// every enqueue is dropped as disabled.
func NewOutboxDispatcher(
	store repository.OutboxStore,
	signer *crypto.Signer,
	metrics *metrics.MetricsCollector,
	cfg OutboxConfig,
	logger *slog.Logger,
) *OutboxDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	d := &OutboxDispatcher{
		store:        store,
		signer:       signer,
		metrics:      metrics,
		queue:        make(chan *domain.OutboxEvent, cfg.QueueSize),
		pollInterval: cfg.PollInterval,
		shutdownChan: make(chan struct{}),
		logger:       logger,
	}

	if store != nil {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// EnqueueAuth records the evaluation for asynchronous persistence and reports
// whether the event was accepted.
func (d *OutboxDispatcher) EnqueueAuth(tx *domain.Transaction, decision *domain.Decision) bool {
	if d.store == nil {
		d.drop(DropReasonDisabled, decision)
		return false
	}
	if tx == nil || decision == nil || decision.DecisionID == "" {
		d.drop(DropReasonInvalid, decision)
		return false
	}

	event := domain.NewOutboxEvent(tx, decision)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(DropReasonShutdown, decision)
		return false
	}

	select {
	case d.queue <- event:
		d.metrics.RecordOutboxEnqueued(len(d.queue))
		return true
	default:
		d.drop(DropReasonQueueFull, decision)
		return false
	}
}

func (d *OutboxDispatcher) Pending() int {
	return len(d.queue)
}

func (d *OutboxDispatcher) drop(reason string, decision *domain.Decision) {
	d.metrics.RecordOutboxDropped(reason)

	attrs := []any{slog.String("reason", reason)}
	if decision != nil {
		attrs = append(attrs, slog.String("decision_id", decision.DecisionID))
	}
	if reason == DropReasonDisabled {
		d.logger.Debug("Outbox event dropped", attrs...)
		return
	}
	d.logger.Warn("Outbox event dropped", attrs...)
}

func (d *OutboxDispatcher) worker() {
	defer d.wg.Done()

	d.logger.Info("Outbox worker started", slog.Duration("poll_interval", d.pollInterval))

	var pending *domain.OutboxEvent
	for {
		if pending == nil {
			select {
			case pending = <-d.queue:
			case <-d.shutdownChan:
				d.flush()
				d.logger.Info("Outbox worker stopping")
				return
			}
		}

		pending = d.persistBurst(pending)
		if pending == nil {
			continue
		}

		select {
		case <-time.After(d.pollInterval):
		case <-d.shutdownChan:
			if pending = d.persistBurst(pending); pending != nil {
				d.drop(DropReasonShutdown, pending.Decision)
			}
			d.flush()
			d.logger.Info("Outbox worker stopping")
			return
		}
	}
}

// persistBurst writes first and then up to drainBurst-1 queued events without
// waiting. It returns the event that failed to persist, if any.
func (d *OutboxDispatcher) persistBurst(first *domain.OutboxEvent) *domain.OutboxEvent {
	event := first
	for i := 0; ; i++ {
		if !d.persist(event) {
			return event
		}
		if i == drainBurst-1 {
			return nil
		}
		select {
		case event = <-d.queue:
		default:
			return nil
		}
	}
}

// flush makes one last pass over whatever is still queued.
func (d *OutboxDispatcher) flush() {
	for {
		select {
		case event := <-d.queue:
			if !d.persist(event) {
				d.drop(DropReasonShutdown, event.Decision)
			}
		default:
			return
		}
	}
}

func (d *OutboxDispatcher) persist(event *domain.OutboxEvent) bool {
	startTime := time.Now()

	if d.signer != nil && event.Signature == "" {
		if err := d.signer.SignEvent(event); err != nil {
			d.logger.Error("Failed to sign outbox event",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()))
			d.drop(DropReasonInvalid, event.Decision)
			return true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := d.store.Append(ctx, event)
	if errors.Is(err, repository.ErrDuplicate) {
		return true
	}
	if err != nil {
		d.metrics.RecordOutboxPersistFailure()
		d.logger.Error("Failed to persist outbox event",
			slog.String("event_id", event.EventID),
			slog.String("decision_id", event.Decision.DecisionID),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(startTime)))
		return false
	}

	d.metrics.RecordOutboxPersisted(len(d.queue))
	d.logger.Debug("Outbox event persisted",
		slog.String("event_id", event.EventID),
		slog.String("decision_id", event.Decision.DecisionID),
		slog.Duration("duration", time.Since(startTime)))
	return true
}

// Shutdown stops accepting events, flushes the queue and waits for the
// worker. It is safe to call more than once.
func (d *OutboxDispatcher) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.shutdownChan)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Outbox dispatcher shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
