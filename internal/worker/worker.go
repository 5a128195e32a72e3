// Package worker applies transaction injections delivered over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TriggerBus labels recomputes driven by bus messages.
const TriggerBus = "bus"

// Injector applies a batch of transactions to one bucket.
type Injector interface {
	DatasetID() string
	InjectTransactions(ctx context.Context, bucket int, txs []domain.Transaction, trigger string) (*domain.RecomputeEvent, error)
}

// Worker consumes TopicTransactionInjected for one dataset.
type Worker struct {
	bus      domain.EventBus
	injector Injector
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	processed     int
	failed        int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker creates a worker feeding injector from bus.
func NewWorker(bus domain.EventBus, injector Injector, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		injector: injector,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to injected-transaction messages.
func (w *Worker) Start() error {
	datasetID := w.injector.DatasetID()
	sub, err := w.bus.Subscribe(w.ctx, datasetID, domain.TopicTransactionInjected, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionInjected, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("injection worker started",
		"dataset_id", datasetID,
		"topic", domain.TopicTransactionInjected,
	)
	return nil
}

// handleMessage decodes an InjectionBatch and applies it. Malformed
// payloads are dropped; a retry would fail the same way.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var batch domain.InjectionBatch
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		w.record(false)
		return fmt.Errorf("decode injection batch %s: %w", msg.ID, err)
	}
	if batch.Transactions == nil {
		w.record(false)
		return errors.New("injection batch has no transactions")
	}

	event, err := w.injector.InjectTransactions(ctx, batch.Bucket, batch.Transactions, TriggerBus)
	if err != nil {
		w.record(false)
		w.logger.Error("injection failed",
			"message_id", msg.ID,
			"bucket", batch.Bucket,
			"error", err,
		)
		return err
	}
	w.record(true)

	w.logger.Debug("injection applied",
		"message_id", msg.ID,
		"bucket", event.Bucket,
		"generation", event.Generation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) record(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.processed++
	} else {
		w.failed++
	}
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
			errs = append(errs, err)
		}
	}

	w.logger.Info("injection worker stopped")
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the worker.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int      `json:"processed"`
	Failed            int      `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed,
		Failed:            w.failed,
	}
}
