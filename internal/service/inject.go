package service

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/snapshot"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recompute triggers.
const (
	TriggerAPI = "api"
	TriggerBus = "bus"
)

// InjectTransactions appends txs to bucket t, recomputes that bucket and
// its clusters, raises alerts and publishes the outcome. The batch is
// validated as a whole; nothing is appended if any transaction is invalid.
//
// Persistence and publishing failures are logged, not returned: once the
// bucket is recomputed the in-memory state is authoritative.
func (s *Service) InjectTransactions(ctx context.Context, bucket int, txs []domain.Transaction, trigger string) (*domain.RecomputeEvent, error) {
	ctx, span := s.tracer.Start(ctx, "service.InjectTransactions",
		trace.WithAttributes(
			attribute.String("dataset.id", s.datasetID),
			attribute.Int("bucket", bucket),
			attribute.Int("transactions", len(txs)),
			attribute.String("trigger", trigger),
		),
	)
	defer span.End()

	if len(txs) == 0 {
		return nil, ErrEmptyBatch
	}
	for i, tx := range txs {
		if err := snapshot.ValidateTransaction(tx); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
	}

	start := time.Now()
	s.mu.Lock()
	if err := s.store.CheckBucket(bucket); err != nil {
		s.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for _, tx := range txs {
		if err := s.store.AppendTransaction(bucket, tx); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	br, err := s.store.RecomputeBucket(bucket)
	if err != nil {
		s.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	generation := s.store.Generation(bucket)
	bucketTxs, _ := s.store.BucketTransactions(bucket)
	clusters := graph.DetectClusters(br, bucketTxs, s.clusterThreshold)
	subjects := s.subjects(bucket, br)
	s.mu.Unlock()

	s.metrics.IncrementRecompute(trigger)
	s.metrics.AddInjected(len(txs))

	event := &domain.RecomputeEvent{
		Bucket:     bucket,
		Generation: generation,
		Appended:   len(txs),
		Entities:   br.Len(),
		Clusters:   clusters,
	}

	if s.persistRisk && s.repo != nil {
		if err := s.repo.SaveBucketRisk(ctx, s.datasetID, bucket, generation, br); err != nil {
			s.logger.Error("failed to persist bucket risk", "bucket", bucket, "error", err)
		}
	}

	alerts := s.raiseAlerts(ctx, bucket, subjects)
	event.AlertsRaised = len(alerts)
	span.SetAttributes(attribute.Int("alerts", len(alerts)))

	s.publish(ctx, domain.TopicBucketRecomputed, event)
	for _, a := range alerts {
		s.publish(ctx, domain.TopicAlert, a)
	}

	s.logger.Info("bucket recomputed",
		"dataset_id", s.datasetID,
		"bucket", bucket,
		"generation", generation,
		"appended", len(txs),
		"clusters", len(clusters),
		"alerts", len(alerts),
		"trigger", trigger,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return event, nil
}

// subjects builds rule inputs for every scored entity. Callers hold the lock.
func (s *Service) subjects(bucket int, br *domain.BucketRisk) []rules.Subject {
	out := make([]rules.Subject, 0, br.Len())
	for _, id := range br.Order {
		rec, _ := br.Get(id)
		sub := rules.Subject{EntityID: id, Record: rec}
		if e, ok := s.store.Entity(id); ok {
			sub.Jurisdiction = e.JurisdictionBucket
			sub.KYCLevel = e.KYCLevel
		}
		if act, ok := s.store.Activity(bucket, id); ok {
			sub.TxCount = act.InCount + act.OutCount
		}
		out = append(out, sub)
	}
	return out
}

func (s *Service) raiseAlerts(ctx context.Context, bucket int, subjects []rules.Subject) []*domain.Alert {
	if s.rules == nil {
		return nil
	}
	alerts, err := s.rules.Evaluate(ctx, s.datasetID, bucket, subjects)
	if err != nil {
		s.logger.Warn("alert rule evaluation failed", "bucket", bucket, "error", err)
	}

	for _, a := range alerts {
		s.metrics.IncrementAlert(a.Severity)
		if s.repo == nil {
			continue
		}
		if err := s.repo.SaveAlert(ctx, s.datasetID, a); err != nil {
			s.logger.Error("failed to save alert", "alert_id", a.ID, "rule_id", a.RuleID, "error", err)
		}
	}
	return alerts
}

func (s *Service) publish(ctx context.Context, topic string, v any) {
	if s.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, s.bus, s.datasetID, topic, v); err != nil {
		s.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
