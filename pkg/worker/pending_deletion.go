package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/internal/repository"
	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
	"github.com/jwalitptl/clinic-liquidation/pkg/metrics"
)

type PendingDeletionConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// RecordDeleter removes settled records from the record store.
type RecordDeleter interface {
	DeleteRecords(ctx context.Context, creds model.Credentials, siteID string, ids []string) error
}

// PendingDeletionProcessor drains the pending deletion queue, retrying each
// batch with exponential backoff. Batches that still fail are requeued until
// MaxAttempts is reached.
type PendingDeletionProcessor struct {
	queue   repository.PendingDeletionQueue
	store   RecordDeleter
	creds   model.Credentials
	config  PendingDeletionConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewPendingDeletionProcessor(
	queue repository.PendingDeletionQueue,
	store RecordDeleter,
	creds model.Credentials,
	config PendingDeletionConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *PendingDeletionProcessor {
	// Config validation instead of defaults
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.MaxAttempts <= 0 {
		panic("MaxAttempts must be greater than 0")
	}
	if config.InitialInterval <= 0 {
		panic("InitialInterval must be greater than 0")
	}
	if config.MaxElapsedTime <= 0 {
		panic("MaxElapsedTime must be greater than 0")
	}

	return &PendingDeletionProcessor{
		queue:   queue,
		store:   store,
		creds:   creds,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

func (p *PendingDeletionProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting pending deletion processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down pending deletion processor")
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				p.logger.Error(err, "Failed to process pending deletions")
			}
		}
	}
}

// ProcessBatch handles up to BatchSize queued deletions and reports how
// many were completed.
func (p *PendingDeletionProcessor) ProcessBatch(ctx context.Context) (int, error) {
	var retry []*model.PendingDeletion
	done := 0
	for i := 0; i < p.config.BatchSize; i++ {
		item, err := p.queue.Pop(ctx)
		if err != nil {
			p.requeue(ctx, retry)
			return done, fmt.Errorf("failed to pop pending deletion: %w", err)
		}
		if item == nil {
			break
		}
		if err := p.process(ctx, item); err != nil {
			if next := p.failed(item, err); next != nil {
				retry = append(retry, next)
			}
			continue
		}
		done++
	}
	p.requeue(ctx, retry)
	return done, nil
}

func (p *PendingDeletionProcessor) process(ctx context.Context, item *model.PendingDeletion) error {
	timer := prometheus.NewTimer(p.metrics.PendingDeletionLatency)
	defer timer.ObserveDuration()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.InitialInterval
	b.MaxElapsedTime = p.config.MaxElapsedTime

	op := func() error {
		err := p.store.DeleteRecords(ctx, p.creds, item.SiteID, item.RecordIDs)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil
		case errors.Is(err, repository.ErrRejected):
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}

	p.metrics.PendingDeletionsProcessed.Inc()
	p.logger.Info("Deleted settled records",
		"settlement_id", item.SettlementID.String(),
		"site", item.SiteID,
		"records", len(item.RecordIDs))
	return nil
}

// failed records a failed attempt and returns the item to requeue, or nil
// when it has exhausted its attempts.
func (p *PendingDeletionProcessor) failed(item *model.PendingDeletion, err error) *model.PendingDeletion {
	p.metrics.PendingDeletionsFailed.Inc()
	item.Attempts++
	if item.Attempts >= p.config.MaxAttempts || errors.Is(err, repository.ErrRejected) {
		p.metrics.PendingDeletionsDropped.Inc()
		p.logger.Error(err, "Giving up on settled record deletion",
			"settlement_id", item.SettlementID.String(),
			"site", item.SiteID,
			"record_ids", item.RecordIDs,
			"attempts", item.Attempts)
		return nil
	}
	p.logger.Warn("Settled record deletion failed, will retry",
		"settlement_id", item.SettlementID.String(),
		"attempts", item.Attempts,
		"error", err.Error())
	return item
}

func (p *PendingDeletionProcessor) requeue(ctx context.Context, items []*model.PendingDeletion) {
	for _, item := range items {
		if err := p.queue.Push(ctx, item); err != nil {
			p.logger.Error(err, "Failed to requeue pending deletion",
				"settlement_id", item.SettlementID.String(),
				"record_ids", item.RecordIDs)
		}
	}
}
