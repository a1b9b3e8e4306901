// Package worker provides async scoring of ingested transactions for the
// Pro tier: events on the transaction-ingested topic are driven through the
// full fraud pipeline without an HTTP round trip.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
)

// Worker processes ingested transactions asynchronously from the EventBus.
type Worker struct {
	bus   domain.EventBus
	fraud *fraud.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global).
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, fraudSvc *fraud.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		fraud:  fraudSvc,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (dev setups).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processMessage(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processMessage(ctx, msg.TenantID, msg)
}

// processMessage scores one ingested transaction through the full pipeline.
// The payload is a fraud.Request; the envelope tenant wins over the body.
func (w *Worker) processMessage(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req fraud.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse ingest message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.Transaction == nil {
		slog.Error("ingest message without transaction", "message_id", msg.ID)
		return nil
	}
	if tenantID != "" && tenantID != "_global" {
		req.Transaction.TenantID = tenantID
	}

	score, err := w.fraud.AnalyzeTransaction(ctx, &req)
	if err != nil {
		slog.Error("async scoring failed",
			"tx_id", req.Transaction.ID,
			"tenant_id", req.Transaction.TenantID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction scored",
		"tx_id", req.Transaction.ID,
		"tenant_id", req.Transaction.TenantID,
		"score", score.TotalScore,
		"decision", score.Decision,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
