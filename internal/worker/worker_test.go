package worker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/device"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
)

func newTestWorker(t *testing.T) (*Worker, domain.Repository, *bus.ChannelBus) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "worker-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lruCache := cache.NewLRUCache(100)
	t.Cleanup(func() { lruCache.Close() })

	channelBus := bus.NewChannelBus(100)
	t.Cleanup(func() { channelBus.Close() })

	cfg := domain.DefaultScoringConfig()
	velocity := rules.NewVelocityService(repo, lruCache, cfg)
	geoSvc := geo.NewService(cfg)
	deviceSvc := device.NewService(repo, lruCache, nil, cfg)
	behaviorSvc := behavior.NewService(repo, cfg)

	engine, err := rules.NewEngine(repo, lruCache, geoSvc, velocity, cfg)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	orch := anomaly.NewOrchestrator(repo, channelBus, stats.NewService(cfg), behaviorSvc, velocity, geoSvc, deviceSvc, cfg)
	fraudSvc := fraud.NewService(repo, channelBus, engine, behaviorSvc, deviceSvc, orch, ml.NewService(cfg), cfg)

	return NewWorker(channelBus, fraudSvc), repo, channelBus
}

func TestWorkerScoresIngestedTransaction(t *testing.T) {
	w, repo, channelBus := newTestWorker(t)
	ctx := context.Background()

	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	req := &fraud.Request{
		Transaction: &domain.Transaction{
			ID:        "tx-async-1",
			TenantID:  "tenant-001",
			UserID:    "user-1",
			AccountID: "acct-1",
			Type:      "payment",
			Amount:    120,
			Currency:  "USD",
			Timestamp: time.Now().UTC(),
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := channelBus.Publish(ctx, "tenant-001", domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// The pipeline persists the transaction, so its appearance means the
	// worker picked up and scored the message.
	deadline := time.Now().Add(3 * time.Second)
	var tx *domain.Transaction
	for time.Now().Before(deadline) {
		tx, err = repo.GetTransaction(ctx, "tenant-001", "tx-async-1")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if tx == nil {
		t.Fatal("worker did not process the ingested transaction")
	}
	if tx.UserID != "user-1" {
		t.Fatalf("unexpected transaction persisted: %+v", tx)
	}
}

func TestWorkerIgnoresMalformedMessages(t *testing.T) {
	w, _, channelBus := newTestWorker(t)
	ctx := context.Background()

	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := channelBus.Publish(ctx, "tenant-001", domain.TopicTransactionIngested, []byte("not-json")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := channelBus.Publish(ctx, "tenant-001", domain.TopicTransactionIngested, []byte("{}")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// No panic and the worker stays subscribed.
	time.Sleep(100 * time.Millisecond)
	if got := w.GetStats().SubscriptionCount; got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}
}

func TestWorkerStop(t *testing.T) {
	w, _, _ := newTestWorker(t)

	if err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := w.GetStats().SubscriptionCount; got != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", got)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := w.GetStats().SubscriptionCount; got != 0 {
		t.Fatalf("expected 0 subscriptions after stop, got %d", got)
	}
}
