package rules

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestVelocity(t *testing.T) (*VelocityService, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "velocity-test-*.db")
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

	return NewVelocityService(repo, lruCache, domain.DefaultScoringConfig()), repo
}

func seedTransactions(t *testing.T, repo domain.Repository, userID string, n int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		tx := &domain.Transaction{
			ID:         fmt.Sprintf("tx-%s-%d", userID, i),
			UserID:     userID,
			AccountID:  "acc-001",
			Type:       "transfer",
			Amount:     100,
			Currency:   "USD",
			Status:     domain.TxStatusCompleted,
			DeviceHash: "device-shared",
			IPAddress:  "203.0.113.50",
			Timestamp:  now.Add(-time.Duration(i) * time.Second),
			CreatedAt:  now,
		}
		if err := repo.SaveTransaction(ctx, "tenant-001", tx); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}
	}
}

func TestCountInWindow(t *testing.T) {
	svc, repo := newTestVelocity(t)
	ctx := context.Background()

	t.Run("EmptyDatabase", func(t *testing.T) {
		count, err := svc.CountInWindow(ctx, "tenant-001", "user-001", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0, got %d", count)
		}
	})

	t.Run("WithTransactions", func(t *testing.T) {
		seedTransactions(t, repo, "user-002", 5)

		count, err := svc.CountInWindow(ctx, "tenant-001", "user-002", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}
	})

	t.Run("CountIsCached", func(t *testing.T) {
		// More transactions arrive; the cached count stays until the TTL.
		seedTransactions(t, repo, "user-003", 2)
		count, _ := svc.CountInWindow(ctx, "tenant-001", "user-003", time.Hour)
		if count != 2 {
			t.Fatalf("expected count 2, got %d", count)
		}

		extra := &domain.Transaction{
			ID:        "tx-late",
			UserID:    "user-003",
			AccountID: "acc-001",
			Type:      "transfer",
			Amount:    100,
			Currency:  "USD",
			Status:    domain.TxStatusCompleted,
			Timestamp: time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.SaveTransaction(ctx, "tenant-001", extra); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}

		count, _ = svc.CountInWindow(ctx, "tenant-001", "user-003", time.Hour)
		if count != 2 {
			t.Errorf("expected cached count 2, got %d", count)
		}
	})

	t.Run("RequiresTenantAndUser", func(t *testing.T) {
		if _, err := svc.CountInWindow(ctx, "", "user-001", time.Hour); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := svc.CountInWindow(ctx, "tenant-001", "", time.Hour); err == nil {
			t.Error("expected error for empty userID")
		}
	})
}

func TestEvaluateSlidingWindows(t *testing.T) {
	svc, repo := newTestVelocity(t)
	ctx := context.Background()

	seedTransactions(t, repo, "user-001", 8)

	tc := &domain.TransactionContext{
		TenantID:    "tenant-001",
		UserID:      "user-001",
		DailyVolume: 24000,
	}

	results, err := svc.EvaluateSlidingWindows(ctx, tc)
	if err != nil {
		t.Fatalf("EvaluateSlidingWindows failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(results))
	}

	byLabel := make(map[string]domain.WindowResult)
	for _, r := range results {
		byLabel[r.Label] = r
	}

	// 5m window: 8 transactions against max 5 exceeds on count.
	fiveMin, ok := byLabel["5m"]
	if !ok {
		t.Fatal("expected 5m window")
	}
	if !fiveMin.Exceeded {
		t.Error("expected 5m window to be exceeded")
	}
	if fiveMin.Count != 8 {
		t.Errorf("expected count 8, got %d", fiveMin.Count)
	}
	// count ratio 8/5 = 1.6 dominates volume ratio (24000*5/1440)/10000
	if fiveMin.ExceedRatio != 1.6 {
		t.Errorf("expected exceed ratio 1.6, got %f", fiveMin.ExceedRatio)
	}

	// 24h window: 8 against max 100, volume 24000 against 200000.
	day, ok := byLabel["24h"]
	if !ok {
		t.Fatal("expected 24h window")
	}
	if day.Exceeded {
		t.Error("expected 24h window within bounds")
	}
	if day.Volume != 24000 {
		t.Errorf("expected pro-rated volume 24000, got %f", day.Volume)
	}
}

func TestDetectBurst(t *testing.T) {
	svc, _ := newTestVelocity(t)

	t.Run("NoBaseline", func(t *testing.T) {
		tc := &domain.TransactionContext{
			TenantID:    "tenant-001",
			UserID:      "user-001",
			HourlyCount: 50,
		}
		result := svc.DetectBurst(tc)
		if result.Detected {
			t.Error("expected no burst without baseline")
		}
		if result.Reason != "no_baseline" {
			t.Errorf("expected no_baseline reason, got %s", result.Reason)
		}
	})

	t.Run("Burst", func(t *testing.T) {
		tc := &domain.TransactionContext{
			TenantID:    "tenant-001",
			UserID:      "user-001",
			HourlyCount: 4,
			Profile:     &domain.BehavioralProfile{AvgDailyCount: 12},
		}
		// baseline 12/24 = 0.5/hour, ratio 4/0.5 = 8 > 3
		result := svc.DetectBurst(tc)
		if !result.Detected {
			t.Error("expected burst detection")
		}
		if result.BurstRatio != 8 {
			t.Errorf("expected burst ratio 8, got %f", result.BurstRatio)
		}
	})

	t.Run("NormalRate", func(t *testing.T) {
		tc := &domain.TransactionContext{
			TenantID:    "tenant-001",
			UserID:      "user-001",
			HourlyCount: 1,
			Profile:     &domain.BehavioralProfile{AvgDailyCount: 24},
		}
		result := svc.DetectBurst(tc)
		if result.Detected {
			t.Errorf("expected no burst at ratio %f", result.BurstRatio)
		}
	})
}

func TestDetectCrossAccount(t *testing.T) {
	svc, repo := newTestVelocity(t)
	ctx := context.Background()

	// Three users share one device, five share one IP.
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		tx := &domain.Transaction{
			ID:        fmt.Sprintf("tx-cross-%d", i),
			UserID:    fmt.Sprintf("user-%d", i),
			AccountID: "acc-001",
			Type:      "transfer",
			Amount:    100,
			Currency:  "USD",
			Status:    domain.TxStatusCompleted,
			IPAddress: "203.0.113.99",
			Timestamp: now,
			CreatedAt: now,
		}
		if i < 3 {
			tx.DeviceHash = "device-farm"
		}
		if err := repo.SaveTransaction(ctx, "tenant-001", tx); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}
	}

	tc := &domain.TransactionContext{
		TenantID: "tenant-001",
		UserID:   "user-0",
		Device:   &domain.DeviceData{IPAddress: "203.0.113.99"},
		DeviceRecord: &domain.DeviceFingerprint{
			FingerprintHash: "device-farm",
		},
	}

	result, err := svc.DetectCrossAccount(ctx, tc)
	if err != nil {
		t.Fatalf("DetectCrossAccount failed: %v", err)
	}
	if !result.Detected {
		t.Error("expected cross-account detection")
	}
	if result.DeviceUserCount != 3 {
		t.Errorf("expected 3 device users, got %d", result.DeviceUserCount)
	}
	if result.IPUserCount != 5 {
		t.Errorf("expected 5 IP users, got %d", result.IPUserCount)
	}

	t.Run("NoSharedIdentity", func(t *testing.T) {
		clean := &domain.TransactionContext{
			TenantID: "tenant-001",
			UserID:   "user-clean",
		}
		result, err := svc.DetectCrossAccount(ctx, clean)
		if err != nil {
			t.Fatalf("DetectCrossAccount failed: %v", err)
		}
		if result.Detected {
			t.Error("expected no detection without device or IP")
		}
	})
}
