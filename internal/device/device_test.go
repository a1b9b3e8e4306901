package device

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

const testTenant = "tenant-001"

// stubIntel serves canned IP intelligence and counts lookups so cache hits
// are observable.
type stubIntel struct {
	results map[string]*domain.IPIntel
	calls   int
}

func (s *stubIntel) Lookup(ip string) (*domain.IPIntel, error) {
	s.calls++
	if intel, ok := s.results[ip]; ok {
		return intel, nil
	}
	return nil, fmt.Errorf("no intel for %s", ip)
}

func newTestService(t *testing.T, intel domain.IPIntelLookup) (*Service, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "device-test-*.db")
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

	return NewService(repo, cache.NewLRUCache(100), intel, domain.DefaultScoringConfig()), repo
}

func sampleDevice() *domain.DeviceData {
	return &domain.DeviceData{
		UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15",
		ScreenResolution: "2560x1440",
		Timezone:         "America/New_York",
		CanvasHash:       "canvas-abc123",
		Platform:         "MacIntel",
		Plugins:          []string{"pdf-viewer"},
		Languages:        []string{"en-US"},
		ColorDepth:       24,
	}
}

func TestFingerprintHash(t *testing.T) {
	a := sampleDevice()
	b := sampleDevice()

	hashA := FingerprintHash(a)
	if hashA == "" {
		t.Fatal("expected non-empty hash")
	}
	if len(hashA) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(hashA))
	}

	if FingerprintHash(b) != hashA {
		t.Error("identical attributes must produce identical hashes")
	}

	// Normalization: case and surrounding whitespace do not change identity.
	b.UserAgent = "  " + a.UserAgent + " "
	b.Platform = "macintel"
	if FingerprintHash(b) != hashA {
		t.Error("normalized attributes must produce identical hashes")
	}

	b.CanvasHash = "canvas-different"
	if FingerprintHash(b) == hashA {
		t.Error("different canvas hash must change the fingerprint")
	}

	if FingerprintHash(nil) != "" {
		t.Error("nil device data must hash to empty")
	}

	// A stable DeviceID overrides the attribute hash entirely: the same ID
	// with different attributes is the same device.
	c := sampleDevice()
	c.DeviceID = "device-stable-1"
	d := sampleDevice()
	d.DeviceID = "  Device-Stable-1 "
	d.UserAgent = "forged-agent"
	d.CanvasHash = "canvas-forged"
	if FingerprintHash(c) != FingerprintHash(d) {
		t.Error("same DeviceID must produce the same hash regardless of attributes")
	}
	if FingerprintHash(c) == hashA {
		t.Error("DeviceID-keyed hash must differ from the attribute hash")
	}
}

func TestProcessFingerprint(t *testing.T) {
	svc, repo := newTestService(t, nil)
	ctx := context.Background()
	data := sampleDevice()

	fp, err := svc.ProcessFingerprint(ctx, testTenant, data, "user-001")
	if err != nil {
		t.Fatalf("ProcessFingerprint failed: %v", err)
	}

	if fp.ID == "" {
		t.Error("expected generated ID")
	}
	if fp.FingerprintHash != FingerprintHash(data) {
		t.Error("hash mismatch")
	}
	if fp.SeenCount != 1 {
		t.Errorf("SeenCount = %d, want 1", fp.SeenCount)
	}
	if fp.TrustScore != 50 {
		t.Errorf("TrustScore = %.0f, want neutral 50", fp.TrustScore)
	}
	if len(fp.AssociatedUsers) != 1 || fp.AssociatedUsers[0] != "user-001" {
		t.Errorf("AssociatedUsers = %v", fp.AssociatedUsers)
	}

	// Second sighting by a second user reuses the record.
	fp2, err := svc.ProcessFingerprint(ctx, testTenant, data, "user-002")
	if err != nil {
		t.Fatalf("second ProcessFingerprint failed: %v", err)
	}
	if fp2.ID != fp.ID {
		t.Error("same device must reuse the stored record")
	}
	if fp2.SeenCount != 2 {
		t.Errorf("SeenCount = %d, want 2", fp2.SeenCount)
	}
	if len(fp2.AssociatedUsers) != 2 {
		t.Errorf("AssociatedUsers = %v, want both users", fp2.AssociatedUsers)
	}

	stored, err := repo.FindDeviceByHash(ctx, testTenant, fp.FingerprintHash)
	if err != nil || stored == nil {
		t.Fatalf("stored record not found: %v", err)
	}
	if stored.SeenCount != 2 {
		t.Errorf("persisted SeenCount = %d, want 2", stored.SeenCount)
	}
}

func TestProcessFingerprintRequiresData(t *testing.T) {
	svc, _ := newTestService(t, nil)

	if _, err := svc.ProcessFingerprint(context.Background(), testTenant, nil, "user-001"); err == nil {
		t.Error("expected error for nil device data")
	}
}

func TestProcessFingerprintEnrichesIP(t *testing.T) {
	intel := &stubIntel{results: map[string]*domain.IPIntel{
		"203.0.113.9": {IPAddress: "203.0.113.9", Country: "NL", IsVPN: true},
	}}
	svc, _ := newTestService(t, intel)
	ctx := context.Background()

	data := sampleDevice()
	data.IPAddress = "203.0.113.9"

	fp, err := svc.ProcessFingerprint(ctx, testTenant, data, "user-001")
	if err != nil {
		t.Fatalf("ProcessFingerprint failed: %v", err)
	}
	if !fp.IsVPN {
		t.Error("expected VPN flag from intelligence")
	}
	if fp.Country != "NL" {
		t.Errorf("Country = %q, want NL", fp.Country)
	}
	if fp.LastIP != "203.0.113.9" {
		t.Errorf("LastIP = %q", fp.LastIP)
	}

	// Second sighting resolves from the cache, not the provider.
	if _, err := svc.ProcessFingerprint(ctx, testTenant, data, "user-001"); err != nil {
		t.Fatalf("second ProcessFingerprint failed: %v", err)
	}
	if intel.calls != 1 {
		t.Errorf("provider called %d times, want 1 (cached)", intel.calls)
	}
}

func TestAnalyzeDeviceMissingFingerprint(t *testing.T) {
	svc, _ := newTestService(t, nil)

	analysis := svc.AnalyzeDevice(context.Background(), testTenant, nil)

	if analysis.RiskScore != missingFingerprintScore {
		t.Errorf("RiskScore = %.2f, want %.2f", analysis.RiskScore, missingFingerprintScore)
	}
	if len(analysis.RiskFactors) != 1 || analysis.RiskFactors[0] != "no_device_fingerprint" {
		t.Errorf("RiskFactors = %v", analysis.RiskFactors)
	}
	if !analysis.IsNewDevice {
		t.Error("missing fingerprint counts as a new device")
	}
	if analysis.Recommendation != domain.RecommendMonitor {
		t.Errorf("Recommendation = %q, want %q", analysis.Recommendation, domain.RecommendMonitor)
	}
}

func TestAnalyzeDeviceNewDevice(t *testing.T) {
	svc, _ := newTestService(t, nil)

	analysis := svc.AnalyzeDevice(context.Background(), testTenant, sampleDevice())

	if !analysis.IsNewDevice {
		t.Error("expected IsNewDevice for unseen fingerprint")
	}
	if analysis.RiskScore != 30 {
		t.Errorf("RiskScore = %.2f, want 30", analysis.RiskScore)
	}
	if analysis.Recommendation != domain.RecommendMonitor {
		t.Errorf("Recommendation = %q, want %q", analysis.Recommendation, domain.RecommendMonitor)
	}
}

func TestAnalyzeDeviceKnownDevice(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	data := sampleDevice()

	fp, err := svc.ProcessFingerprint(ctx, testTenant, data, "user-001")
	if err != nil {
		t.Fatalf("ProcessFingerprint failed: %v", err)
	}

	analysis := svc.AnalyzeDevice(ctx, testTenant, data)

	if analysis.IsNewDevice {
		t.Error("seen device must not be new")
	}
	want := 100 - fp.TrustScore
	if analysis.RiskScore != want {
		t.Errorf("RiskScore = %.2f, want %.2f (inverse of trust)", analysis.RiskScore, want)
	}
	for _, f := range analysis.RiskFactors {
		if f == "fingerprint_spoofing_suspected" || f == "automation_markers" {
			t.Errorf("unexpected factor %q for clean device", f)
		}
	}
}

func TestAnalyzeDeviceSpoofing(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	// Record the device under its stable ID, then present the same ID with
	// three disagreeing identity attributes. The stable key must resolve to
	// the stored record so the mismatches are observable.
	original := sampleDevice()
	original.DeviceID = "device-spoof-target"
	if _, err := svc.ProcessFingerprint(ctx, testTenant, original, "user-001"); err != nil {
		t.Fatalf("ProcessFingerprint failed: %v", err)
	}

	spoofed := sampleDevice()
	spoofed.DeviceID = original.DeviceID
	spoofed.UserAgent = "different-agent"
	spoofed.ScreenResolution = "800x600"
	spoofed.Timezone = "Asia/Tokyo"

	analysis := svc.AnalyzeDevice(ctx, testTenant, spoofed)

	if analysis.IsNewDevice {
		t.Fatal("spoofed data with a known DeviceID must resolve to the stored record")
	}
	found := false
	for _, f := range analysis.RiskFactors {
		if f == "fingerprint_spoofing_suspected" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected spoofing factor, got %v", analysis.RiskFactors)
	}
	if analysis.RiskScore != 50+spoofingPenalty {
		t.Errorf("RiskScore = %.2f, want %.2f", analysis.RiskScore, 50+spoofingPenalty)
	}
	if analysis.Recommendation != domain.RecommendBlock {
		t.Errorf("Recommendation = %q, want %q", analysis.Recommendation, domain.RecommendBlock)
	}

	// Two mismatches stay below the indicator floor.
	mild := sampleDevice()
	mild.DeviceID = original.DeviceID
	mild.UserAgent = "different-agent"
	mild.Timezone = "Asia/Tokyo"
	analysis = svc.AnalyzeDevice(ctx, testTenant, mild)
	for _, f := range analysis.RiskFactors {
		if f == "fingerprint_spoofing_suspected" {
			t.Errorf("two mismatches must not trigger the spoofing penalty, got %v", analysis.RiskFactors)
		}
	}
}

func TestAnalyzeDeviceAutomation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(d *domain.DeviceData)
	}{
		{"WebDriverFlag", func(d *domain.DeviceData) { d.WebDriver = true }},
		{"HeadlessUserAgent", func(d *domain.DeviceData) { d.UserAgent = "HeadlessChrome/120.0" }},
		{"NoPluginsNoLanguages", func(d *domain.DeviceData) { d.Plugins = nil; d.Languages = nil }},
		{"ShallowColorDepth", func(d *domain.DeviceData) { d.ColorDepth = 8 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := sampleDevice()
			tt.mutate(data)

			analysis := svc.AnalyzeDevice(ctx, testTenant, data)

			found := false
			for _, f := range analysis.RiskFactors {
				if f == "automation_markers" {
					found = true
				}
			}
			if !found {
				t.Errorf("expected automation factor, got %v", analysis.RiskFactors)
			}
			if analysis.RiskScore != 30+automationPenalty {
				t.Errorf("RiskScore = %.2f, want %.2f", analysis.RiskScore, 30+automationPenalty)
			}
		})
	}
}

func TestAssessIPReputation(t *testing.T) {
	intel := &stubIntel{results: map[string]*domain.IPIntel{
		"198.51.100.1": {IPAddress: "198.51.100.1", IsVPN: true, IsProxy: true},
		"198.51.100.2": {IPAddress: "198.51.100.2", IsTor: true, ProviderRisk: 80},
		"198.51.100.3": {IPAddress: "198.51.100.3"},
	}}
	svc, repo := newTestService(t, intel)
	ctx := context.Background()

	t.Run("VPNAndProxy", func(t *testing.T) {
		a := svc.AssessIPReputation(ctx, testTenant, "198.51.100.1")
		if a.RiskScore != vpnScore+proxyScore {
			t.Errorf("RiskScore = %.2f, want %.2f", a.RiskScore, vpnScore+proxyScore)
		}
	})

	t.Run("TorWithProviderRisk", func(t *testing.T) {
		a := svc.AssessIPReputation(ctx, testTenant, "198.51.100.2")
		if a.RiskScore != torScore+80*0.5 {
			t.Errorf("RiskScore = %.2f, want %.2f", a.RiskScore, torScore+80*0.5)
		}
		if a.Details["provider_risk"] != 80 {
			t.Errorf("Details = %v", a.Details)
		}
	})

	t.Run("CleanIP", func(t *testing.T) {
		a := svc.AssessIPReputation(ctx, testTenant, "198.51.100.3")
		if a.RiskScore != 0 {
			t.Errorf("RiskScore = %.2f, want 0", a.RiskScore)
		}
		if len(a.Flags) != 0 {
			t.Errorf("Flags = %v, want none", a.Flags)
		}
	})

	t.Run("EmptyIP", func(t *testing.T) {
		a := svc.AssessIPReputation(ctx, testTenant, "")
		if a.RiskScore != 0 {
			t.Errorf("RiskScore = %.2f, want 0", a.RiskScore)
		}
	})

	t.Run("BlockedTransactionAssociation", func(t *testing.T) {
		now := time.Now().UTC()
		for i := 0; i < 6; i++ {
			tx := &domain.Transaction{
				ID:        fmt.Sprintf("tx-blocked-%d", i),
				TenantID:  testTenant,
				UserID:    "user-bad",
				AccountID: "acc-bad",
				Type:      "transfer",
				Amount:    500,
				Currency:  "USD",
				Status:    domain.TxStatusBlocked,
				IPAddress: "198.51.100.3",
				Timestamp: now.Add(-time.Duration(i) * time.Hour),
				CreatedAt: now,
			}
			if err := repo.SaveTransaction(ctx, testTenant, tx); err != nil {
				t.Fatalf("failed to seed transaction: %v", err)
			}
		}

		a := svc.AssessIPReputation(ctx, testTenant, "198.51.100.3")

		// 6 blocked × 10, capped at 40.
		if a.RiskScore != blockedTxScoreCap {
			t.Errorf("RiskScore = %.2f, want cap %.2f", a.RiskScore, blockedTxScoreCap)
		}
		found := false
		for _, f := range a.Flags {
			if f == "blocked_transaction_association" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected blocked association flag, got %v", a.Flags)
		}
	})
}

func TestRecommend(t *testing.T) {
	svc, _ := newTestService(t, nil)

	tests := []struct {
		name      string
		score     float64
		blocked   bool
		newDevice bool
		want      string
	}{
		{"HighScore", 85, false, false, domain.RecommendBlock},
		{"BlockedOverride", 10, true, false, domain.RecommendBlock},
		{"Verify", 65, false, false, domain.RecommendVerify},
		{"Monitor", 45, false, false, domain.RecommendMonitor},
		{"NewDeviceMonitor", 10, false, true, domain.RecommendMonitor},
		{"Proceed", 10, false, false, domain.RecommendProceed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.Recommend(tt.score, tt.blocked, tt.newDevice); got != tt.want {
				t.Errorf("Recommend(%.0f, %v, %v) = %q, want %q", tt.score, tt.blocked, tt.newDevice, got, tt.want)
			}
		})
	}
}
