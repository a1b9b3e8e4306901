package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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

// createTestServer wires a full Community-tier stack behind the router.
func createTestServer(t *testing.T) (*Server, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
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

	serverCfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(serverCfg, repo, lruCache, channelBus, fraudSvc, engine, "test-v1"), repo
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func analyzeBody(txID, userID string, amount float64) *fraud.Request {
	return &fraud.Request{
		Transaction: &domain.Transaction{
			ID:        txID,
			UserID:    userID,
			AccountID: "acct-1",
			Type:      "payment",
			Amount:    amount,
			Currency:  "USD",
		},
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	server, repo := createTestServer(t)

	t.Run("SuccessfulAnalysis", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/analyze", analyzeBody("tx-api-1", "user-1", 250))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp AnalyzeResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Score == nil || resp.Score.ID == "" {
			t.Fatal("expected a fraud score in the response")
		}
		if resp.Score.TenantID != "tenant-001" {
			t.Errorf("expected tenant from header, got %s", resp.Score.TenantID)
		}
		if resp.Score.Decision == "" {
			t.Error("expected a decision")
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}

		// The score is retrievable afterwards.
		get := doJSON(t, server, http.MethodGet, "/scores/"+resp.Score.ID, nil)
		if get.Code != http.StatusOK {
			t.Fatalf("expected status 200 getting score, got %d", get.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		body, _ := json.Marshal(analyzeBody("tx-api-2", "user-1", 100))
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingUser", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/analyze", analyzeBody("tx-api-3", "", 100))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/analyze", analyzeBody("tx-api-4", "user-1", -5))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/analyze", analyzeBody("tx-api-5", "user-1", 100))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp AnalyzeResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)

		// Same score ID under a different tenant is not visible.
		req := httptest.NewRequest(http.MethodGet, "/scores/"+resp.Score.ID, nil)
		req.Header.Set("X-Tenant-ID", "tenant-other")
		other := httptest.NewRecorder()
		server.Router().ServeHTTP(other, req)
		if other.Code != http.StatusNotFound {
			t.Errorf("expected 404 across tenants, got %d", other.Code)
		}

		// And the transaction row really carries tenant-001.
		tx, err := repo.GetTransaction(context.Background(), "tenant-001", "tx-api-5")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.TenantID != "tenant-001" {
			t.Errorf("unexpected tenant on stored transaction: %s", tx.TenantID)
		}
	})
}

func TestAnalyzeUserEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/analyze/user", AnalyzeUserRequest{
		User: &domain.User{ID: "user-9", KYCLevel: "basic", CreatedAt: time.Now().UTC()},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp AnalyzeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Score.EntityType != domain.EntityUser {
		t.Errorf("expected user entity, got %s", resp.Score.EntityType)
	}

	missing := doJSON(t, server, http.MethodPost, "/analyze/user", AnalyzeUserRequest{})
	if missing.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing user, got %d", missing.Code)
	}
}

func TestIndicatorsEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/indicators", IndicatorsRequest{
		Transaction: &domain.Transaction{ID: "tx-ind", UserID: "user-ind", Amount: 500},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var set domain.IndicatorSet
	if err := json.Unmarshal(rr.Body.Bytes(), &set); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(set.Indicators) == 0 {
		t.Error("expected at least the new_user indicator")
	}
}

func TestRuleEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	rule := UpsertRuleRequest{
		Code:      "AMT_TEST",
		Name:      "Test amount rule",
		Category:  "amount",
		Severity:  5,
		BaseScore: 40,
		Thresholds: domain.RuleThresholds{
			MaxAmount: 10000,
		},
		IsActive: true,
	}

	t.Run("CreateListGet", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var created domain.FraudRule
		if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if created.ID == "" {
			t.Fatal("expected generated rule ID")
		}

		list := doJSON(t, server, http.MethodGet, "/rules", nil)
		if list.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", list.Code)
		}
		var listResp struct {
			Rules []*domain.FraudRule `json:"rules"`
			Count int                 `json:"count"`
		}
		json.Unmarshal(list.Body.Bytes(), &listResp)
		if listResp.Count != 1 {
			t.Fatalf("expected 1 rule, got %d", listResp.Count)
		}

		get := doJSON(t, server, http.MethodGet, "/rules/"+created.ID, nil)
		if get.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", get.Code)
		}
	})

	t.Run("RejectsBadCategory", func(t *testing.T) {
		bad := rule
		bad.Code = "BAD_CAT"
		bad.Category = "sorcery"
		rr := doJSON(t, server, http.MethodPost, "/rules", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectsBadCondition", func(t *testing.T) {
		bad := rule
		bad.Code = "BAD_CEL"
		bad.Condition = "amount +"
		rr := doJSON(t, server, http.MethodPost, "/rules", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("GetMissingRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules/no-such-rule", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestCaseEndpoints(t *testing.T) {
	server, repo := createTestServer(t)
	ctx := context.Background()

	fraudCase := &domain.FraudCase{
		ID:           "case-1",
		TenantID:     "tenant-001",
		FraudScoreID: "score-1",
		EntityID:     "tx-1",
		UserID:       "user-1",
		Status:       domain.CaseStatusOpen,
		Priority:     domain.RiskHigh,
		Reason:       "score 85.00 (high)",
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.CreateFraudCase(ctx, "tenant-001", fraudCase); err != nil {
		t.Fatalf("CreateFraudCase failed: %v", err)
	}

	list := doJSON(t, server, http.MethodGet, "/cases", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", list.Code)
	}
	var listResp struct {
		Cases []*domain.FraudCase `json:"cases"`
		Count int                 `json:"count"`
	}
	json.Unmarshal(list.Body.Bytes(), &listResp)
	if listResp.Count != 1 {
		t.Fatalf("expected 1 open case, got %d", listResp.Count)
	}

	resolve := doJSON(t, server, http.MethodPost, "/cases/case-1/resolve", nil)
	if resolve.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resolve.Code, resolve.Body.String())
	}

	again := doJSON(t, server, http.MethodPost, "/cases/case-1/resolve", nil)
	if again.Code != http.StatusNotFound {
		t.Errorf("expected status 404 resolving twice, got %d", again.Code)
	}
}

func TestAnomalyListEndpoint(t *testing.T) {
	server, repo := createTestServer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		a := &domain.AnomalyDetection{
			ID:              fmt.Sprintf("anomaly-%d", i),
			TenantID:        "tenant-001",
			EntityID:        "tx-1",
			EntityType:      domain.EntityTransaction,
			UserID:          "user-1",
			AnomalyType:     "statistical_outlier",
			DetectionMethod: "zscore",
			Score:           70,
			Confidence:      0.85,
			Severity:        domain.SeverityHigh,
			CreatedAt:       time.Now().UTC(),
		}
		if err := repo.SaveAnomaly(ctx, "tenant-001", a); err != nil {
			t.Fatalf("SaveAnomaly failed: %v", err)
		}
	}

	rr := doJSON(t, server, http.MethodGet, "/transactions/tx-1/anomalies", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		Anomalies []*domain.AnomalyDetection `json:"anomalies"`
		Count     int                        `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Fatalf("expected 2 anomalies, got %d", resp.Count)
	}
}

func TestProfileEndpoint(t *testing.T) {
	server, repo := createTestServer(t)
	ctx := context.Background()

	profile := domain.NewBehavioralProfile("tenant-001", "user-prof", time.Now().UTC())
	profile.AvgTransactionAmount = 125.5
	if err := repo.SaveProfile(ctx, "tenant-001", profile); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	rr := doJSON(t, server, http.MethodGet, "/profiles/user-prof", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got domain.BehavioralProfile
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got.UserID != "user-prof" || got.AvgTransactionAmount != 125.5 {
		t.Errorf("unexpected profile: %+v", got)
	}

	missing := doJSON(t, server, http.MethodGet, "/profiles/no-such-user", nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown user, got %d", missing.Code)
	}
}

func TestDeviceEndpoint(t *testing.T) {
	server, repo := createTestServer(t)
	ctx := context.Background()

	fp := &domain.DeviceFingerprint{
		ID:              "dev-1",
		TenantID:        "tenant-001",
		FingerprintHash: "hash-abc",
		Platform:        "MacIntel",
		TrustScore:      50,
		SeenCount:       3,
		FirstSeenAt:     time.Now().UTC().Add(-24 * time.Hour),
		LastSeenAt:      time.Now().UTC(),
	}
	if err := repo.SaveDevice(ctx, "tenant-001", fp); err != nil {
		t.Fatalf("SaveDevice failed: %v", err)
	}

	rr := doJSON(t, server, http.MethodGet, "/devices/hash-abc", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got domain.DeviceFingerprint
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got.ID != "dev-1" || got.SeenCount != 3 {
		t.Errorf("unexpected device: %+v", got)
	}

	missing := doJSON(t, server, http.MethodGet, "/devices/no-such-hash", nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown hash, got %d", missing.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
