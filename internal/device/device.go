// Package device provides device fingerprinting and device/IP risk
// assessment for the scoring pipeline.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service assesses device and IP risk. IP intelligence is resolved through
// the injected lookup and cached for the configured TTL (24h by default).
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	intel domain.IPIntelLookup
	cfg   *domain.ScoringConfig
}

// NewService creates a device fingerprint service. intel may be nil, in which
// case IP enrichment is skipped and IP assessments carry zero provider risk.
func NewService(repo domain.Repository, cache domain.Cache, intel domain.IPIntelLookup, cfg *domain.ScoringConfig) *Service {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return &Service{repo: repo, cache: cache, intel: intel, cfg: cfg}
}

// FingerprintHash derives the stable hash identifying a device. A
// client-supplied DeviceID is the authoritative identity; only without one
// does the hash fall back to the normalized attributes. Keeping the volatile
// attributes out of the keyed identity lets AnalyzeDevice compare them
// against the stored record for the same device.
func FingerprintHash(data *domain.DeviceData) string {
	if data == nil {
		return ""
	}
	if id := strings.ToLower(strings.TrimSpace(data.DeviceID)); id != "" {
		sum := sha256.Sum256([]byte("id|" + id))
		return hex.EncodeToString(sum[:])
	}
	parts := []string{
		strings.ToLower(strings.TrimSpace(data.UserAgent)),
		strings.TrimSpace(data.ScreenResolution),
		strings.TrimSpace(data.Timezone),
		strings.TrimSpace(data.CanvasHash),
		strings.ToLower(strings.TrimSpace(data.Platform)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ProcessFingerprint creates or updates the fingerprint record for the device,
// associates the user, and enriches it with cached IP intelligence.
func (s *Service) ProcessFingerprint(ctx context.Context, tenantID string, data *domain.DeviceData, userID string) (*domain.DeviceFingerprint, error) {
	hash := FingerprintHash(data)
	if hash == "" {
		return nil, fmt.Errorf("device data is required")
	}

	now := time.Now().UTC()
	fp, err := s.repo.FindDeviceByHash(ctx, tenantID, hash)
	if err != nil {
		return nil, fmt.Errorf("find device: %w", err)
	}
	if fp == nil {
		fp = &domain.DeviceFingerprint{
			ID:               uuid.New().String(),
			TenantID:         tenantID,
			FingerprintHash:  hash,
			UserAgent:        data.UserAgent,
			ScreenResolution: data.ScreenResolution,
			Timezone:         data.Timezone,
			CanvasHash:       data.CanvasHash,
			Platform:         data.Platform,
			TrustScore:       50, // neutral until history accrues
			FirstSeenAt:      now,
		}
	}

	fp.SeenCount++
	fp.LastSeenAt = now
	fp.AssociateUser(userID)

	if data.IPAddress != "" {
		fp.LastIP = data.IPAddress
		if intel := s.LookupIP(ctx, tenantID, data.IPAddress); intel != nil {
			fp.IsVPN = intel.IsVPN
			fp.IsProxy = intel.IsProxy
			fp.IsTor = intel.IsTor
			fp.Country = intel.Country
		}
	}

	if err := s.repo.SaveDevice(ctx, tenantID, fp); err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}
	return fp, nil
}

// LookupIP resolves IP intelligence through the cache. Lookup failures are
// logged and treated as no data, never propagated.
func (s *Service) LookupIP(ctx context.Context, tenantID, ip string) *domain.IPIntel {
	if ip == "" || s.intel == nil {
		return nil
	}

	raw, err := s.cache.GetOrCompute(ctx, tenantID, "ipintel:"+ip, s.cfg.IPIntelTTL, func(ctx context.Context) ([]byte, error) {
		intel, err := s.intel.Lookup(ip)
		if err != nil {
			return nil, err
		}
		return json.Marshal(intel)
	})
	if err != nil {
		slog.Warn("ip intelligence lookup failed", "ip", ip, "error", err)
		return nil
	}

	var intel domain.IPIntel
	if err := json.Unmarshal(raw, &intel); err != nil {
		return nil
	}
	return &intel
}

// Spoofing/automation score contributions.
const (
	missingFingerprintScore = 50.0
	spoofingPenalty         = 30.0
	automationPenalty       = 20.0
	spoofingIndicatorFloor  = 3
)

// AnalyzeDevice scores the device risk for a transaction context.
// A missing fingerprint yields a flat 50 with the no_device_fingerprint
// factor; otherwise the stored record's risk is raised by spoofing-indicator
// and headless-automation penalties.
func (s *Service) AnalyzeDevice(ctx context.Context, tenantID string, data *domain.DeviceData) domain.DeviceAnalysis {
	if data == nil || FingerprintHash(data) == "" {
		return domain.DeviceAnalysis{
			RiskScore:      missingFingerprintScore,
			RiskFactors:    []string{"no_device_fingerprint"},
			Recommendation: recommendFor(missingFingerprintScore, false, true),
			IsNewDevice:    true,
		}
	}

	analysis := domain.DeviceAnalysis{}

	stored, err := s.repo.FindDeviceByHash(ctx, tenantID, FingerprintHash(data))
	if err != nil {
		slog.Warn("device lookup failed", "error", err)
	}

	if stored == nil {
		analysis.IsNewDevice = true
		analysis.RiskScore = 30
		analysis.RiskFactors = append(analysis.RiskFactors, "new_device")
	} else {
		// Fingerprint risk is the inverse of accumulated trust.
		analysis.RiskScore = domain.Clamp(100-stored.TrustScore, 0, 100)
		if stored.IsTor {
			analysis.RiskFactors = append(analysis.RiskFactors, "tor_exit_node")
		}
		if stored.IsVPN || stored.IsProxy {
			analysis.RiskFactors = append(analysis.RiskFactors, "anonymizing_connection")
		}

		if n := spoofingIndicators(data, stored); n >= spoofingIndicatorFloor {
			analysis.RiskScore += spoofingPenalty
			analysis.RiskFactors = append(analysis.RiskFactors, "fingerprint_spoofing_suspected")
		}
	}

	if isAutomated(data) {
		analysis.RiskScore += automationPenalty
		analysis.RiskFactors = append(analysis.RiskFactors, "automation_markers")
	}

	analysis.RiskScore = domain.Round2(domain.Clamp(analysis.RiskScore, 0, 100))
	analysis.Recommendation = recommendFor(analysis.RiskScore, false, analysis.IsNewDevice)
	return analysis
}

// spoofingIndicators counts attribute mismatches between the presented device
// data and the stored record for the same hashless identity fields.
func spoofingIndicators(data *domain.DeviceData, stored *domain.DeviceFingerprint) int {
	n := 0
	if stored.UserAgent != "" && data.UserAgent != stored.UserAgent {
		n++
	}
	if stored.ScreenResolution != "" && data.ScreenResolution != stored.ScreenResolution {
		n++
	}
	if stored.Timezone != "" && data.Timezone != stored.Timezone {
		n++
	}
	if stored.CanvasHash != "" && data.CanvasHash != stored.CanvasHash {
		n++
	}
	return n
}

// isAutomated applies headless-browser heuristics: absent plugins/languages,
// shallow color depth, automation user agents, or an exposed webdriver flag.
func isAutomated(data *domain.DeviceData) bool {
	if data.WebDriver {
		return true
	}
	ua := strings.ToLower(data.UserAgent)
	for _, marker := range []string{"headless", "phantom", "selenium"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	if data.UserAgent != "" && len(data.Plugins) == 0 && len(data.Languages) == 0 {
		return true
	}
	if data.ColorDepth > 0 && data.ColorDepth < 24 {
		return true
	}
	return false
}

// IP reputation score contributions.
const (
	vpnScore          = 25.0
	proxyScore        = 30.0
	torScore          = 40.0
	blockedTxScore    = 10.0
	blockedTxScoreCap = 40.0
)

// AssessIPReputation computes the additive reputation score for an IP from
// its anonymization flags, provider risk, and association with previously
// blocked transactions.
func (s *Service) AssessIPReputation(ctx context.Context, tenantID, ip string) domain.IPAssessment {
	assessment := domain.IPAssessment{Details: map[string]float64{}}
	if ip == "" {
		return assessment
	}

	intel := s.LookupIP(ctx, tenantID, ip)
	if intel != nil {
		if intel.IsVPN {
			assessment.RiskScore += vpnScore
			assessment.Flags = append(assessment.Flags, "vpn")
		}
		if intel.IsProxy {
			assessment.RiskScore += proxyScore
			assessment.Flags = append(assessment.Flags, "proxy")
		}
		if intel.IsTor {
			assessment.RiskScore += torScore
			assessment.Flags = append(assessment.Flags, "tor")
		}
		if intel.ProviderRisk > 50 {
			contribution := intel.ProviderRisk * 0.5
			assessment.RiskScore += contribution
			assessment.Flags = append(assessment.Flags, "high_provider_risk")
			assessment.Details["provider_risk"] = intel.ProviderRisk
		}
	}

	blocked, err := s.repo.CountBlockedTransactionsByIP(ctx, tenantID, ip, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		slog.Warn("blocked transaction count failed", "ip", ip, "error", err)
	} else if blocked > 0 {
		contribution := domain.Clamp(float64(blocked)*blockedTxScore, 0, blockedTxScoreCap)
		assessment.RiskScore += contribution
		assessment.Flags = append(assessment.Flags, "blocked_transaction_association")
		assessment.Details["blocked_transactions"] = float64(blocked)
	}

	assessment.RiskScore = domain.Round2(domain.Clamp(assessment.RiskScore, 0, 100))
	return assessment
}

// Recommend maps a device risk score to the action ladder.
func (s *Service) Recommend(score float64, blocked, newDevice bool) string {
	return recommendFor(score, blocked, newDevice)
}

func recommendFor(score float64, blocked, newDevice bool) string {
	switch {
	case score >= 80 || blocked:
		return domain.RecommendBlock
	case score >= 60:
		return domain.RecommendVerify
	case score >= 40 || newDevice:
		return domain.RecommendMonitor
	default:
		return domain.RecommendProceed
	}
}
