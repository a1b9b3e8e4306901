package rules

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// VelocityService measures transaction velocity for entities. Counts are
// read through the cache with the velocity TTL so bursts of analyses of the
// same user hit storage once per window.
type VelocityService struct {
	repo  domain.Repository
	cache domain.Cache
	cfg   *domain.ScoringConfig
}

// NewVelocityService creates a velocity service.
func NewVelocityService(repo domain.Repository, cache domain.Cache, cfg *domain.ScoringConfig) *VelocityService {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return &VelocityService{repo: repo, cache: cache, cfg: cfg}
}

// CountInWindow returns the user's transaction count within the trailing
// window, cached for the velocity TTL.
func (v *VelocityService) CountInWindow(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	if tenantID == "" || userID == "" {
		return 0, fmt.Errorf("tenantID and userID are required")
	}

	key := fmt.Sprintf("velocity:%s:%d", userID, int64(window.Seconds()))
	raw, err := v.cache.GetOrCompute(ctx, tenantID, key, v.cfg.VelocityTTL, func(ctx context.Context) ([]byte, error) {
		count, err := v.repo.CountTransactionsInWindow(ctx, tenantID, userID, time.Now().Add(-window))
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(count, 10)), nil
	})
	if err != nil {
		return 0, fmt.Errorf("count in window: %w", err)
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// EvaluateSlidingWindows checks each configured window against its count and
// volume bounds. The window volume is the daily volume pro-rated linearly by
// the window's fraction of a day.
func (v *VelocityService) EvaluateSlidingWindows(ctx context.Context, tc *domain.TransactionContext) ([]domain.WindowResult, error) {
	results := make([]domain.WindowResult, 0, len(v.cfg.VelocityWindows))

	for label, w := range v.cfg.VelocityWindows {
		count, err := v.CountInWindow(ctx, tc.TenantID, tc.UserID, time.Duration(w.Minutes)*time.Minute)
		if err != nil {
			return nil, err
		}

		volume := tc.DailyVolume * float64(w.Minutes) / (24 * 60)

		result := domain.WindowResult{
			Label:     label,
			Count:     count,
			Volume:    domain.Round2(volume),
			MaxCount:  w.MaxCount,
			MaxVolume: w.MaxVolume,
		}

		var countRatio, volumeRatio float64
		if w.MaxCount > 0 {
			countRatio = float64(count) / float64(w.MaxCount)
		}
		if w.MaxVolume > 0 {
			volumeRatio = volume / w.MaxVolume
		}
		result.ExceedRatio = domain.Round4(math.Max(countRatio, volumeRatio))
		result.Exceeded = countRatio > 1 || volumeRatio > 1

		results = append(results, result)
	}
	return results, nil
}

// DetectBurst compares the current hourly rate against the user's long-run
// baseline rate. A user with no baseline never bursts.
func (v *VelocityService) DetectBurst(tc *domain.TransactionContext) domain.BurstResult {
	var avgDaily float64
	if tc.Profile != nil {
		avgDaily = tc.Profile.AvgDailyCount
	}
	if avgDaily <= 0 {
		return domain.BurstResult{Reason: "no_baseline"}
	}

	baselineHourly := avgDaily / 24
	ratio := float64(tc.HourlyCount) / baselineHourly
	return domain.BurstResult{
		Detected:   ratio > v.cfg.BurstThreshold,
		BurstRatio: domain.Round4(ratio),
	}
}

// DetectCrossAccount counts distinct users sharing the context's device
// fingerprint or IP within the trailing day. Counts are cached for the
// cross-account TTL.
func (v *VelocityService) DetectCrossAccount(ctx context.Context, tc *domain.TransactionContext) (domain.CrossAccountResult, error) {
	result := domain.CrossAccountResult{}
	since := time.Now().Add(-24 * time.Hour)

	if tc.DeviceRecord != nil && tc.DeviceRecord.FingerprintHash != "" {
		count, err := v.cachedCount(ctx, tc.TenantID, "xacct:dev:"+tc.DeviceRecord.FingerprintHash, func(ctx context.Context) (int64, error) {
			return v.repo.CountDistinctUsersByDevice(ctx, tc.TenantID, tc.DeviceRecord.FingerprintHash, since)
		})
		if err != nil {
			return result, err
		}
		result.DeviceUserCount = count
	}

	if tc.Device != nil && tc.Device.IPAddress != "" {
		count, err := v.cachedCount(ctx, tc.TenantID, "xacct:ip:"+tc.Device.IPAddress, func(ctx context.Context) (int64, error) {
			return v.repo.CountDistinctUsersByIP(ctx, tc.TenantID, tc.Device.IPAddress, since)
		})
		if err != nil {
			return result, err
		}
		result.IPUserCount = count
	}

	result.Detected = result.DeviceUserCount >= v.cfg.CrossAccountDeviceThreshold ||
		result.IPUserCount >= v.cfg.CrossAccountIPThreshold
	return result, nil
}

func (v *VelocityService) cachedCount(ctx context.Context, tenantID, key string, fn func(ctx context.Context) (int64, error)) (int64, error) {
	raw, err := v.cache.GetOrCompute(ctx, tenantID, key, v.cfg.CrossAccountTTL, func(ctx context.Context) ([]byte, error) {
		n, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(n, 10)), nil
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
