package geo

import (
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestHaversineDistanceIdentity(t *testing.T) {
	points := []domain.GeoPoint{
		{Lat: 0, Lon: 0},
		{Lat: 48.8566, Lon: 2.3522},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 90, Lon: 0},
	}
	for _, p := range points {
		if d := HaversineDistance(p.Lat, p.Lon, p.Lat, p.Lon); d != 0 {
			t.Errorf("distance(p,p) = %v for %+v, want 0", d, p)
		}
	}
}

func TestHaversineDistanceSymmetry(t *testing.T) {
	a := domain.GeoPoint{Lat: 48.8566, Lon: 2.3522}  // Paris
	b := domain.GeoPoint{Lat: 51.5074, Lon: -0.1278} // London

	ab := HaversineDistance(a.Lat, a.Lon, b.Lat, b.Lon)
	ba := HaversineDistance(b.Lat, b.Lon, a.Lat, a.Lon)
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("asymmetric distances: %v vs %v", ab, ba)
	}

	// Paris-London is roughly 343.5km.
	if ab < 330 || ab > 360 {
		t.Errorf("Paris-London distance = %v km, want ~343.5", ab)
	}
}

func TestIsImpossibleTravel(t *testing.T) {
	svc := NewService(domain.DefaultScoringConfig())

	t.Run("ParisToLondonInOneMinute", func(t *testing.T) {
		check := svc.IsImpossibleTravel(48.8566, 2.3522, 51.5074, -0.1278, 60)
		if !check.Impossible {
			t.Error("expected impossible travel")
		}
		if check.RequiredSpeedKmh < 19000 || check.RequiredSpeedKmh > 22000 {
			t.Errorf("required speed = %v km/h, want ~20610", check.RequiredSpeedKmh)
		}
		if check.MaxSpeedKmh != 900 {
			t.Errorf("max speed = %v, want 900", check.MaxSpeedKmh)
		}
	})

	t.Run("ReasonableTravel", func(t *testing.T) {
		// Paris to London in 5 hours.
		check := svc.IsImpossibleTravel(48.8566, 2.3522, 51.5074, -0.1278, 5*3600)
		if check.Impossible {
			t.Errorf("unexpected impossible travel at %v km/h", check.RequiredSpeedKmh)
		}
	})

	t.Run("ZeroTimeDiffFarApart", func(t *testing.T) {
		check := svc.IsImpossibleTravel(48.8566, 2.3522, 51.5074, -0.1278, 0)
		if !check.Impossible {
			t.Error("expected impossible for 343km at zero time diff")
		}
		if !math.IsInf(check.RequiredSpeedKmh, 1) {
			t.Errorf("required speed = %v, want +Inf", check.RequiredSpeedKmh)
		}
	})

	t.Run("ZeroTimeDiffDuplicateRead", func(t *testing.T) {
		// Under 1km apart at the same instant is a duplicate read, not travel.
		check := svc.IsImpossibleTravel(48.8566, 2.3522, 48.8570, 2.3530, 0)
		if check.Impossible {
			t.Errorf("duplicate read flagged impossible at %v km", check.DistanceKm)
		}
	})
}

func TestClusterLocations(t *testing.T) {
	svc := NewService(domain.DefaultScoringConfig())

	t.Run("SingleClusterWithOutlier", func(t *testing.T) {
		// Five points within ~10km of central Paris, one isolated point
		// ~1000km away.
		points := []domain.GeoPoint{
			{Lat: 48.8566, Lon: 2.3522},
			{Lat: 48.90, Lon: 2.40},
			{Lat: 48.80, Lon: 2.30},
			{Lat: 48.86, Lon: 2.45},
			{Lat: 48.82, Lon: 2.36},
			{Lat: 40.4168, Lon: -3.7038}, // Madrid
		}

		result := svc.ClusterLocations(points)
		if result.ClusterCount != 1 {
			t.Fatalf("cluster count = %d, want 1", result.ClusterCount)
		}
		if len(result.Noise) != 1 {
			t.Fatalf("noise count = %d, want 1", len(result.Noise))
		}
		if result.Noise[0].Lat != 40.4168 {
			t.Errorf("wrong noise point: %+v", result.Noise[0])
		}
		if got := len(result.Clusters[1]); got != 5 {
			t.Errorf("cluster size = %d, want 5", got)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		result := svc.ClusterLocations(nil)
		if result.ClusterCount != 0 || len(result.Noise) != 0 {
			t.Errorf("unexpected result for empty input: %+v", result)
		}
	})

	t.Run("AllNoise", func(t *testing.T) {
		// Two points far apart: neither reaches minPts.
		points := []domain.GeoPoint{
			{Lat: 48.8566, Lon: 2.3522},
			{Lat: 40.4168, Lon: -3.7038},
		}
		result := svc.ClusterLocations(points)
		if result.ClusterCount != 0 {
			t.Errorf("cluster count = %d, want 0", result.ClusterCount)
		}
		if len(result.Noise) != 2 {
			t.Errorf("noise count = %d, want 2", len(result.Noise))
		}
	})
}

func TestDistanceToNearestCluster(t *testing.T) {
	svc := NewService(domain.DefaultScoringConfig())

	clusters := map[int][]domain.GeoPoint{
		1: {
			{Lat: 48.80, Lon: 2.30},
			{Lat: 48.90, Lon: 2.40},
		},
	}

	t.Run("InsideCluster", func(t *testing.T) {
		nc := svc.DistanceToNearestCluster(48.85, 2.35, clusters)
		if nc.OutsideCluster {
			t.Errorf("point near centroid reported outside (%.1f km)", nc.DistanceKm)
		}
		if nc.NearestClusterID != 1 {
			t.Errorf("nearest cluster = %d, want 1", nc.NearestClusterID)
		}
	})

	t.Run("FarFromCluster", func(t *testing.T) {
		// New York is far beyond the 500km bound.
		nc := svc.DistanceToNearestCluster(40.7128, -74.0060, clusters)
		if !nc.OutsideCluster {
			t.Errorf("transatlantic point reported inside (%.1f km)", nc.DistanceKm)
		}
	})

	t.Run("NoClusters", func(t *testing.T) {
		nc := svc.DistanceToNearestCluster(48.85, 2.35, nil)
		if !math.IsInf(nc.DistanceKm, 1) {
			t.Errorf("distance = %v, want +Inf", nc.DistanceKm)
		}
		if !nc.OutsideCluster {
			t.Error("expected outside_cluster with no clusters")
		}
	})
}
