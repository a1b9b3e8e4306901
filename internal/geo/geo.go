// Package geo provides the pure geospatial primitives used by the
// geolocation detectors: great-circle distance, impossible-travel checks
// and density-based location clustering.
package geo

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371.0

// sameInstantFloorKm is the distance below which two readings with a
// non-positive time difference are treated as duplicate reads rather than
// impossible travel.
const sameInstantFloorKm = 1.0

// Service exposes the geospatial math with its configured limits.
// All methods are pure; malformed or empty inputs yield zeroed or infinite
// sentinel results, never errors.
type Service struct {
	cfg *domain.ScoringConfig
}

// NewService creates a geo service with the given configuration.
func NewService(cfg *domain.ScoringConfig) *Service {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return &Service{cfg: cfg}
}

// HaversineDistance returns the great-circle distance in kilometers between
// two points.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// HaversineDistance is the method form used by collaborators holding a *Service.
func (s *Service) HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	return HaversineDistance(lat1, lon1, lat2, lon2)
}

// TravelCheck is the result of an impossible-travel evaluation.
type TravelCheck struct {
	Impossible       bool    `json:"impossible"`
	DistanceKm       float64 `json:"distanceKm"`
	RequiredSpeedKmh float64 `json:"requiredSpeedKmh"`
	MaxSpeedKmh      float64 `json:"maxSpeedKmh"`
}

// IsImpossibleTravel reports whether moving between the two points within
// timeDiffSeconds would require a speed above the configured maximum.
// A non-positive time difference is impossible only when the points are more
// than 1km apart, with the required speed reported as infinite.
func (s *Service) IsImpossibleTravel(lat1, lon1, lat2, lon2, timeDiffSeconds float64) TravelCheck {
	dist := HaversineDistance(lat1, lon1, lat2, lon2)
	check := TravelCheck{
		DistanceKm:  dist,
		MaxSpeedKmh: s.cfg.MaxSpeedKmh,
	}

	if timeDiffSeconds <= 0 {
		check.RequiredSpeedKmh = math.Inf(1)
		check.Impossible = dist > sameInstantFloorKm
		return check
	}

	check.RequiredSpeedKmh = dist / (timeDiffSeconds / 3600)
	check.Impossible = check.RequiredSpeedKmh > s.cfg.MaxSpeedKmh
	return check
}

// ClusterResult is the output of DBSCAN clustering over location history.
type ClusterResult struct {
	// Clusters maps cluster id (1-based) to member points.
	Clusters map[int][]domain.GeoPoint `json:"clusters"`
	// Noise holds points that joined no cluster.
	Noise        []domain.GeoPoint `json:"noise"`
	ClusterCount int               `json:"clusterCount"`
}

// ClusterLocations runs DBSCAN over the points with the configured eps and
// minPts. Deterministic given stable input ordering: points reachable within
// eps of a core point join its cluster; points with fewer than minPts
// neighbors become noise (label 0) unless later absorbed by a growing cluster.
func (s *Service) ClusterLocations(points []domain.GeoPoint) ClusterResult {
	result := ClusterResult{Clusters: map[int][]domain.GeoPoint{}}
	n := len(points)
	if n == 0 {
		return result
	}

	const (
		unvisited = -1
		noise     = 0
	)

	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	neighborsOf := func(i int) []int {
		var nb []int
		for j := 0; j < n; j++ {
			if HaversineDistance(points[i].Lat, points[i].Lon, points[j].Lat, points[j].Lon) <= s.cfg.DBSCANEpsKm {
				nb = append(nb, j)
			}
		}
		return nb
	}

	clusterID := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbors := neighborsOf(i)
		if len(neighbors) < s.cfg.DBSCANMinPoints {
			labels[i] = noise
			continue
		}

		clusterID++
		labels[i] = clusterID

		// Expand the cluster via the seed queue. Noise points reachable from
		// a core point get absorbed as border members.
		queue := append([]int(nil), neighbors...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == noise {
				labels[j] = clusterID
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = clusterID
			jNeighbors := neighborsOf(j)
			if len(jNeighbors) >= s.cfg.DBSCANMinPoints {
				queue = append(queue, jNeighbors...)
			}
		}
	}

	for i, label := range labels {
		if label == noise {
			result.Noise = append(result.Noise, points[i])
			continue
		}
		result.Clusters[label] = append(result.Clusters[label], points[i])
	}
	result.ClusterCount = clusterID
	return result
}

// NearestCluster is the result of a distance-to-nearest-cluster query.
type NearestCluster struct {
	DistanceKm       float64 `json:"distanceKm"`
	NearestClusterID int     `json:"nearestClusterId"`
	OutsideCluster   bool    `json:"outsideCluster"`
}

// DistanceToNearestCluster measures how far a point lies from the centroid of
// its nearest cluster. With no clusters the distance is reported as infinite
// and the point as outside.
func (s *Service) DistanceToNearestCluster(lat, lon float64, clusters map[int][]domain.GeoPoint) NearestCluster {
	nearest := NearestCluster{
		DistanceKm:     math.Inf(1),
		OutsideCluster: true,
	}

	for id, members := range clusters {
		if len(members) == 0 {
			continue
		}
		var sumLat, sumLon float64
		for _, p := range members {
			sumLat += p.Lat
			sumLon += p.Lon
		}
		centroidLat := sumLat / float64(len(members))
		centroidLon := sumLon / float64(len(members))

		d := HaversineDistance(lat, lon, centroidLat, centroidLon)
		if d < nearest.DistanceKm {
			nearest.DistanceKm = d
			nearest.NearestClusterID = id
		}
	}

	if !math.IsInf(nearest.DistanceKm, 1) {
		nearest.OutsideCluster = nearest.DistanceKm > s.cfg.MaxClusterDistanceKm
	}
	return nearest
}
