package geo

import "math"

const earthRadiusM = 6371000.0

// DistanceM returns the great-circle distance in meters between two
// WGS84 coordinates using the haversine formula. The asin input is
// clamped so antipodal or pole-adjacent pairs never produce NaN.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	sa := math.Sin(dlat / 2)
	sb := math.Sin(dlon / 2)
	h := sa*sa + math.Cos(rlat1)*math.Cos(rlat2)*sb*sb
	root := Clamp(math.Sqrt(h), 0, 1)
	return 2 * earthRadiusM * math.Asin(root)
}

func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
