package timecorr

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// SpeedOfLight in km/s.
const SpeedOfLight = 299792.458

// DelayModel yields the space-to-ground propagation delay at a given time.
type DelayModel interface {
	PropagationDelay(at time.Time) time.Duration
}

// StaticDelay is a constant propagation delay.
type StaticDelay time.Duration

// PropagationDelay returns the fixed delay.
func (d StaticDelay) PropagationDelay(time.Time) time.Duration { return time.Duration(d) }

// GroundStation is a geodetic station location.
type GroundStation struct {
	LatitudeDeg  float64 `mapstructure:"latitude_deg"`
	LongitudeDeg float64 `mapstructure:"longitude_deg"`
	AltitudeKm   float64 `mapstructure:"altitude_km"`
}

// OrbitDelay derives the propagation delay from the slant range between an
// SGP4-propagated spacecraft and a ground station.
type OrbitDelay struct {
	sat     satellite.Satellite
	station [3]float64 // ECEF, km
}

// NewOrbitDelay constructs an orbit based delay model from TLE lines.
func NewOrbitDelay(line1, line2 string, gs GroundStation) *OrbitDelay {
	return &OrbitDelay{
		sat:     satellite.TLEToSat(line1, line2, satellite.GravityWGS72),
		station: geodeticToECEF(gs),
	}
}

// PropagationDelay returns the one-way light time at 'at'.
func (o *OrbitDelay) PropagationDelay(at time.Time) time.Duration {
	return time.Duration(o.RangeKm(at) / SpeedOfLight * float64(time.Second))
}

// RangeKm returns the slant range in kilometres at 'at'.
func (o *OrbitDelay) RangeKm(at time.Time) float64 {
	at = at.UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	posECI, _ := satellite.Propagate(o.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	posECEF := satellite.ECIToECEF(posECI, satellite.ThetaG_JD(jd))

	dx := posECEF.X - o.station[0]
	dy := posECEF.Y - o.station[1]
	dz := posECEF.Z - o.station[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// WGS84 ellipsoid.
const (
	earthEquatorialKm = 6378.137
	earthFlattening   = 1 / 298.257223563
)

func geodeticToECEF(gs GroundStation) [3]float64 {
	lat := gs.LatitudeDeg * math.Pi / 180
	lon := gs.LongitudeDeg * math.Pi / 180
	e2 := earthFlattening * (2 - earthFlattening)
	sinLat := math.Sin(lat)
	n := earthEquatorialKm / math.Sqrt(1-e2*sinLat*sinLat)
	return [3]float64{
		(n + gs.AltitudeKm) * math.Cos(lat) * math.Cos(lon),
		(n + gs.AltitudeKm) * math.Cos(lat) * math.Sin(lon),
		(n*(1-e2) + gs.AltitudeKm) * sinLat,
	}
}
