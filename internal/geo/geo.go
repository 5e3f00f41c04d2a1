package geo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const earthRadiusMeters = 6371000.0

var ErrInvalidPoint = errors.New("invalid coordinates")

// Point is a WGS84 position. Accuracy is the reported horizontal accuracy in
// meters; zero means the device did not report one.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidPoint, p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidPoint, p.Longitude)
	}
	if math.IsNaN(p.Accuracy) || p.Accuracy < 0 {
		return fmt.Errorf("%w: accuracy %v", ErrInvalidPoint, p.Accuracy)
	}
	return nil
}

// Distance returns the haversine great-circle distance in meters. Accuracy is ignored.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

type Verdict struct {
	OK              bool
	DistanceMeters  float64
	EffectiveRadius float64
	Reason          string
}

// Verify checks sample against the geofence around anchor. Both accuracies widen
// the allowed radius.
func Verify(anchor, sample Point, allowedRadiusMeters float64) Verdict {
	distance := Distance(anchor, sample)
	effective := allowedRadiusMeters + anchor.Accuracy + sample.Accuracy
	v := Verdict{
		OK:              distance <= effective,
		DistanceMeters:  distance,
		EffectiveRadius: effective,
	}
	if !v.OK {
		v.Reason = fmt.Sprintf("you are %s away from the session location, allowed radius is %s",
			FormatMeters(distance), FormatMeters(allowedRadiusMeters))
	}
	return v
}

// FormatMeters renders a distance for people: whole meters below 1km, kilometers above.
func FormatMeters(m float64) string {
	if m >= 1000 {
		return fmt.Sprintf("%.2fkm", m/1000)
	}
	return fmt.Sprintf("%.0fm", m)
}

// Sample is a point observed at a given time.
type Sample struct {
	Point Point     `json:"point"`
	At    time.Time `json:"at"`
}

type SpoofCheck struct {
	Suspicious bool
	Reasons    []string
}

// Detector holds the thresholds of the spoofing heuristics. Findings are
// advisory and never reject a scan.
type Detector struct {
	// MaxSpeed is the fastest plausible movement between two samples, in m/s.
	MaxSpeed float64
	// CleanAccuracy flags reported accuracies below it when the coordinates
	// carry no more than six decimals.
	CleanAccuracy float64
}

func DefaultDetector() Detector {
	return Detector{MaxSpeed: 15, CleanAccuracy: 5}
}

// Detect runs the heuristics on sample. previous may be nil; elapsed is ignored
// unless positive.
func (d Detector) Detect(sample Point, previous *Point, elapsed time.Duration) SpoofCheck {
	var check SpoofCheck
	flag := func(reason string) {
		check.Suspicious = true
		check.Reasons = append(check.Reasons, reason)
	}

	if sample.Latitude == 0 && sample.Longitude == 0 {
		flag("coordinates at (0,0)")
	}
	if sample.Accuracy > 0 && sample.Accuracy < d.CleanAccuracy &&
		atMostSixDecimals(sample.Latitude) && atMostSixDecimals(sample.Longitude) {
		flag(fmt.Sprintf("accuracy %.1fm with suspiciously rounded coordinates", sample.Accuracy))
	}
	if previous != nil && elapsed > 0 && d.MaxSpeed > 0 {
		speed := Distance(*previous, sample) / elapsed.Seconds()
		if speed > d.MaxSpeed {
			flag(fmt.Sprintf("implied speed %.1fm/s exceeds %.1fm/s", speed, d.MaxSpeed))
		}
	}
	return check
}

func atMostSixDecimals(v float64) bool {
	scaled := v * 1e6
	return math.Abs(scaled-math.Round(scaled)) < 1e-6
}
