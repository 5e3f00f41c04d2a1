package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/metrics"
)

type Options struct {
	DefaultDuration time.Duration
	MinDuration     time.Duration
	MaxDuration     time.Duration
	DefaultRadius   float64
	MinRadius       float64
	MaxRadius       float64
	// ScanBuffer widens the accepted scan window on both sides.
	ScanBuffer time.Duration
	Spoofing   geo.Detector
	// Location decides which calendar day a session belongs to.
	Location *time.Location
	Now      func() time.Time
	NewID    func() string
}

func DefaultOptions() Options {
	return Options{
		DefaultDuration: 15 * time.Minute,
		MinDuration:     5 * time.Minute,
		MaxDuration:     120 * time.Minute,
		DefaultRadius:   100,
		MinRadius:       10,
		MaxRadius:       1000,
		ScanBuffer:      5 * time.Minute,
		Spoofing:        geo.DefaultDetector(),
		Location:        time.UTC,
	}
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.New().String() }
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

func (o Options) clampDuration(minutes int) time.Duration {
	// Compare before multiplying; a huge minute count would wrap around.
	if minutes > int(o.MaxDuration/time.Minute) {
		return o.MaxDuration
	}
	d := time.Duration(minutes) * time.Minute
	if minutes == 0 {
		d = o.DefaultDuration
	}
	if d < o.MinDuration {
		d = o.MinDuration
	}
	if d > o.MaxDuration {
		d = o.MaxDuration
	}
	return d
}

func (o Options) clampRadius(radius float64) float64 {
	if radius == 0 {
		radius = o.DefaultRadius
	}
	if radius < o.MinRadius {
		radius = o.MinRadius
	}
	if radius > o.MaxRadius {
		radius = o.MaxRadius
	}
	return radius
}

func (o Options) day(t time.Time) string {
	return t.In(o.Location).Format("2006-01-02")
}

// Deps are the collaborators shared by Manager and Scanner. History, Records
// and Metrics are optional.
type Deps struct {
	Store   Store
	Roster  Roster
	Codec   Codec
	History LocationHistory
	Records RecordSink
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
}

func (d Deps) logger() logrus.FieldLogger {
	if d.Log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		return l
	}
	return d.Log
}
