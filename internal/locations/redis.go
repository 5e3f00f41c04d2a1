package locations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/session"
)

// RedisHistory keeps the last accepted scan location of each student so the
// spoof detector can estimate travel speed between scans.
type RedisHistory struct {
	redis redis.Cmdable
	ttl   time.Duration
}

func NewRedisHistory(client redis.Cmdable, ttl time.Duration) *RedisHistory {
	return &RedisHistory{redis: client, ttl: ttl}
}

var _ session.LocationHistory = (*RedisHistory)(nil)

type sampleRecord struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	At        int64   `json:"at"`
}

func (h *RedisHistory) Last(ctx context.Context, studentID string) (geo.Sample, bool, error) {
	if h.redis == nil {
		return geo.Sample{}, false, errors.New("redis_not_configured")
	}
	value, err := h.redis.Get(ctx, scanLocationKey(studentID)).Result()
	if err == redis.Nil {
		return geo.Sample{}, false, nil
	}
	if err != nil {
		return geo.Sample{}, false, err
	}
	var record sampleRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return geo.Sample{}, false, err
	}
	return geo.Sample{
		Point: geo.Point{Latitude: record.Latitude, Longitude: record.Longitude, Accuracy: record.Accuracy},
		At:    time.UnixMilli(record.At).UTC(),
	}, true, nil
}

func (h *RedisHistory) Remember(ctx context.Context, studentID string, sample geo.Sample) error {
	if h.redis == nil {
		return errors.New("redis_not_configured")
	}
	data, err := json.Marshal(sampleRecord{
		Latitude:  sample.Point.Latitude,
		Longitude: sample.Point.Longitude,
		Accuracy:  sample.Point.Accuracy,
		At:        sample.At.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return h.redis.Set(ctx, scanLocationKey(studentID), data, h.ttl).Err()
}

func scanLocationKey(studentID string) string {
	return fmt.Sprintf("scan_location:%s", studentID)
}
