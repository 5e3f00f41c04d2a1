package locations_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/locations"
)

func TestRedisHistory(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	history := locations.NewRedisHistory(client, time.Minute)
	student := "st-" + uuid.NewString()

	_, ok, err := history.Last(ctx, student)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sample := geo.Sample{Point: geo.Point{Latitude: 48.8566, Longitude: 2.3522, Accuracy: 12}, At: at}
	require.NoError(t, history.Remember(ctx, student, sample))

	got, ok, err := history.Last(ctx, student)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sample, got)

	ttl, err := client.TTL(ctx, "scan_location:"+student).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisHistoryWithoutClient(t *testing.T) {
	history := locations.NewRedisHistory(nil, time.Minute)
	_, _, err := history.Last(context.Background(), "st")
	assert.EqualError(t, err, "redis_not_configured")
}
