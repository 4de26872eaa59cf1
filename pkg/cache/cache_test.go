package cache

import (
	"context"
	"testing"
	"time"

	"autoloc/pkg/config"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vehicle struct {
	ID    uint   `json:"id"`
	Plate string `json:"plate"`
}

func TestVehicleKey(t *testing.T) {
	assert.Equal(t, "fleet:vehicle:12", VehicleKey(12))
}

func TestDisabledCache(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, config.RedisConfig{TTL: time.Minute}, nil)
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	c.SetJSON(ctx, VehicleKey(1), vehicle{ID: 1, Plate: "AB-1"})
	var v vehicle
	assert.False(t, c.GetJSON(ctx, VehicleKey(1), &v))
	c.Invalidate(ctx, VehicleKey(1))
	assert.False(t, c.Healthy(ctx))
	assert.NoError(t, c.Close())
}

func TestNilCache(t *testing.T) {
	var c *Cache
	var v vehicle
	assert.False(t, c.Enabled())
	assert.False(t, c.GetJSON(context.Background(), "k", &v))
	assert.NotPanics(t, func() { c.SetJSON(context.Background(), "k", v) })
}

func TestUnreachableRedis(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, config.RedisConfig{Addr: "127.0.0.1:1", TTL: time.Minute}, nil)
	assert.Error(t, err)
	require.NotNil(t, c)
	assert.False(t, c.Enabled())
}

func TestClientErrorsDegradeToMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewWithClient(client, time.Minute, nil)
	defer c.Close()
	ctx := context.Background()

	var v vehicle
	assert.False(t, c.GetJSON(ctx, VehicleKey(2), &v))
	assert.NotPanics(t, func() {
		c.SetJSON(ctx, VehicleKey(2), vehicle{ID: 2})
		c.Invalidate(ctx, VehicleKey(2))
	})
	assert.False(t, c.Healthy(ctx))
}
