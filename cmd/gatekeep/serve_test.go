package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/gatekeep/adapters/events"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/internal/config"
	"github.com/layer-3/gatekeep/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_RedisStreamIsTrimmed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{Bus: config.BusConfig{Backend: config.BusRedisStream, MaxLen: 100}}
	publisher, subscriber, err := bus(cfg, client, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = publisher.Close()
		_ = subscriber.Close()
	})

	ctx := context.Background()
	pub := events.NewWatermillPublisher(publisher, nil)
	for i := 0; i < 1000; i++ {
		require.NoError(t, pub.PublishPush(ctx, "u1", core.Event{ID: "e", Type: "note"}))
	}

	n, err := client.XLen(ctx, events.TopicPush).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(2*cfg.Bus.MaxLen))
}

func TestBus_GoChannel(t *testing.T) {
	cfg := &config.Config{Bus: config.BusConfig{Backend: config.BusGoChannel}}
	publisher, subscriber, err := bus(cfg, nil, logging.Discard())
	require.NoError(t, err)
	assert.Same(t, publisher, subscriber)
}
