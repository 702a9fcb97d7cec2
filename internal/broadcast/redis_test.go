package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-gate/internal/decision"
	"trust-gate/internal/engine"
	"trust-gate/internal/market"
)

type fakeRedis struct {
	sets      map[string][]byte
	ttls      map[string]time.Duration
	published []string
	err       error
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.sets[key] = value.([]byte)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, _ any) *redis.IntCmd {
	f.published = append(f.published, channel)
	return redis.NewIntResult(1, nil)
}

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestPublisherWritesChangesAndRefreshes(t *testing.T) {
	fake := &fakeRedis{sets: map[string][]byte{}, ttls: map[string]time.Duration{}}
	p := newPublisher(fake, Config{TTL: 10 * time.Second},
		market.Instrument{Exchange: "binance-futures", Symbol: "BTCUSDT"}, "run-9")
	ctx := context.Background()

	first := engine.Evaluation{Seq: 1, At: t0, Decision: decision.Halted, Reasons: []string{"trust=UNTRUSTED"}, Changed: true, DecisionChanged: true}
	require.NoError(t, p.Handle(ctx, first))

	key := "trustgate:binance-futures:BTCUSDT:decision"
	require.Contains(t, fake.sets, key)
	assert.Equal(t, 10*time.Second, fake.ttls[key])
	var msg Message
	require.NoError(t, json.Unmarshal(fake.sets[key], &msg))
	assert.Equal(t, "HALTED", msg.Decision)
	assert.Equal(t, "run-9", msg.RunID)
	assert.Equal(t, []string{"trustgate:binance-futures:BTCUSDT:decisions"}, fake.published)

	// unchanged and within half the ttl: nothing written
	delete(fake.sets, key)
	require.NoError(t, p.Handle(ctx, engine.Evaluation{Seq: 2, At: t0.Add(time.Second), Decision: decision.Halted}))
	assert.NotContains(t, fake.sets, key)

	// unchanged but the key is about to expire: refreshed, not published
	require.NoError(t, p.Handle(ctx, engine.Evaluation{Seq: 3, At: t0.Add(6 * time.Second), Decision: decision.Halted}))
	assert.Contains(t, fake.sets, key)
	assert.Len(t, fake.published, 1)
}

func TestPublisherReportsRedisErrors(t *testing.T) {
	fake := &fakeRedis{sets: map[string][]byte{}, ttls: map[string]time.Duration{}, err: errors.New("down")}
	p := newPublisher(fake, Config{KeyPrefix: "gate"}, market.Instrument{Exchange: "x", Symbol: "Y"}, "r")
	err := p.Handle(context.Background(), engine.Evaluation{Changed: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate:x:Y:decision")
	assert.NoError(t, p.Close())
}
