package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineLimits(t *testing.T) {
	a := RateLimit{RPM: 30, Burst: 5}
	b := RateLimit{RPM: 20, Burst: 0}
	combined := CombineLimits(a, b)
	assert.Equal(t, 20, combined.RPM)
	assert.Equal(t, 5, combined.Burst)
}

func TestLimitForSourceBuiltIn(t *testing.T) {
	limit := LimitForSource(" Bing ")
	assert.Equal(t, 180, limit.RPM)
}

func TestLimiterBurstThenBlocks(t *testing.T) {
	l := NewLimiter(map[string]RateLimit{"wechat": {RPM: 1, Burst: 2}})

	assert.True(t, l.Allow("wechat"))
	assert.True(t, l.Allow("wechat"))
	assert.False(t, l.Allow("wechat"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "wechat"))
}

func TestLimiterUnknownSourceUnlimited(t *testing.T) {
	l := NewLimiter(nil)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("custom-unlisted"))
	}
}
