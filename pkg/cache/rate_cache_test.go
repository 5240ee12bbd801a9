package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mExOms/fxcore/pkg/types"
)

func sampleRate(from, to, mid string) types.Rate {
	return types.Rate{
		From:      from,
		To:        to,
		Rate:      decimal.RequireFromString(mid),
		Timestamp: time.Now(),
	}
}

func TestRateCachePutGet(t *testing.T) {
	c := NewRateCache(time.Minute)
	defer c.Stop()

	c.Put(sampleRate("EUR", "USD", "1.1000"))

	rate, found, fresh := c.Get("EUR", "USD")
	assert.True(t, found)
	assert.True(t, fresh)
	assert.Equal(t, "1.1", rate.Rate.String())

	_, found, _ = c.Get("GBP", "USD")
	assert.False(t, found)
}

func TestRateCacheStaleButPresent(t *testing.T) {
	c := NewRateCache(20 * time.Millisecond)
	defer c.Stop()

	c.Put(sampleRate("EUR", "USD", "1.1000"))
	time.Sleep(40 * time.Millisecond)

	// Past the validity window the entry stays readable for carry-forward but
	// is no longer fresh.
	rate, found, fresh := c.Get("EUR", "USD")
	assert.True(t, found)
	assert.False(t, fresh)
	assert.Equal(t, "1.1", rate.Rate.String())
}

func TestRateCacheOverwrite(t *testing.T) {
	c := NewRateCache(time.Minute)
	defer c.Stop()

	c.Put(sampleRate("EUR", "USD", "1.1000"))
	c.Put(sampleRate("EUR", "USD", "1.1015"))

	rate, _, _ := c.Get("EUR", "USD")
	assert.Equal(t, "1.1015", rate.Rate.String())
	assert.Equal(t, 1, c.Len())
}

func TestRateCacheInvalidate(t *testing.T) {
	c := NewRateCache(time.Minute)
	defer c.Stop()

	c.Put(sampleRate("EUR", "USD", "1.1000"))
	c.Invalidate("EUR", "USD")

	_, found, _ := c.Get("EUR", "USD")
	assert.False(t, found)
}

func TestRateCacheEviction(t *testing.T) {
	c := NewRateCache(time.Millisecond)
	defer c.Stop()

	c.Put(sampleRate("EUR", "USD", "1.1000"))
	time.Sleep(20 * time.Millisecond)
	c.evictAged()

	_, found, _ := c.Get("EUR", "USD")
	assert.False(t, found)
	assert.Equal(t, 0, c.Len())
}
