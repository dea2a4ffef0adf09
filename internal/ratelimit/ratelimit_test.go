package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimitedAllowsUpToMax(t *testing.T) {
	l := New(nil)
	limit := Limit{Max: 3, Window: time.Minute}
	ipHash := HashIP("1.2.3.4", "salt")

	for i := 0; i < 3; i++ {
		assert.False(t, l.IsRateLimited(ipHash, ActionAuth, limit))
	}
	assert.True(t, l.IsRateLimited(ipHash, ActionAuth, limit))
}

func TestIsRateLimitedResetsAfterWindow(t *testing.T) {
	l := New(nil)
	limit := Limit{Max: 1, Window: 5 * time.Millisecond}
	ipHash := HashIP("5.6.7.8", "salt")

	assert.False(t, l.IsRateLimited(ipHash, ActionConnection, limit))
	assert.True(t, l.IsRateLimited(ipHash, ActionConnection, limit))

	time.Sleep(10 * time.Millisecond)
	assert.False(t, l.IsRateLimited(ipHash, ActionConnection, limit))
}

func TestResetForIPClearsCounter(t *testing.T) {
	l := New(nil)
	limit := Limit{Max: 1, Window: time.Minute}
	ipHash := HashIP("9.9.9.9", "salt")

	assert.False(t, l.IsRateLimited(ipHash, ActionAuth, limit))
	assert.True(t, l.IsRateLimited(ipHash, ActionAuth, limit))

	l.ResetForIP(ipHash, ActionAuth)
	assert.False(t, l.IsRateLimited(ipHash, ActionAuth, limit))
}

func TestActionsAreIndependentBuckets(t *testing.T) {
	l := New(nil)
	limit := Limit{Max: 1, Window: time.Minute}
	ipHash := HashIP("1.1.1.1", "salt")

	assert.False(t, l.IsRateLimited(ipHash, ActionAuth, limit))
	assert.False(t, l.IsRateLimited(ipHash, ActionMessage, limit))
}

func TestHashIPIsDeterministicAndTruncated(t *testing.T) {
	h1 := HashIP("1.2.3.4", "salt")
	h2 := HashIP("1.2.3.4", "salt")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)

	h3 := HashIP("1.2.3.4", "othersalt")
	assert.NotEqual(t, h1, h3)
}
