package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoubling(t *testing.T) {
	min, max := time.Second, 30*time.Second
	assert.Equal(t, 1*time.Second, Backoff(min, max, 0, 1))
	assert.Equal(t, 2*time.Second, Backoff(min, max, 0, 2))
	assert.Equal(t, 4*time.Second, Backoff(min, max, 0, 3))
	assert.Equal(t, 16*time.Second, Backoff(min, max, 0, 5))
}

func TestBackoffCapped(t *testing.T) {
	min, max := time.Second, 30*time.Second
	assert.Equal(t, max, Backoff(min, max, 0, 6))
	assert.Equal(t, max, Backoff(min, max, 0, 50), "large attempts must not overflow")
}

func TestBackoffJitterBounds(t *testing.T) {
	min, max := time.Second, 30*time.Second
	for i := 0; i < 200; i++ {
		d := Backoff(min, max, 0.2, 3) // 4s pre-jitter
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
	for i := 0; i < 200; i++ {
		d := Backoff(min, max, 0.2, 20)
		assert.LessOrEqual(t, d, max, "jitter never exceeds the cap")
	}
}

func TestBackoffAttemptFloor(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, time.Minute, 0, 0))
	assert.Equal(t, time.Second, Backoff(time.Second, time.Minute, 0, -3))
}
