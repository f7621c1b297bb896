package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualScheduler_StartsAtZero(t *testing.T) {
	s := NewManualScheduler()
	assert.Equal(t, time.Duration(0), s.Now())
	assert.False(t, s.FireNext())
}

func TestManualScheduler_AdvanceRunsDueTimersInOrder(t *testing.T) {
	s := NewManualScheduler()
	var fired []string

	s.AfterFunc(30*time.Millisecond, func() { fired = append(fired, "c") })
	s.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "a") })
	s.AfterFunc(20*time.Millisecond, func() { fired = append(fired, "b") })

	s.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 20*time.Millisecond, s.Now())
	assert.Equal(t, 1, s.Pending())

	s.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestManualScheduler_Stop(t *testing.T) {
	s := NewManualScheduler()
	fired := false

	stop := s.AfterFunc(time.Second, func() { fired = true })
	require.True(t, stop())
	assert.False(t, stop(), "second stop reports already stopped")

	s.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, s.Pending())
}

func TestManualScheduler_FireNext(t *testing.T) {
	s := NewManualScheduler()
	fired := 0

	s.AfterFunc(150*time.Millisecond, func() { fired++ })
	require.True(t, s.FireNext())
	assert.Equal(t, 1, fired)
	assert.Equal(t, 150*time.Millisecond, s.Now())
}

func TestManualScheduler_TimerScheduledFromCallback(t *testing.T) {
	s := NewManualScheduler()
	var fired []time.Duration

	s.AfterFunc(10*time.Millisecond, func() {
		fired = append(fired, s.Now())
		s.AfterFunc(10*time.Millisecond, func() { fired = append(fired, s.Now()) })
	})

	s.Advance(25 * time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, fired)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, s.Delays())
}
