package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockLedger_DefaultsToNoClock(t *testing.T) {
	l := NewClockLedger()

	assert.Equal(t, NoClock, l.Get("snap-1", "alice"))
	_, ok := l.Lookup("snap-1", "alice")
	assert.False(t, ok)
}

func TestClockLedger_SetGet(t *testing.T) {
	l := NewClockLedger()

	l.Set("snap-1", "alice", 0)
	l.Set("snap-1", "alice", 1)
	l.Set("snap-1", "bob", 4)

	assert.Equal(t, int64(1), l.Get("snap-1", "alice"))
	assert.Equal(t, int64(4), l.Get("snap-1", "bob"))
	assert.Equal(t, map[string]int64{"alice": 1, "bob": 4}, l.Clocks("snap-1"))
}

func TestClockLedger_NeverMovesBackwards(t *testing.T) {
	l := NewClockLedger()

	l.Set("snap-1", "alice", 5)
	l.Set("snap-1", "alice", 2)

	assert.Equal(t, int64(5), l.Get("snap-1", "alice"))
}

func TestClockLedger_ClocksIsCopy(t *testing.T) {
	l := NewClockLedger()
	l.Set("snap-1", "alice", 1)

	c := l.Clocks("snap-1")
	c["alice"] = 99

	assert.Equal(t, int64(1), l.Get("snap-1", "alice"))
	assert.NotNil(t, l.Clocks("unknown"))
}

func TestClockLedger_Reset(t *testing.T) {
	l := NewClockLedger()
	l.Set("snap-1", "alice", 3)

	l.Reset("snap-2", map[string]int64{"bob": 7})

	assert.Equal(t, NoClock, l.Get("snap-1", "alice"))
	assert.Equal(t, int64(7), l.Get("snap-2", "bob"))

	l.Reset("", nil)
	assert.Empty(t, l.Clocks("snap-2"))
}
