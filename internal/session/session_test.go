package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStartSupersedes(t *testing.T) {
	c := NewController(zaptest.NewLogger(t))

	a := c.Start(context.Background(), "north")
	require.Len(t, a.Token, 32)
	assert.True(t, a.Current())

	b := c.Start(context.Background(), "north")
	assert.NotEqual(t, a.Token, b.Token)
	assert.False(t, a.Current())
	assert.True(t, b.Current())
	assert.Error(t, a.Context().Err(), "superseded session context is cancelled")
	assert.NoError(t, b.Context().Err())

	// The superseded session ending must not touch the new one.
	c.End(a)
	assert.True(t, b.Current())
}

func TestConcurrentStartsLeaveOneCurrent(t *testing.T) {
	c := NewController(zaptest.NewLogger(t))

	const n = 64
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = c.Start(context.Background(), "gate")
		}(i)
	}
	wg.Wait()

	current := 0
	for _, s := range sessions {
		if s.Current() {
			current++
		} else {
			assert.Error(t, s.Context().Err())
		}
	}
	assert.Equal(t, 1, current)
}

func TestStop(t *testing.T) {
	c := NewController(zaptest.NewLogger(t))

	assert.False(t, c.Stop("ghost"), "unknown camera")

	s := c.Start(context.Background(), "yard")
	assert.Equal(t, []string{"yard"}, c.Active())

	assert.True(t, c.Stop("yard"))
	assert.False(t, s.Current())
	assert.Error(t, s.Context().Err())
	assert.Empty(t, c.Active())

	assert.False(t, c.Stop("yard"), "already stopped")
	assert.False(t, c.IsCurrent("yard", s.Token))
}

func TestEndClearsActiveWhenCurrent(t *testing.T) {
	c := NewController(zaptest.NewLogger(t))

	s := c.Start(context.Background(), "dock")
	c.End(s)
	assert.False(t, s.Current())
	assert.False(t, c.Stop("dock"))
}

func TestParentCancellation(t *testing.T) {
	c := NewController(zaptest.NewLogger(t))
	parent, cancel := context.WithCancel(context.Background())

	s := c.Start(parent, "roof")
	cancel()
	assert.Error(t, s.Context().Err())
	// Currency is tracked separately from the request context.
	assert.True(t, s.Current())
}
