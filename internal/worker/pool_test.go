package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p := NewPool("test", 2, zaptest.NewLogger(t))
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	for i := 0; i < 2; i++ {
		ok := p.TrySubmit("block", func(ctx context.Context) {
			started.Done()
			<-release
		})
		require.True(t, ok)
	}
	started.Wait()

	assert.False(t, p.TrySubmit("extra", func(ctx context.Context) {}))
	assert.Equal(t, uint64(1), p.Rejected())

	close(release)
	require.NoError(t, p.Close(context.Background()))
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool("test", 1, zaptest.NewLogger(t))
	done := make(chan struct{})
	require.True(t, p.TrySubmit("panic", func(ctx context.Context) {
		defer close(done)
		panic("boom")
	}))
	<-done

	var ran atomic.Bool
	require.Eventually(t, func() bool {
		return p.TrySubmit("after", func(ctx context.Context) { ran.Store(true) })
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close(context.Background()))
	assert.True(t, ran.Load())
}

func TestPoolCloseCancelsTasks(t *testing.T) {
	p := NewPool("test", 1, zaptest.NewLogger(t))
	started := make(chan struct{})
	require.True(t, p.TrySubmit("wait", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	require.NoError(t, p.Close(context.Background()))
	assert.False(t, p.TrySubmit("late", func(ctx context.Context) {}))
	assert.ErrorIs(t, p.Close(context.Background()), ErrClosed)
}
