package reliability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLearner_SubmitAndRun(t *testing.T) {
	l := newLearner(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.Run(ctx))
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Submit(outcome(fmt.Sprintf("o%d", i), "fm", true)))
	}
	assert.Eventually(t, func() bool {
		s, ok := l.Score("fm")
		return ok && s.Samples == 10
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLearner_SubmitQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	l := newLearner(t, cfg)

	require.NoError(t, l.Submit(outcome("o1", "fm", true)))
	assert.ErrorIs(t, l.Submit(outcome("o2", "fm", true)), ErrQueueFull)

	_, isValidation := l.Submit(outcome("", "fm", true)).(*ValidationError)
	assert.True(t, isValidation)
}

func TestLearner_RunDrainsOnShutdown(t *testing.T) {
	l := newLearner(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Submit(outcome(fmt.Sprintf("o%d", i), "fm", false)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))

	s, ok := l.Score("fm")
	require.True(t, ok)
	assert.Equal(t, int64(5), s.Samples)
}
