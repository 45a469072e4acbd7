package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	base := []OrchestratorOption{
		WithWorkers(2),
		WithSchedulerTick(10 * time.Millisecond),
		WithMetricsInterval(10 * time.Millisecond),
		WithOrchestratorLogger(discardLogger()),
	}
	o, err := NewOrchestrator(NewBuffer(10, nil, discardLogger()), append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func TestOrchestratorProcessesByType(t *testing.T) {
	o := newTestOrchestrator(t)

	processed := make(chan *model.QueueMessage, 1)
	o.RegisterProcessor(model.TypeChatMessage, ProcessorFunc(func(_ context.Context, m *model.QueueMessage) (bool, error) {
		processed <- m
		return true, nil
	}))
	o.Start()
	defer o.Stop()

	id, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage, Text: "hi"}, EnqueueOptions{
		Priority:   model.PriorityNormal,
		Recipient:  "u1",
		MaxRetries: -1,
	})
	require.NoError(t, err)

	select {
	case m := <-processed:
		assert.Equal(t, id, m.ID)
		assert.Equal(t, "u1", m.Recipient)
	case <-time.After(time.Second):
		t.Fatal("message never processed")
	}
}

func TestEnqueueDefaultsOmittedPriorityToNormal(t *testing.T) {
	o := newTestOrchestrator(t)

	// Workers are not started: the message stays queued for inspection.
	_, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage}, EnqueueOptions{})
	require.NoError(t, err)

	depth := o.pq.LenByPriority()
	assert.Equal(t, 1, depth["normal"], "omitted priority must land on the NORMAL level")
	assert.Equal(t, 0, depth["critical"])
}

func TestOrchestratorRetriesThenDeadLetters(t *testing.T) {
	o := newTestOrchestrator(t, WithWorkers(1), WithMaxRetries(2))

	var attempts atomic.Int32
	o.RegisterProcessor(model.TypeChatMessage, ProcessorFunc(func(context.Context, *model.QueueMessage) (bool, error) {
		attempts.Add(1)
		return false, errors.New("downstream unavailable")
	}))
	o.Start()
	defer o.Stop()

	id, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage}, EnqueueOptions{
		Priority:   model.PriorityHigh,
		MaxRetries: -1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(o.DeadLetters()) == 1
	}, time.Second, 10*time.Millisecond)

	// One initial attempt plus two retries.
	assert.Equal(t, int32(3), attempts.Load())

	dead := o.DeadLetters()[0]
	assert.Equal(t, id, dead.ID)
	assert.Equal(t, model.StatusDeadLetter, dead.Status)
	assert.Contains(t, dead.Error, "downstream unavailable")
}

func TestOrchestratorRequeueDeadLetter(t *testing.T) {
	o := newTestOrchestrator(t, WithWorkers(1), WithMaxRetries(0))

	var failing atomic.Bool
	failing.Store(true)
	done := make(chan int64, 1)
	o.RegisterProcessor(model.TypeChatMessage, ProcessorFunc(func(_ context.Context, m *model.QueueMessage) (bool, error) {
		if failing.Load() {
			return false, errors.New("boom")
		}
		done <- m.ID
		return true, nil
	}))
	o.Start()
	defer o.Stop()

	id, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage}, EnqueueOptions{MaxRetries: -1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(o.DeadLetters()) == 1
	}, time.Second, 10*time.Millisecond)

	failing.Store(false)
	assert.False(t, o.RequeueDeadLetter(id+1), "unknown id")
	require.True(t, o.RequeueDeadLetter(id))
	assert.Empty(t, o.DeadLetters())

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("requeued message never processed")
	}
}

func TestOrchestratorClearDeadLetter(t *testing.T) {
	o := newTestOrchestrator(t, WithWorkers(1), WithMaxRetries(0))
	o.RegisterProcessor(model.TypeChatMessage, ProcessorFunc(func(context.Context, *model.QueueMessage) (bool, error) {
		return false, errors.New("boom")
	}))
	o.Start()
	defer o.Stop()

	for i := 0; i < 3; i++ {
		_, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage}, EnqueueOptions{MaxRetries: -1})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(o.DeadLetters()) == 3
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, o.ClearDeadLetter())
	assert.Empty(t, o.DeadLetters())
}

func TestOrchestratorScheduledDelivery(t *testing.T) {
	o := newTestOrchestrator(t)

	delivered := make(chan time.Time, 1)
	o.RegisterProcessor(model.TypeChatMessage, ProcessorFunc(func(context.Context, *model.QueueMessage) (bool, error) {
		delivered <- time.Now()
		return true, nil
	}))
	o.Start()
	defer o.Stop()

	due := time.Now().Add(60 * time.Millisecond)
	_, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage}, EnqueueOptions{
		ScheduledAt: due,
		MaxRetries:  -1,
	})
	require.NoError(t, err)

	select {
	case at := <-delivered:
		assert.False(t, at.Before(due), "delivered before its scheduled time")
	case <-time.After(time.Second):
		t.Fatal("scheduled message never delivered")
	}
}

func TestOrchestratorPanicBecomesRetry(t *testing.T) {
	o := newTestOrchestrator(t, WithWorkers(1), WithMaxRetries(0))
	o.RegisterProcessor(model.TypeChatMessage, ProcessorFunc(func(context.Context, *model.QueueMessage) (bool, error) {
		panic("handler bug")
	}))
	o.Start()
	defer o.Stop()

	_, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage}, EnqueueOptions{MaxRetries: -1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(o.DeadLetters()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, o.DeadLetters()[0].Error, "processor panic")
}

func TestOrchestratorConfirmationRoundTrip(t *testing.T) {
	o := newTestOrchestrator(t)

	id, err := o.EnqueueForRecipient("u1", &model.Envelope{Type: model.TypeChatMessage}, model.PriorityNormal, true)
	require.NoError(t, err)

	assert.True(t, o.Confirm(id))
	assert.False(t, o.Confirm(id))

	o.tracker.Stop()
}

func TestOrchestratorStatsPublish(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Start()
	defer o.Stop()

	for i := 0; i < 5; i++ {
		_, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage}, EnqueueOptions{MaxRetries: -1})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return o.Stats().Processed == 5
	}, time.Second, 10*time.Millisecond)

	stats := o.Stats()
	assert.Equal(t, 0, stats.Depth)
	assert.Greater(t, stats.ThroughputPerSec, 0.0)
}

func TestOrchestratorStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	o := newTestOrchestrator(t, WithWorkers(4))
	o.Start()

	_, err := o.Enqueue(&model.Envelope{Type: model.TypeChatMessage}, EnqueueOptions{MaxRetries: -1})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	o.Stop()
}
