package processor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/gate-counter/server/models"
)

func TestProcessingQueue_ProcessesInOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []uint64
	)
	done := make(chan struct{})
	q := NewProcessingQueue(16, 10*time.Millisecond, func(item *QueueItem) {
		mu.Lock()
		seen = append(seen, item.Frame.Seq)
		n := len(seen)
		mu.Unlock()
		if n == 10 {
			close(done)
		}
	})
	defer q.Shutdown(time.Second)

	for i := 1; i <= 10; i++ {
		require.NoError(t, q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: uint64(i)}}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain the queue")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seen)
}

func TestProcessingQueue_Full(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	q := NewProcessingQueue(1, 10*time.Millisecond, func(item *QueueItem) {
		started <- struct{}{}
		<-release
	})

	require.NoError(t, q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: 1}}))
	<-started
	require.NoError(t, q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: 2}}))

	err := q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: 3}})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, q.Shutdown(time.Second))
}

func TestProcessingQueue_RecoversPanics(t *testing.T) {
	q := NewProcessingQueue(4, 10*time.Millisecond, func(item *QueueItem) {
		if item.Frame.Seq == 1 {
			panic("bad frame")
		}
		item.reply(&ProcessingResult{Result: &models.FrameResult{Seq: item.Frame.Seq}})
	})
	defer q.Shutdown(time.Second)

	first := make(chan *ProcessingResult, 1)
	second := make(chan *ProcessingResult, 1)
	require.NoError(t, q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: 1}, ResultChan: first}))
	require.NoError(t, q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: 2}, ResultChan: second}))

	res := <-first
	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "worker panic: bad frame")

	res = <-second
	require.NoError(t, res.Error)
	assert.Equal(t, uint64(2), res.Result.Seq, "worker survives a panic")

	assert.Equal(t, int64(1), q.GetQueueStats().Panics)
}

func TestProcessingQueue_ShutdownDrains(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	q := NewProcessingQueue(4, 10*time.Millisecond, func(item *QueueItem) {
		started <- struct{}{}
		<-release
		item.reply(&ProcessingResult{Result: &models.FrameResult{Seq: item.Frame.Seq}})
	})

	inHand := make(chan *ProcessingResult, 1)
	queued := make(chan *ProcessingResult, 1)
	require.NoError(t, q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: 1}, ResultChan: inHand}))
	<-started
	require.NoError(t, q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: 2}, ResultChan: queued}))

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- q.Shutdown(time.Second) }()

	require.Eventually(t, func() bool { return !q.IsRunning() }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-shutdownErr)

	res := <-inHand
	require.NoError(t, res.Error, "item in hand completes")

	select {
	case res = <-queued:
		// The worker may have picked it up before observing shutdown.
		if res.Error != nil {
			assert.ErrorIs(t, res.Error, ErrQueueClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("queued item never answered")
	}

	assert.ErrorIs(t, q.Enqueue(&QueueItem{Frame: &models.Frame{Seq: 3}}), ErrQueueClosed)
	assert.NoError(t, q.Shutdown(time.Second), "second shutdown is a no-op")
}

func TestProcessingQueue_IdleWakeups(t *testing.T) {
	q := NewProcessingQueue(1, time.Millisecond, func(*QueueItem) {})
	defer q.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		return q.GetQueueStats().IdleWakeups >= 3
	}, time.Second, 5*time.Millisecond)
}
