package processor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/gate-counter/server/models"
)

var (
	ErrQueueFull   = errors.New("processing queue full")
	ErrQueueClosed = errors.New("processing queue shutting down")
)

const DefaultDequeueTimeout = 100 * time.Millisecond

// ProcessingQueue feeds frames of one stream to exactly one worker, so the
// stream's tracker and counter only ever see one frame at a time.
type ProcessingQueue struct {
	items          chan *QueueItem
	workerFunc     func(*QueueItem)
	dequeueTimeout time.Duration
	wg             sync.WaitGroup
	shutdown       chan struct{}
	isRunning      bool
	mutex          sync.RWMutex

	processed atomic.Int64
	panics    atomic.Int64
	idle      atomic.Int64
}

type QueueItem struct {
	Frame *models.Frame
	// ResultChan is nil for fire-and-forget submissions.
	ResultChan chan *ProcessingResult
	StartTime  time.Time
}

type ProcessingResult struct {
	Result *models.FrameResult
	Error  error
}

func NewProcessingQueue(queueSize int, dequeueTimeout time.Duration, workerFunc func(*QueueItem)) *ProcessingQueue {
	if queueSize <= 0 {
		queueSize = 1
	}
	if dequeueTimeout <= 0 {
		dequeueTimeout = DefaultDequeueTimeout
	}

	queue := &ProcessingQueue{
		items:          make(chan *QueueItem, queueSize),
		workerFunc:     workerFunc,
		dequeueTimeout: dequeueTimeout,
		shutdown:       make(chan struct{}),
		isRunning:      true,
	}

	queue.wg.Add(1)
	go queue.worker()

	return queue
}

func (pq *ProcessingQueue) worker() {
	defer pq.wg.Done()

	timer := time.NewTimer(pq.dequeueTimeout)
	defer timer.Stop()

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				pq.run(item)
			}
		case <-timer.C:
			pq.idle.Add(1)
		case <-pq.shutdown:
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pq.dequeueTimeout)
	}
}

func (pq *ProcessingQueue) run(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			pq.panics.Add(1)
			item.reply(&ProcessingResult{
				Error: fmt.Errorf("worker panic: %v", r),
			})
		}
	}()

	pq.workerFunc(item)
	pq.processed.Add(1)
}

// reply delivers a result without blocking; the caller may have given up.
func (item *QueueItem) reply(result *ProcessingResult) {
	if item.ResultChan == nil {
		return
	}
	select {
	case item.ResultChan <- result:
	default:
	}
}

func (pq *ProcessingQueue) Enqueue(item *QueueItem) error {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	if !pq.isRunning {
		return ErrQueueClosed
	}

	select {
	case pq.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

// Shutdown stops accepting items, lets the worker finish the item in hand
// and fails everything still queued.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	close(pq.shutdown)

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pq.DrainQueue()
		return nil
	case <-time.After(timeout):
		pq.DrainQueue()
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (pq *ProcessingQueue) DrainQueue() int {
	drained := 0

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				item.reply(&ProcessingResult{Error: ErrQueueClosed})
				drained++
			}
		default:
			return drained
		}
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	return QueueStats{
		CurrentSize:        pq.Size(),
		MaxCapacity:        pq.Capacity(),
		IsRunning:          pq.isRunning,
		Processed:          pq.processed.Load(),
		Panics:             pq.panics.Load(),
		IdleWakeups:        pq.idle.Load(),
		UtilizationPercent: float64(pq.Size()) / float64(pq.Capacity()) * 100,
	}
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	IsRunning          bool    `json:"is_running"`
	Processed          int64   `json:"processed"`
	Panics             int64   `json:"panics"`
	IdleWakeups        int64   `json:"idle_wakeups"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
