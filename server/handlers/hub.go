package handlers

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/models"
)

// Subscription receives live crossings for one stream, or for every stream
// when streamID is empty.
type Subscription struct {
	streamID string
	out      chan<- ServerMessage
	dropped  atomic.Int64
}

func (s *Subscription) wants(streamID string) bool {
	return s.streamID == "" || s.streamID == streamID
}

// Hub fans qualifying crossings out to websocket subscribers. Slow
// subscribers lose messages rather than stall the stream worker.
type Hub struct {
	logger *zap.Logger

	mutex sync.RWMutex
	subs  map[*Subscription]struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
}

type HubStats struct {
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers out. Sends never block; out must stay open until
// Unsubscribe returns.
func (h *Hub) Subscribe(streamID string, out chan<- ServerMessage) *Subscription {
	sub := &Subscription{streamID: streamID, out: out}

	h.mutex.Lock()
	h.subs[sub] = struct{}{}
	h.mutex.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mutex.Lock()
	delete(h.subs, sub)
	h.mutex.Unlock()
}

// RecordCrossing implements processor.CrossingRecorder.
func (h *Hub) RecordCrossing(ctx context.Context, ev *models.CrossingEvent) error {
	msg := ServerMessage{Type: MessageCrossing, StreamID: ev.StreamID, Data: *ev}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for sub := range h.subs {
		if !sub.wants(ev.StreamID) {
			continue
		}
		select {
		case sub.out <- msg:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			if sub.dropped.Add(1) == 1 {
				h.logger.Warn("Subscriber too slow, dropping crossings",
					zap.String("stream_id", ev.StreamID))
			}
		}
	}
	return nil
}

func (h *Hub) Stats() HubStats {
	h.mutex.RLock()
	n := len(h.subs)
	h.mutex.RUnlock()

	return HubStats{
		Subscribers: n,
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}
