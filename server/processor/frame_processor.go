package processor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/cache"
	"github.com/san-kum/gate-counter/server/models"
)

var (
	ErrProcessingTimeout = errors.New("processing timeout")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrTooManyStreams    = errors.New("too many streams")
	ErrProcessorClosed   = errors.New("frame processor shut down")
)

// DefaultStreamID is used for frames that do not name a stream.
const DefaultStreamID = "default"

// CrossingRecorder receives every qualifying crossing, in order per stream.
type CrossingRecorder interface {
	RecordCrossing(ctx context.Context, event *models.CrossingEvent) error
}

type ProcessorConfig struct {
	QueueSize         int            `json:"queue_size"`
	DequeueTimeout    time.Duration  `json:"dequeue_timeout"`
	ProcessingTimeout time.Duration  `json:"processing_timeout"`
	RecordTimeout     time.Duration  `json:"record_timeout"`
	DedupeTTL         time.Duration  `json:"dedupe_ttl"`
	MaxStreams        int            `json:"max_streams"`
	Pipeline          PipelineConfig `json:"pipeline"`
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		QueueSize:         64,
		DequeueTimeout:    DefaultDequeueTimeout,
		ProcessingTimeout: 5 * time.Second,
		RecordTimeout:     2 * time.Second,
		DedupeTTL:         5 * time.Minute,
		MaxStreams:        16,
		Pipeline:          DefaultPipelineConfig(),
	}
}

type ProcessorStats struct {
	StartTime             time.Time `json:"start_time"`
	TotalProcessed        int64     `json:"total_processed"`
	SuccessfullyProcessed int64     `json:"successfully_processed"`
	FailedProcessed       int64     `json:"failed_processed"`
	DuplicateFrames       int64     `json:"duplicate_frames"`
	DroppedFrames         int64     `json:"dropped_frames"`
	Timeouts              int64     `json:"timeouts"`
	Crossings             int64     `json:"crossings"`
	RecorderErrors        int64     `json:"recorder_errors"`
	AverageLatency        float64   `json:"average_latency_ms"`
	QueueSize             int       `json:"queue_size"`
	Streams               int       `json:"streams"`
}

type stream struct {
	id        string
	sessionID uuid.UUID
	createdAt time.Time
	pipeline  *Pipeline
	queue     *ProcessingQueue
}

// FrameProcessor owns one pipeline and one single-worker queue per stream.
type FrameProcessor struct {
	logger    *zap.Logger
	config    ProcessorConfig
	cache     cache.Cache
	recorders []CrossingRecorder

	mutex   sync.RWMutex
	streams map[string]*stream
	closed  bool

	statsMutex sync.Mutex
	stats      ProcessorStats

	ctx    context.Context
	cancel context.CancelFunc
}

func NewFrameProcessor(config ProcessorConfig, frameCache cache.Cache, logger *zap.Logger, recorders ...CrossingRecorder) (*FrameProcessor, error) {
	if err := config.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = DefaultProcessorConfig().ProcessingTimeout
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = DefaultProcessorConfig().RecordTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FrameProcessor{
		logger:    logger,
		config:    config,
		cache:     frameCache,
		recorders: recorders,
		streams:   make(map[string]*stream),
		stats:     ProcessorStats{StartTime: time.Now()},
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// AddRecorder registers r for crossings of frames processed from now on.
func (fp *FrameProcessor) AddRecorder(r CrossingRecorder) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	fp.recorders = append(fp.recorders, r)
}

func (fp *FrameProcessor) getStream(id string) (*stream, error) {
	fp.mutex.RLock()
	s, ok := fp.streams[id]
	fp.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return s, nil
}

// openStream returns the stream, creating it with config when absent.
func (fp *FrameProcessor) openStream(id string, config PipelineConfig) (*stream, bool, error) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()

	if fp.closed {
		return nil, false, ErrProcessorClosed
	}
	if s, ok := fp.streams[id]; ok {
		return s, false, nil
	}
	if fp.config.MaxStreams > 0 && len(fp.streams) >= fp.config.MaxStreams {
		return nil, false, fmt.Errorf("%w: limit is %d", ErrTooManyStreams, fp.config.MaxStreams)
	}

	pipeline, err := NewPipeline(id, config, fp.logger)
	if err != nil {
		return nil, false, err
	}

	s := &stream{
		id:        id,
		sessionID: uuid.New(),
		createdAt: time.Now(),
		pipeline:  pipeline,
	}
	s.queue = NewProcessingQueue(fp.config.QueueSize, fp.config.DequeueTimeout, func(item *QueueItem) {
		fp.processFrame(s, item)
	})
	fp.streams[id] = s

	fp.logger.Info("Stream opened",
		zap.String("stream_id", id),
		zap.String("session_id", s.sessionID.String()))
	return s, true, nil
}

// ProcessFrame queues frame on its stream and waits for the result. If the
// caller stops waiting the frame is still processed.
func (fp *FrameProcessor) ProcessFrame(ctx context.Context, frame *models.Frame) (*models.FrameResult, error) {
	resultChan := make(chan *ProcessingResult, 1)
	if err := fp.enqueue(frame, resultChan); err != nil {
		return nil, err
	}

	timer := time.NewTimer(fp.config.ProcessingTimeout)
	defer timer.Stop()

	select {
	case result := <-resultChan:
		return result.Result, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		fp.statsMutex.Lock()
		fp.stats.Timeouts++
		fp.statsMutex.Unlock()
		return nil, ErrProcessingTimeout
	}
}

// Submit queues frame without waiting for the result.
func (fp *FrameProcessor) Submit(frame *models.Frame) error {
	return fp.enqueue(frame, nil)
}

func (fp *FrameProcessor) enqueue(frame *models.Frame, resultChan chan *ProcessingResult) error {
	if frame == nil {
		return errors.New("nil frame")
	}

	// Freeze the frame; the caller may reuse its buffers.
	f := *frame
	f.Detections = slices.Clone(frame.Detections)
	if f.StreamID == "" {
		f.StreamID = DefaultStreamID
	}

	s, _, err := fp.openStream(f.StreamID, fp.config.Pipeline)
	if err != nil {
		return err
	}

	err = s.queue.Enqueue(&QueueItem{
		Frame:      &f,
		ResultChan: resultChan,
		StartTime:  time.Now(),
	})
	if err != nil {
		fp.statsMutex.Lock()
		fp.stats.DroppedFrames++
		fp.statsMutex.Unlock()
		return fmt.Errorf("stream %s: %w", f.StreamID, err)
	}
	return nil
}

func frameKeyPrefix(streamID string) string {
	return cache.Key("frame", streamID, "")
}

func frameKey(streamID string, seq uint64) string {
	return frameKeyPrefix(streamID) + strconv.FormatUint(seq, 10)
}

// processFrame runs on the stream's worker.
func (fp *FrameProcessor) processFrame(s *stream, item *QueueItem) {
	frame := item.Frame

	if fp.seen(s, frame) {
		counts, active, _, _ := s.pipeline.Snapshot()
		fp.logger.Debug("Skipping duplicate frame",
			zap.String("stream_id", s.id),
			zap.Uint64("seq", frame.Seq))

		fp.statsMutex.Lock()
		fp.stats.TotalProcessed++
		fp.stats.DuplicateFrames++
		fp.statsMutex.Unlock()

		item.reply(&ProcessingResult{Result: &models.FrameResult{
			StreamID:     s.id,
			Seq:          frame.Seq,
			Counts:       counts,
			ActiveTracks: active,
			Duplicate:    true,
		}})
		return
	}

	result, err := s.pipeline.Process(frame)
	if err != nil {
		fp.logger.Error("Frame processing failed",
			zap.String("stream_id", s.id),
			zap.Uint64("seq", frame.Seq),
			zap.Error(err))

		fp.statsMutex.Lock()
		fp.stats.TotalProcessed++
		fp.stats.FailedProcessed++
		fp.statsMutex.Unlock()

		item.reply(&ProcessingResult{Error: err})
		return
	}

	fp.markSeen(s, frame)
	recorderErrors := fp.record(result.Crossings)

	fp.statsMutex.Lock()
	fp.stats.TotalProcessed++
	fp.stats.SuccessfullyProcessed++
	fp.stats.Crossings += int64(len(result.Crossings))
	fp.stats.RecorderErrors += int64(recorderErrors)
	fp.updateLatencyStats(time.Since(item.StartTime))
	fp.statsMutex.Unlock()

	item.reply(&ProcessingResult{Result: result})
}

func (fp *FrameProcessor) seen(s *stream, frame *models.Frame) bool {
	if fp.cache == nil || frame.Seq == 0 {
		return false
	}
	exists, err := fp.cache.Exists(fp.ctx, frameKey(s.id, frame.Seq))
	if err != nil {
		fp.logger.Warn("Failed to check frame cache", zap.Error(err))
		return false
	}
	return exists
}

func (fp *FrameProcessor) markSeen(s *stream, frame *models.Frame) {
	if fp.cache == nil || frame.Seq == 0 {
		return
	}
	if err := fp.cache.SetWithTTL(fp.ctx, frameKey(s.id, frame.Seq), true, fp.config.DedupeTTL); err != nil {
		fp.logger.Warn("Failed to cache frame", zap.Error(err))
	}
}

// record hands crossings to every recorder. Recorder failures never fail
// the frame.
func (fp *FrameProcessor) record(crossings []models.CrossingEvent) int {
	if len(crossings) == 0 {
		return 0
	}

	fp.mutex.RLock()
	recorders := fp.recorders
	fp.mutex.RUnlock()

	failures := 0
	for i := range crossings {
		for _, r := range recorders {
			ctx, cancel := context.WithTimeout(fp.ctx, fp.config.RecordTimeout)
			err := r.RecordCrossing(ctx, &crossings[i])
			cancel()
			if err != nil {
				failures++
				fp.logger.Warn("Failed to record crossing",
					zap.String("stream_id", crossings[i].StreamID),
					zap.Uint64("track_id", crossings[i].TrackID),
					zap.String("recorder", fmt.Sprintf("%T", r)),
					zap.Error(err))
			}
		}
	}
	return failures
}

func (fp *FrameProcessor) Counts(streamID string) (models.Counts, error) {
	s, err := fp.getStream(streamID)
	if err != nil {
		return models.Counts{}, err
	}
	return s.pipeline.Counts(), nil
}

func (fp *FrameProcessor) Tracks(streamID string) ([]models.Track, error) {
	s, err := fp.getStream(streamID)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Tracks(), nil
}

// Reset clears the stream's tracks, counters and duplicate-frame memory.
func (fp *FrameProcessor) Reset(streamID string) error {
	s, err := fp.getStream(streamID)
	if err != nil {
		return err
	}

	s.pipeline.Reset()
	fp.forgetFrames(s.id)

	fp.logger.Info("Stream reset", zap.String("stream_id", streamID))
	return nil
}

// Reconfigure applies config to the stream, creating it when it does not
// exist yet. Existing streams are reset.
func (fp *FrameProcessor) Reconfigure(streamID string, config PipelineConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	s, created, err := fp.openStream(streamID, config)
	if err != nil {
		return err
	}
	if !created {
		if err := s.pipeline.Reconfigure(config); err != nil {
			return err
		}
		fp.forgetFrames(s.id)
	}

	fp.logger.Info("Stream reconfigured",
		zap.String("stream_id", streamID),
		zap.String("direction", string(config.Counting.Direction)),
		zap.String("orientation", string(config.Counting.Zone.Orientation)))
	return nil
}

func (fp *FrameProcessor) forgetFrames(streamID string) {
	if fp.cache == nil {
		return
	}
	if _, err := fp.cache.DeletePrefix(fp.ctx, frameKeyPrefix(streamID)); err != nil {
		fp.logger.Warn("Failed to clear frame cache", zap.String("stream_id", streamID), zap.Error(err))
	}
}

// DefaultPipelineConfig is the configuration new streams start with.
func (fp *FrameProcessor) DefaultPipelineConfig() PipelineConfig {
	return fp.config.Pipeline
}

func (fp *FrameProcessor) StreamConfig(streamID string) (PipelineConfig, error) {
	s, err := fp.getStream(streamID)
	if err != nil {
		return PipelineConfig{}, err
	}
	return s.pipeline.Config(), nil
}

// Streams lists every known stream ordered by id.
func (fp *FrameProcessor) Streams() []models.StreamInfo {
	fp.mutex.RLock()
	streams := make([]*stream, 0, len(fp.streams))
	for _, s := range fp.streams {
		streams = append(streams, s)
	}
	fp.mutex.RUnlock()

	infos := make([]models.StreamInfo, 0, len(streams))
	for _, s := range streams {
		counts, active, frames, lastSeq := s.pipeline.Snapshot()
		infos = append(infos, models.StreamInfo{
			ID:           s.id,
			SessionID:    s.sessionID.String(),
			CreatedAt:    s.createdAt,
			LastSeq:      lastSeq,
			Frames:       frames,
			Counts:       counts,
			ActiveTracks: active,
			QueueSize:    s.queue.Size(),
		})
	}

	slices.SortFunc(infos, func(a, b models.StreamInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

func (fp *FrameProcessor) GetStats() *ProcessorStats {
	fp.mutex.RLock()
	queued := 0
	for _, s := range fp.streams {
		queued += s.queue.Size()
	}
	streams := len(fp.streams)
	fp.mutex.RUnlock()

	fp.statsMutex.Lock()
	stats := fp.stats
	fp.statsMutex.Unlock()

	stats.QueueSize = queued
	stats.Streams = streams
	return &stats
}

// GetCacheStats returns frame cache statistics.
func (fp *FrameProcessor) GetCacheStats() (*cache.CacheStats, error) {
	if fp.cache == nil {
		return nil, fmt.Errorf("cache not initialized")
	}
	return fp.cache.GetStats(fp.ctx)
}

func (fp *FrameProcessor) updateLatencyStats(latency time.Duration) {
	currentLatency := float64(latency.Nanoseconds()) / 1e6

	if fp.stats.AverageLatency == 0 {
		fp.stats.AverageLatency = currentLatency
	} else {
		alpha := 0.1
		fp.stats.AverageLatency = alpha*currentLatency + (1-alpha)*fp.stats.AverageLatency
	}
}

// Shutdown stops every stream worker and closes the cache.
func (fp *FrameProcessor) Shutdown() error {
	fp.logger.Info("Shutting down frame processor...")

	fp.mutex.Lock()
	if fp.closed {
		fp.mutex.Unlock()
		return nil
	}
	fp.closed = true
	streams := make([]*stream, 0, len(fp.streams))
	for _, s := range fp.streams {
		streams = append(streams, s)
	}
	fp.mutex.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.queue.Shutdown(10 * time.Second); err != nil {
			fp.logger.Error("Failed to shutdown stream queue",
				zap.String("stream_id", s.id),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("stream %s: %w", s.id, err))
		}
	}

	fp.cancel()

	if fp.cache != nil {
		if err := fp.cache.Close(); err != nil {
			fp.logger.Error("Failed to close cache", zap.Error(err))
			errs = append(errs, err)
		}
	}

	fp.logger.Info("Frame processor shutdown complete")
	return errors.Join(errs...)
}
