package processor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/counter"
	"github.com/san-kum/gate-counter/server/detector"
	"github.com/san-kum/gate-counter/server/models"
	"github.com/san-kum/gate-counter/server/tracker"
)

// AreaFilter bounds detection area as a fraction of the frame area.
type AreaFilter struct {
	MinScale float64 `json:"min_scale" mapstructure:"min_scale"`
	MaxScale float64 `json:"max_scale" mapstructure:"max_scale"`
}

// DefaultAreaFilter passes every detection to the tracker.
func DefaultAreaFilter() AreaFilter {
	return AreaFilter{}
}

func (f AreaFilter) Validate() error {
	if f.MinScale < 0 || f.MaxScale < 0 || f.MinScale > 1 || f.MaxScale > 1 {
		return fmt.Errorf("area filter scales must be within [0,1], got %v-%v", f.MinScale, f.MaxScale)
	}
	if f.MaxScale > 0 && f.MinScale > f.MaxScale {
		return fmt.Errorf("area filter min scale %v exceeds max scale %v", f.MinScale, f.MaxScale)
	}
	return nil
}

// PipelineConfig is everything needed to count one stream.
type PipelineConfig struct {
	Counting counter.Config `json:"counting"`
	Tracking tracker.Config `json:"tracking"`
	Filter   AreaFilter     `json:"filter"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Counting: counter.DefaultConfig(),
		Tracking: tracker.DefaultConfig(),
		Filter:   DefaultAreaFilter(),
	}
}

func (c PipelineConfig) Validate() error {
	if err := c.Counting.Validate(); err != nil {
		return err
	}
	if err := c.Tracking.Validate(); err != nil {
		return err
	}
	return c.Filter.Validate()
}

// Pipeline runs association and counting for one stream. Process calls are
// serialized; the tracker and counter are never touched concurrently.
type Pipeline struct {
	streamID string
	logger   *zap.Logger

	mutex   sync.Mutex
	config  PipelineConfig
	tracker *tracker.Tracker
	counter *counter.Counter

	frame     *models.Frame
	crossings []models.CrossingEvent
	frames    uint64
	lastSeq   uint64
}

func NewPipeline(streamID string, config PipelineConfig, logger *zap.Logger) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	tr, err := tracker.New(config.Tracking)
	if err != nil {
		return nil, err
	}
	ctr, err := counter.New(config.Counting)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		streamID: streamID,
		logger:   logger,
		config:   config,
		tracker:  tr,
		counter:  ctr,
	}
	ctr.OnCrossing(p.onCrossing)
	return p, nil
}

func (p *Pipeline) onCrossing(c counter.Crossing) {
	ev := models.CrossingEvent{
		ID:         uuid.New(),
		StreamID:   p.streamID,
		TrackID:    c.TrackID,
		Direction:  c.Direction,
		Transition: string(c.Transition),
		Centroid:   c.Centroid,
		FrameSeq:   p.frame.Seq,
		Time:       p.frame.Time(),
	}
	p.crossings = append(p.crossings, ev)

	p.logger.Info("Line crossed",
		zap.String("stream_id", p.streamID),
		zap.Uint64("track_id", c.TrackID),
		zap.String("direction", string(c.Direction)),
		zap.String("transition", string(c.Transition)),
		zap.Float64("distance", c.Distance))
}

// Process runs one frame through association and counting. On error the
// stream state is exactly as it was before the call.
func (p *Pipeline) Process(frame *models.Frame) (*models.FrameResult, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	width, height := p.counter.FrameSize()
	if frame.Width > 0 && frame.Height > 0 {
		width, height = frame.Width, frame.Height
	}
	dets := detector.FilterByArea(frame.Detections, width, height, p.config.Filter.MinScale, p.config.Filter.MaxScale)

	events, err := p.tracker.Update(dets)
	if err != nil {
		return nil, fmt.Errorf("stream %s frame %d: %w", p.streamID, frame.Seq, err)
	}
	p.counter.SetFrameSize(width, height)

	p.frame = frame
	p.crossings = nil
	tracker.Dispatch(events, p.counter)
	p.frame = nil

	p.frames++
	p.lastSeq = frame.Seq

	if p.logger.Core().Enabled(zap.DebugLevel) {
		for _, e := range events {
			p.logger.Debug("Track "+string(e.Kind),
				zap.String("stream_id", p.streamID),
				zap.Uint64("track_id", e.Track.ID),
				zap.Float64("x", e.Track.Centroid.X),
				zap.Float64("y", e.Track.Centroid.Y))
		}
	}

	return &models.FrameResult{
		StreamID:     p.streamID,
		Seq:          frame.Seq,
		Counts:       p.counter.Counts(),
		Events:       events,
		Crossings:    p.crossings,
		ActiveTracks: p.tracker.Len(),
	}, nil
}

func (p *Pipeline) Counts() models.Counts {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.counter.Counts()
}

func (p *Pipeline) Tracks() []models.Track {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.tracker.Tracks()
}

func (p *Pipeline) Config() PipelineConfig {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.config
}

// Snapshot returns counters and bookkeeping for the stream listing.
func (p *Pipeline) Snapshot() (counts models.Counts, activeTracks int, frames, lastSeq uint64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.counter.Counts(), p.tracker.Len(), p.frames, p.lastSeq
}

// Reset clears tracks and counters without emitting events.
func (p *Pipeline) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.tracker.Reset()
	p.counter.Reset()
}

// Reconfigure validates config as a whole, applies it and resets the stream.
// An invalid config changes nothing.
func (p *Pipeline) Reconfigure(config PipelineConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := p.tracker.Reconfigure(config.Tracking); err != nil {
		return err
	}
	if err := p.counter.Reconfigure(config.Counting); err != nil {
		return err
	}
	p.config = config
	return nil
}
