// Package tracker associates per-frame detections into persistent tracks.
//
// A Tracker is not safe for concurrent use. Exactly one goroutine may call
// Update, Reset or Reconfigure at a time; hosts running several cameras
// create one Tracker per stream.
package tracker

import (
	"fmt"

	"github.com/san-kum/gate-counter/server/models"
)

// Defaults for Config.
const (
	DefaultMatchDistance     = 30.0
	DefaultInactiveThreshold = 10
	DefaultMaxCells          = 1 << 20
)

// Config tunes association and pruning.
type Config struct {
	// Maximum metric value for a detection and a track to match.
	MatchDistance float64 `json:"match_distance" mapstructure:"match_distance"`
	// Frames without a match before a track is pruned.
	InactiveThreshold uint32 `json:"inactive_threshold" mapstructure:"inactive_threshold"`
	// A track that loses its match before being active this many frames is
	// pruned immediately. Zero disables the rule.
	ActiveThreshold uint32 `json:"active_threshold" mapstructure:"active_threshold"`
	// Distance metric name, see MetricByName.
	Metric string `json:"metric" mapstructure:"metric"`
	// Upper bound on detections x tracks per frame. Zero means unbounded.
	MaxCells int `json:"max_cells" mapstructure:"max_cells"`
}

// DefaultConfig reproduces the reference tracker settings.
func DefaultConfig() Config {
	return Config{
		MatchDistance:     DefaultMatchDistance,
		InactiveThreshold: DefaultInactiveThreshold,
		ActiveThreshold:   0,
		Metric:            MetricBox,
		MaxCells:          DefaultMaxCells,
	}
}

func (c Config) Validate() error {
	if c.MatchDistance <= 0 {
		return fmt.Errorf("match distance must be positive, got %v", c.MatchDistance)
	}
	if c.InactiveThreshold < 1 {
		return fmt.Errorf("inactive threshold must be at least 1, got %d", c.InactiveThreshold)
	}
	if c.MaxCells < 0 {
		return fmt.Errorf("max cells must not be negative, got %d", c.MaxCells)
	}
	if _, err := MetricByName(c.Metric); err != nil {
		return err
	}
	return nil
}

// Listener receives lifecycle events. Implementations must tolerate a nil
// track by ignoring it.
type Listener interface {
	Appear(track *models.Track)
	Traced(track *models.Track)
	Disappear(track *models.Track)
}

// Dispatch delivers events to l in order.
func Dispatch(events []models.LifecycleEvent, l Listener) {
	for i := range events {
		track := &events[i].Track
		switch events[i].Kind {
		case models.EventAppear:
			l.Appear(track)
		case models.EventTraced:
			l.Traced(track)
		case models.EventDisappear:
			l.Disappear(track)
		}
	}
}

// Tracker owns the live tracks of one stream.
type Tracker struct {
	config Config
	metric Metric

	tracks map[uint64]*models.Track
	ids    []uint64 // live ids, ascending
	lastID uint64

	table affinity
}

// New returns an empty tracker.
func New(config Config) (*Tracker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	metric, _ := MetricByName(config.Metric)

	return &Tracker{
		config: config,
		metric: metric,
		tracks: make(map[uint64]*models.Track),
	}, nil
}

func (t *Tracker) Config() Config {
	return t.config
}

// Update associates one frame of detections with the live tracks and
// returns the resulting lifecycle events: appear events first, then traced,
// then disappear.
//
// Update is transactional. The only failure, ErrTableTooLarge, is detected
// before any track is touched, so on error the tracker still reflects the
// previous frame and no events are returned.
func (t *Tracker) Update(detections []models.Detection) ([]models.LifecycleEvent, error) {
	live := make([]*models.Track, len(t.ids))
	for j, id := range t.ids {
		live[j] = t.tracks[id]
	}

	if err := t.table.reset(len(detections), len(live), t.config.MaxCells); err != nil {
		return nil, err
	}

	for i := range detections {
		for j, track := range live {
			if t.metric(&detections[i], track) < t.config.MatchDistance {
				t.table.link(i, j)
			}
		}
	}

	var events []models.LifecycleEvent

	for j, track := range live {
		if t.table.colSum[j] == 0 {
			track.Inactive++
			track.Label = 0
		}
	}

	for i := range detections {
		if t.table.rowSum[i] != 0 {
			continue
		}
		track := t.spawn(&detections[i])
		events = append(events, models.LifecycleEvent{Kind: models.EventAppear, Track: *track})
	}

	for j := range live {
		if t.table.colSum[j] == 0 {
			continue
		}
		rows, cols := t.table.cluster(j)

		survivor := live[cols[0]]
		for _, c := range cols[1:] {
			if live[c].Box.Area() > survivor.Box.Area() {
				survivor = live[c]
			}
		}

		adopted := &detections[rows[0]]
		for _, r := range rows[1:] {
			if detections[r].Area > adopted.Area {
				adopted = &detections[r]
			}
		}

		survivor.Label = adopted.Label
		survivor.Box = adopted.Box
		survivor.Centroid = adopted.Centroid
		if survivor.Inactive > 0 {
			survivor.Active = 0
		}
		survivor.Inactive = 0
		events = append(events, models.LifecycleEvent{Kind: models.EventTraced, Track: *survivor})

		for _, c := range cols {
			if live[c] != survivor {
				live[c].Inactive++
				live[c].Label = 0
			}
		}
	}

	return append(events, t.prune()...), nil
}

func (t *Tracker) spawn(d *models.Detection) *models.Track {
	t.lastID++
	track := &models.Track{
		ID:       t.lastID,
		Label:    d.Label,
		Box:      d.Box,
		Centroid: d.Centroid,
	}
	t.tracks[track.ID] = track
	t.ids = append(t.ids, track.ID)
	return track
}

func (t *Tracker) prune() []models.LifecycleEvent {
	var events []models.LifecycleEvent

	kept := t.ids[:0]
	for _, id := range t.ids {
		track := t.tracks[id]
		if t.expired(track) {
			events = append(events, models.LifecycleEvent{Kind: models.EventDisappear, Track: *track})
			delete(t.tracks, id)
			continue
		}
		track.Lifetime++
		if track.Inactive == 0 {
			track.Active++
		}
		kept = append(kept, id)
	}
	t.ids = kept

	return events
}

func (t *Tracker) expired(track *models.Track) bool {
	if track.Inactive >= t.config.InactiveThreshold {
		return true
	}
	return track.Inactive > 0 && t.config.ActiveThreshold > 0 && track.Active < t.config.ActiveThreshold
}

// Reset drops every live track without emitting events. Identifiers keep
// increasing across resets.
func (t *Tracker) Reset() {
	clear(t.tracks)
	t.ids = t.ids[:0]
}

// Reconfigure validates config, applies it and resets the tracker.
func (t *Tracker) Reconfigure(config Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid tracker config: %w", err)
	}
	t.config = config
	t.metric, _ = MetricByName(config.Metric)
	t.Reset()
	return nil
}

// Len is the number of live tracks.
func (t *Tracker) Len() int {
	return len(t.ids)
}

// Tracks returns a snapshot of the live tracks ordered by id.
func (t *Tracker) Tracks() []models.Track {
	out := make([]models.Track, 0, len(t.ids))
	for _, id := range t.ids {
		out = append(out, *t.tracks[id])
	}
	return out
}
