// Package counter turns track motion into directional in/out counts.
//
// A crossing is only counted when a track is confirmed inside the zone and
// then leaves it on the other side of the counting line, at least
// DistanceThreshold (a fraction of the frame height, or width for vertical
// lines) away from the line. Tracks idling on the line never count.
package counter

import (
	"fmt"
	"math"

	"github.com/san-kum/gate-counter/server/models"
)

// Direction names the raw transition that counts as "in".
type Direction string

const (
	TopToBottom Direction = "top-to-bottom"
	BottomToTop Direction = "bottom-to-top"
	LeftToRight Direction = "left-to-right"
	RightToLeft Direction = "right-to-left"
)

func (d Direction) opposite() Direction {
	switch d {
	case TopToBottom:
		return BottomToTop
	case BottomToTop:
		return TopToBottom
	case LeftToRight:
		return RightToLeft
	case RightToLeft:
		return LeftToRight
	}
	return ""
}

func (d Direction) fits(o Orientation) bool {
	switch d {
	case TopToBottom, BottomToTop:
		return o == Horizontal
	case LeftToRight, RightToLeft:
		return o == Vertical
	}
	return false
}

// transition maps a side change to the raw direction of travel.
func transition(from, to Side) Direction {
	switch {
	case from == SideBottom && to == SideTop:
		return BottomToTop
	case from == SideTop && to == SideBottom:
		return TopToBottom
	case from == SideLeft && to == SideRight:
		return LeftToRight
	case from == SideRight && to == SideLeft:
		return RightToLeft
	}
	return ""
}

const (
	DefaultFrameWidth  = 320
	DefaultFrameHeight = 240
)

type Config struct {
	Zone              Zone      `json:"zone" mapstructure:"zone"`
	Direction         Direction `json:"direction" mapstructure:"direction"`
	DistanceThreshold float64   `json:"distance_threshold" mapstructure:"distance_threshold"`
	FrameWidth        int       `json:"frame_width" mapstructure:"frame_width"`
	FrameHeight       int       `json:"frame_height" mapstructure:"frame_height"`
}

func DefaultConfig() Config {
	return Config{
		Zone: Zone{
			TopLeft:     models.Point{X: 0.01, Y: 0.3},
			BottomRight: models.Point{X: 0.99, Y: 0.7},
			Orientation: Horizontal,
		},
		Direction:         BottomToTop,
		DistanceThreshold: 0,
		FrameWidth:        DefaultFrameWidth,
		FrameHeight:       DefaultFrameHeight,
	}
}

func (c Config) Validate() error {
	if err := c.Zone.Validate(); err != nil {
		return err
	}
	if !c.Direction.fits(c.Zone.Orientation) {
		return fmt.Errorf("%w: %q with %s line", ErrInvalidDirection, c.Direction, c.Zone.Orientation)
	}
	if math.IsNaN(c.DistanceThreshold) || c.DistanceThreshold < 0 || c.DistanceThreshold > 1 {
		return fmt.Errorf("%w: distance threshold %v outside [0,1]", ErrInvalidZone, c.DistanceThreshold)
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidFrameSize, c.FrameWidth, c.FrameHeight)
	}
	return nil
}

// Crossing describes one qualifying crossing.
type Crossing struct {
	TrackID    uint64
	Transition Direction
	Direction  models.Direction
	Centroid   models.Point
	Distance   float64
}

type trackState struct {
	box      models.Box
	centroid models.Point
	side     Side
	inZone   bool
}

// Counter consumes tracker lifecycle events. It is not safe for concurrent
// use; the goroutine driving the tracker also drives the counter.
type Counter struct {
	config        Config
	width, height int
	states        map[uint64]*trackState
	counts        models.Counts
	onCrossing    func(Crossing)
}

func New(config Config) (*Counter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Counter{
		config: config,
		width:  config.FrameWidth,
		height: config.FrameHeight,
		states: make(map[uint64]*trackState),
	}, nil
}

func (c *Counter) Config() Config {
	return c.config
}

// OnCrossing registers fn to be called for every qualifying crossing.
func (c *Counter) OnCrossing(fn func(Crossing)) {
	c.onCrossing = fn
}

// SetFrameSize changes the pixel dimensions geometry is scaled by.
// Non-positive sizes are ignored.
func (c *Counter) SetFrameSize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	c.width, c.height = width, height
}

func (c *Counter) FrameSize() (width, height int) {
	return c.width, c.height
}

func (c *Counter) Appear(track *models.Track) {
	if track == nil {
		return
	}
	zone := c.config.Zone
	c.states[track.ID] = &trackState{
		box:      track.Box,
		centroid: track.Centroid,
		side:     zone.SideOf(track.Centroid, c.width, c.height),
		inZone:   zone.Contains(track.Centroid, c.width, c.height),
	}
}

func (c *Counter) Traced(track *models.Track) {
	if track == nil {
		return
	}
	st, ok := c.states[track.ID]
	if !ok {
		return
	}
	zone := c.config.Zone

	if zone.Contains(track.Centroid, c.width, c.height) {
		if !st.inZone {
			// Baseline side is where the track was just before entering.
			st.side = zone.SideOf(st.centroid, c.width, c.height)
		}
		st.inZone = true
	} else {
		if st.inZone {
			side := zone.SideOf(track.Centroid, c.width, c.height)
			if side != SideUnknown && st.side != SideUnknown && side != st.side {
				distance := zone.DistanceToLine(track.Centroid, c.width, c.height)
				if distance >= c.config.DistanceThreshold*zone.span(c.width, c.height) {
					c.cross(track, transition(st.side, side), distance)
				}
			}
			// Refreshed from the stored, pre-update centroid.
			st.side = zone.SideOf(st.centroid, c.width, c.height)
		}
		st.inZone = false
	}

	st.box = track.Box
	st.centroid = track.Centroid
}

func (c *Counter) Disappear(track *models.Track) {
	if track == nil {
		return
	}
	delete(c.states, track.ID)
}

func (c *Counter) cross(track *models.Track, raw Direction, distance float64) {
	var dir models.Direction
	switch raw {
	case c.config.Direction:
		c.counts.In++
		dir = models.DirectionIn
	case c.config.Direction.opposite():
		c.counts.Out++
		dir = models.DirectionOut
	default:
		return
	}

	if c.onCrossing != nil {
		c.onCrossing(Crossing{
			TrackID:    track.ID,
			Transition: raw,
			Direction:  dir,
			Centroid:   track.Centroid,
			Distance:   distance,
		})
	}
}

func (c *Counter) Counts() models.Counts {
	return c.counts
}

// Tracked returns the number of tracks with counting state.
func (c *Counter) Tracked() int {
	return len(c.states)
}

// Reset zeroes the counters and forgets every track.
func (c *Counter) Reset() {
	c.counts = models.Counts{}
	clear(c.states)
}

// Reconfigure validates config, applies it and resets the counter.
func (c *Counter) Reconfigure(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	c.config = config
	c.width, c.height = config.FrameWidth, config.FrameHeight
	c.Reset()
	return nil
}
