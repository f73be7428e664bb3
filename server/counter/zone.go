package counter

import (
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/gate-counter/server/models"
)

var (
	ErrInvalidZone        = errors.New("invalid zone")
	ErrInvalidOrientation = errors.New("invalid orientation")
	ErrInvalidDirection   = errors.New("invalid direction")
	ErrInvalidFrameSize   = errors.New("invalid frame size")
)

// Orientation of the counting line.
type Orientation string

const (
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
)

type Side int

const (
	SideUnknown Side = iota
	SideTop
	SideBottom
	SideLeft
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideTop:
		return "top"
	case SideBottom:
		return "bottom"
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "unknown"
	}
}

// Zone is a rectangle in normalized [0,1] frame coordinates. Its counting
// line is the midline parallel to the orientation: horizontal zones count
// on y = (top+bottom)/2, vertical zones on x = (left+right)/2.
type Zone struct {
	TopLeft     models.Point `json:"top_left" mapstructure:"top_left"`
	BottomRight models.Point `json:"bottom_right" mapstructure:"bottom_right"`
	Orientation Orientation  `json:"orientation" mapstructure:"orientation"`
}

func (z Zone) Validate() error {
	for _, v := range []float64{z.TopLeft.X, z.TopLeft.Y, z.BottomRight.X, z.BottomRight.Y} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: corner coordinate %v outside [0,1]", ErrInvalidZone, v)
		}
	}
	if z.TopLeft.X >= z.BottomRight.X || z.TopLeft.Y >= z.BottomRight.Y {
		return fmt.Errorf("%w: top-left %+v must be above and left of bottom-right %+v",
			ErrInvalidZone, z.TopLeft, z.BottomRight)
	}
	switch z.Orientation {
	case Horizontal, Vertical:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOrientation, z.Orientation)
	}
	return nil
}

// Rect returns the zone corners scaled to a width x height frame.
func (z Zone) Rect(width, height int) (topLeft, bottomRight models.Point) {
	w, h := float64(width), float64(height)
	topLeft = models.Point{X: z.TopLeft.X * w, Y: z.TopLeft.Y * h}
	bottomRight = models.Point{X: z.BottomRight.X * w, Y: z.BottomRight.Y * h}
	return topLeft, bottomRight
}

// Line returns the end points of the scaled counting line.
func (z Zone) Line(width, height int) (p1, p2 models.Point) {
	tl, br := z.Rect(width, height)
	pos := z.linePosition(width, height)
	if z.Orientation == Vertical {
		return models.Point{X: pos, Y: tl.Y}, models.Point{X: pos, Y: br.Y}
	}
	return models.Point{X: tl.X, Y: pos}, models.Point{X: br.X, Y: pos}
}

func (z Zone) linePosition(width, height int) float64 {
	if z.Orientation == Vertical {
		return (z.TopLeft.X + z.BottomRight.X) / 2 * float64(width)
	}
	return (z.TopLeft.Y + z.BottomRight.Y) / 2 * float64(height)
}

// Contains reports whether p lies strictly inside the scaled zone.
func (z Zone) Contains(p models.Point, width, height int) bool {
	tl, br := z.Rect(width, height)
	return p.X > tl.X && p.X < br.X && p.Y > tl.Y && p.Y < br.Y
}

// SideOf places p relative to the scaled counting line. Points exactly on
// the line belong to the top (or left) side.
func (z Zone) SideOf(p models.Point, width, height int) Side {
	pos := z.linePosition(width, height)
	switch z.Orientation {
	case Horizontal:
		if p.Y > pos {
			return SideBottom
		}
		return SideTop
	case Vertical:
		if p.X > pos {
			return SideRight
		}
		return SideLeft
	}
	return SideUnknown
}

// DistanceToLine is the perpendicular pixel distance from p to the line.
func (z Zone) DistanceToLine(p models.Point, width, height int) float64 {
	pos := z.linePosition(width, height)
	if z.Orientation == Vertical {
		return math.Abs(p.X - pos)
	}
	return math.Abs(p.Y - pos)
}

// span is the frame dimension a distance threshold fraction is scaled by.
func (z Zone) span(width, height int) float64 {
	if z.Orientation == Vertical {
		return float64(width)
	}
	return float64(height)
}
