package models

import "time"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

func (b Box) Width() int {
	return b.MaxX - b.MinX
}

func (b Box) Height() int {
	return b.MaxY - b.MinY
}

// Area returns the box area, or 0 for a degenerate box.
func (b Box) Area() int {
	if b.MaxX <= b.MinX || b.MaxY <= b.MinY {
		return 0
	}
	return b.Width() * b.Height()
}

// Detection is one labeled foreground region of a single frame.
type Detection struct {
	Label    uint32 `json:"label"`
	Box      Box    `json:"box"`
	Centroid Point  `json:"centroid"`
	Area     int    `json:"area"`
}

// Frame is the fully materialized detection set of one video frame.
type Frame struct {
	StreamID   string      `json:"stream_id"`
	Seq        uint64      `json:"seq"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
	Timestamp  int64       `json:"timestamp"`
}

func (f *Frame) Time() time.Time {
	if f.Timestamp == 0 {
		return time.Now()
	}
	return time.UnixMilli(f.Timestamp)
}
