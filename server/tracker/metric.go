package tracker

import (
	"fmt"
	"math"

	"github.com/san-kum/gate-counter/server/models"
)

const (
	MetricBox      = "box"
	MetricCentroid = "centroid"
)

// Metric measures how far a detection is from a track. It must be
// symmetric and grow with geometric separation.
type Metric func(d *models.Detection, t *models.Track) float64

func MetricByName(name string) (Metric, error) {
	switch name {
	case MetricBox, "":
		return BoxDistance, nil
	case MetricCentroid:
		return CentroidDistance, nil
	default:
		return nil, fmt.Errorf("unknown distance metric %q", name)
	}
}

// BoxDistance is the smaller of the distance from the detection centroid to
// the track box and from the track centroid to the detection box. A
// centroid inside the other box gives 0.
func BoxDistance(d *models.Detection, t *models.Track) float64 {
	return math.Min(pointToBox(d.Centroid, t.Box), pointToBox(t.Centroid, d.Box))
}

func CentroidDistance(d *models.Detection, t *models.Track) float64 {
	return math.Hypot(d.Centroid.X-t.Centroid.X, d.Centroid.Y-t.Centroid.Y)
}

// pointToBox is the Chebyshev distance from p to the closest edge of b.
func pointToBox(p models.Point, b models.Box) float64 {
	var dx, dy float64
	switch {
	case p.X < float64(b.MinX):
		dx = float64(b.MinX) - p.X
	case p.X > float64(b.MaxX):
		dx = p.X - float64(b.MaxX)
	}
	switch {
	case p.Y < float64(b.MinY):
		dy = float64(b.MinY) - p.Y
	case p.Y > float64(b.MaxY):
		dy = p.Y - float64(b.MaxY)
	}
	return math.Max(dx, dy)
}
