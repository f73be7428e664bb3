// Package detector produces per-frame detection sets: from an external
// detection service, from recorded CSV files, or (with the withcv build tag)
// from a camera through background subtraction.
package detector

import "github.com/san-kum/gate-counter/server/models"

// Area bounds for blobs from background subtraction, as fractions of the
// frame area.
const (
	DefaultMinScale = 0.005
	DefaultMaxScale = 0.5
)

// FilterByArea keeps detections whose area lies within [minScale, maxScale]
// of the width x height frame area. Non-positive scales disable that bound.
// The input slice is not modified.
func FilterByArea(dets []models.Detection, width, height int, minScale, maxScale float64) []models.Detection {
	frameArea := float64(width) * float64(height)
	if frameArea <= 0 || (minScale <= 0 && maxScale <= 0) {
		return dets
	}

	kept := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		area := float64(d.Area)
		if minScale > 0 && area < minScale*frameArea {
			continue
		}
		if maxScale > 0 && area > maxScale*frameArea {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}
