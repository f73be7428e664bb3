package detector

import (
	"errors"

	"github.com/san-kum/gate-counter/server/models"
)

var ErrCaptureUnsupported = errors.New("video capture not compiled in (build with -tags withcv)")

// FrameSink accepts frames produced by a capture loop.
type FrameSink interface {
	Submit(frame *models.Frame) error
}

type CaptureConfig struct {
	// Device index ("0") or file / stream URL.
	Source   string `mapstructure:"source"`
	StreamID string `mapstructure:"stream_id"`
	// Frames are resized to Width x Height before extraction.
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`

	History      int     `mapstructure:"history"`
	VarThreshold float64 `mapstructure:"var_threshold"`
	KernelSize   int     `mapstructure:"kernel_size"`
	// Blobs reaching within Margin pixels of the top or bottom edge are dropped.
	Margin int `mapstructure:"margin"`
	// Blobs outside [MinScale, MaxScale] of the frame area are dropped.
	MinScale float64 `mapstructure:"min_scale"`
	MaxScale float64 `mapstructure:"max_scale"`
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		StreamID:     "camera",
		Width:        320,
		Height:       240,
		History:      500,
		VarThreshold: 16,
		KernelSize:   3,
		Margin:       0,
		MinScale:     DefaultMinScale,
		MaxScale:     DefaultMaxScale,
	}
}

// CleanBlobs drops foreground noise from one captured frame: blobs touching
// the margin and blobs outside the configured area bounds.
func (c CaptureConfig) CleanBlobs(dets []models.Detection) []models.Detection {
	dets = ExcludeMargin(dets, c.Height, c.Margin)
	return FilterByArea(dets, c.Width, c.Height, c.MinScale, c.MaxScale)
}

// ExcludeMargin drops detections whose box reaches within margin pixels of
// the top or bottom frame edge.
func ExcludeMargin(dets []models.Detection, height, margin int) []models.Detection {
	if margin <= 0 {
		return dets
	}
	kept := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Box.MinY <= margin || d.Box.MaxY >= height-margin {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}
