//go:build withcv

package detector

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/san-kum/gate-counter/server/models"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Capture extracts foreground blobs from a video source with MOG2
// background subtraction.
type Capture struct {
	config CaptureConfig
	logger *zap.Logger

	vc     *gocv.VideoCapture
	bs     gocv.BackgroundSubtractorMOG2
	kernel gocv.Mat
	seq    uint64
}

func openCapture(config CaptureConfig, logger *zap.Logger) (*Capture, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if id, convErr := strconv.Atoi(config.Source); convErr == nil {
		vc, err = gocv.VideoCaptureDevice(id)
	} else {
		vc, err = gocv.VideoCaptureFile(config.Source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open capture source %q: %w", config.Source, err)
	}

	kernel := config.KernelSize
	if kernel <= 0 {
		kernel = 3
	}

	return &Capture{
		config: config,
		logger: logger,
		vc:     vc,
		bs:     gocv.NewBackgroundSubtractorMOG2WithParams(config.History, config.VarThreshold, false),
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(kernel, kernel)),
	}, nil
}

// Close frees resources held by gocv. It has to be done manually because
// gocv uses cgo.
func (c *Capture) Close() error {
	c.bs.Close()
	c.kernel.Close()
	return c.vc.Close()
}

// StartCapture reads frames until ctx is done or the source is exhausted,
// submitting one detection frame per video frame.
func StartCapture(ctx context.Context, config CaptureConfig, sink FrameSink, logger *zap.Logger) error {
	capture, err := openCapture(config, logger)
	if err != nil {
		return err
	}
	defer capture.Close()

	logger.Info("Capture started",
		zap.String("source", config.Source),
		zap.String("stream_id", config.StreamID))

	img := gocv.NewMat()
	defer img.Close()
	small := gocv.NewMat()
	defer small.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	size := image.Pt(config.Width, config.Height)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if ok := capture.vc.Read(&img); !ok {
			logger.Info("Capture source exhausted", zap.String("source", config.Source))
			return nil
		}
		if img.Empty() {
			continue
		}

		gocv.Resize(img, &small, size, 0, 0, gocv.InterpolationNearestNeighbor)
		if small.Channels() > 1 {
			gocv.CvtColor(small, &gray, gocv.ColorBGRToGray)
		} else {
			small.CopyTo(&gray)
		}

		frame := capture.extract(gray, &mask)
		if err := sink.Submit(frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A full queue drops the frame; the tracker ages tracks on the next one.
			logger.Warn("Dropped captured frame",
				zap.Uint64("seq", frame.Seq),
				zap.Error(err))
		}
	}
}

func (c *Capture) extract(gray gocv.Mat, mask *gocv.Mat) *models.Frame {
	c.bs.Apply(gray, mask)

	gocv.Threshold(*mask, mask, 25, 255, gocv.ThresholdBinary)

	// Remove noise.
	gocv.Erode(*mask, mask, c.kernel)
	gocv.Dilate(*mask, mask, c.kernel)

	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()

	n := gocv.ConnectedComponentsWithStats(*mask, &labels, &stats, &centroids)

	dets := make([]models.Detection, 0, n)
	// Component 0 is the background.
	for i := 1; i < n; i++ {
		left := int(stats.GetIntAt(i, 0))
		top := int(stats.GetIntAt(i, 1))
		width := int(stats.GetIntAt(i, 2))
		height := int(stats.GetIntAt(i, 3))
		area := int(stats.GetIntAt(i, 4))

		dets = append(dets, models.Detection{
			Label: uint32(i),
			Box:   models.Box{MinX: left, MinY: top, MaxX: left + width, MaxY: top + height},
			Centroid: models.Point{
				X: centroids.GetDoubleAt(i, 0),
				Y: centroids.GetDoubleAt(i, 1),
			},
			Area: area,
		})
	}

	c.seq++
	return &models.Frame{
		StreamID:   c.config.StreamID,
		Seq:        c.seq,
		Width:      c.config.Width,
		Height:     c.config.Height,
		Detections: c.config.CleanBlobs(dets),
		Timestamp:  time.Now().UnixMilli(),
	}
}
