//go:build !withcv

package detector

import (
	"context"

	"go.uber.org/zap"
)

// StartCapture is unavailable without OpenCV.
func StartCapture(ctx context.Context, config CaptureConfig, sink FrameSink, logger *zap.Logger) error {
	return ErrCaptureUnsupported
}
