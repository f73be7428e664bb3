package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/models"
	"github.com/san-kum/gate-counter/server/processor"
	"github.com/san-kum/gate-counter/server/store"
	"github.com/san-kum/gate-counter/server/tracker"
)

const APIVersion = "v1"

// Detector turns an encoded image into detections.
type Detector interface {
	Detect(ctx context.Context, streamID string, request *models.ImageFrameRequest) (*models.DetectionResponse, error)
}

// CrossingLog is the persisted crossing history.
type CrossingLog interface {
	ListCrossings(ctx context.Context, q store.Query) ([]models.CrossingEvent, error)
	Totals(ctx context.Context, q store.Query) (models.Counts, error)
}

type StreamHandler struct {
	processor *processor.FrameProcessor
	detector  Detector
	crossings CrossingLog
	logger    *zap.Logger

	mutex sync.Mutex
	stats SystemStats
}

type SystemStats struct {
	TotalFrames    int64     `json:"total_frames"`
	ProcessedOK    int64     `json:"processed_ok"`
	ProcessedError int64     `json:"processed_error"`
	AvgProcessTime float64   `json:"avg_process_time_ms"`
	LastUpdated    time.Time `json:"last_updated"`
}

// FrameUploadRequest carries an encoded image, either a data URL or bare
// base64.
type FrameUploadRequest struct {
	ImageData string         `json:"image_data" binding:"required"`
	Seq       uint64         `json:"seq"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// NewStreamHandler wires the REST surface. detector and crossings may be nil;
// their endpoints then answer 503.
func NewStreamHandler(fp *processor.FrameProcessor, detector Detector, crossings CrossingLog, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		processor: fp,
		detector:  detector,
		crossings: crossings,
		logger:    logger,
		stats:     SystemStats{LastUpdated: time.Now()},
	}
}

// SubmitFrame counts one frame of ready-made detections.
func (h *StreamHandler) SubmitFrame(c *gin.Context) {
	startTime := time.Now()

	var frame models.Frame
	if err := c.ShouldBindJSON(&frame); err != nil {
		h.logger.Warn("Invalid frame payload", zap.Error(err))
		h.fail(c, http.StatusBadRequest, "invalid_request", "Invalid request format", nil)
		return
	}
	if frame.StreamID == "" {
		frame.StreamID = c.Param("id")
	}
	if err := validateFrame(&frame); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid_frame", err.Error(), nil)
		return
	}

	h.process(c, &frame, startTime)
}

// AnalyzeFrame runs an encoded image through the external detector, then
// counts the result.
func (h *StreamHandler) AnalyzeFrame(c *gin.Context) {
	startTime := time.Now()

	if h.detector == nil {
		h.fail(c, http.StatusServiceUnavailable, "detector_disabled", "Detector is not configured", nil)
		return
	}

	var request FrameUploadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Warn("Invalid request format", zap.Error(err))
		h.fail(c, http.StatusBadRequest, "invalid_request", "Invalid request format", nil)
		return
	}

	imageData, err := extractImageData(request.ImageData)
	if err != nil {
		h.logger.Warn("Failed to decode image data", zap.Error(err))
		h.fail(c, http.StatusBadRequest, "invalid_image", "Invalid image data", nil)
		return
	}

	streamID := c.Param("id")
	detections, err := h.detector.Detect(c.Request.Context(), streamID, &models.ImageFrameRequest{
		ImageData: imageData,
		Seq:       request.Seq,
		Timestamp: request.Timestamp,
		Metadata:  request.Metadata,
	})
	if err != nil {
		h.logger.Error("Detection failed",
			zap.String("stream_id", streamID),
			zap.String("client_ip", c.ClientIP()),
			zap.Error(err))
		h.fail(c, http.StatusBadGateway, "detector_failed", "Detection failed", nil)
		return
	}

	h.process(c, &models.Frame{
		StreamID:   streamID,
		Seq:        request.Seq,
		Width:      detections.Width,
		Height:     detections.Height,
		Detections: detections.Detections,
		Timestamp:  request.Timestamp,
	}, startTime)
}

func (h *StreamHandler) process(c *gin.Context, frame *models.Frame, startTime time.Time) {
	result, err := h.processor.ProcessFrame(c.Request.Context(), frame)
	if err != nil {
		h.logger.Error("Frame processing failed",
			zap.String("stream_id", frame.StreamID),
			zap.Uint64("seq", frame.Seq),
			zap.String("client_ip", c.ClientIP()),
			zap.Error(err))
		h.record(false, time.Since(startTime))
		status, code := statusFor(err)
		h.fail(c, status, code, err.Error(), nil)
		return
	}

	h.record(true, time.Since(startTime))
	h.respond(c, http.StatusOK, result, startTime)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, processor.ErrStreamNotFound):
		return http.StatusNotFound, "stream_not_found"
	case errors.Is(err, processor.ErrQueueFull), errors.Is(err, processor.ErrTooManyStreams):
		return http.StatusServiceUnavailable, "overloaded"
	case errors.Is(err, processor.ErrProcessorClosed), errors.Is(err, processor.ErrQueueClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, processor.ErrProcessingTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, tracker.ErrTableTooLarge):
		return http.StatusUnprocessableEntity, "too_many_detections"
	default:
		return http.StatusInternalServerError, "processing_failed"
	}
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	h.respond(c, http.StatusOK, h.processor.Streams(), time.Now())
}

func (h *StreamHandler) GetCounts(c *gin.Context) {
	streamID := c.Param("id")
	counts, err := h.processor.Counts(streamID)
	if err != nil {
		h.fail(c, http.StatusNotFound, "stream_not_found", err.Error(), nil)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"stream_id": streamID, "counts": counts}, time.Now())
}

func (h *StreamHandler) GetTracks(c *gin.Context) {
	tracks, err := h.processor.Tracks(c.Param("id"))
	if err != nil {
		h.fail(c, http.StatusNotFound, "stream_not_found", err.Error(), nil)
		return
	}
	h.respond(c, http.StatusOK, tracks, time.Now())
}

func (h *StreamHandler) GetConfig(c *gin.Context) {
	config, err := h.processor.StreamConfig(c.Param("id"))
	if err != nil {
		h.fail(c, http.StatusNotFound, "stream_not_found", err.Error(), nil)
		return
	}
	h.respond(c, http.StatusOK, config, time.Now())
}

// ListCrossings serves the persisted crossing log. Query parameters: limit,
// since and until (RFC 3339 or unix milliseconds).
func (h *StreamHandler) ListCrossings(c *gin.Context) {
	q, ok := h.crossingQuery(c)
	if !ok {
		return
	}

	events, err := h.crossings.ListCrossings(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("Failed to list crossings", zap.String("stream_id", q.StreamID), zap.Error(err))
		h.fail(c, http.StatusInternalServerError, "store_failed", "Failed to list crossings", nil)
		return
	}
	if events == nil {
		events = []models.CrossingEvent{}
	}
	h.respond(c, http.StatusOK, events, time.Now())
}

// GetTotals sums the persisted crossing log over the same filters as
// ListCrossings.
func (h *StreamHandler) GetTotals(c *gin.Context) {
	q, ok := h.crossingQuery(c)
	if !ok {
		return
	}

	totals, err := h.crossings.Totals(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("Failed to sum crossings", zap.String("stream_id", q.StreamID), zap.Error(err))
		h.fail(c, http.StatusInternalServerError, "store_failed", "Failed to sum crossings", nil)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"stream_id": q.StreamID, "totals": totals}, time.Now())
}

func (h *StreamHandler) crossingQuery(c *gin.Context) (store.Query, bool) {
	if h.crossings == nil {
		h.fail(c, http.StatusServiceUnavailable, "store_disabled", "Crossing store is not configured", nil)
		return store.Query{}, false
	}

	q := store.Query{StreamID: c.Param("id")}
	errs := map[string]any{}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			errs["limit"] = "must be an integer between 1 and 10000"
		}
		q.Limit = n
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if v := c.Query(name); v != "" {
			t, err := parseTime(v)
			if err != nil {
				errs[name] = err.Error()
			}
			*dst = t
		}
	}

	if len(errs) > 0 {
		h.fail(c, http.StatusBadRequest, "invalid_query", "Invalid query parameters", errs)
		return store.Query{}, false
	}
	return q, true
}

func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or unix milliseconds")
	}
	return t, nil
}

func (h *StreamHandler) ResetStream(c *gin.Context) {
	streamID := c.Param("id")
	if err := h.processor.Reset(streamID); err != nil {
		h.fail(c, http.StatusNotFound, "stream_not_found", err.Error(), nil)
		return
	}

	h.logger.Info("Stream reset by operator",
		zap.String("stream_id", streamID),
		zap.String("user_id", c.GetString("user_id")))
	h.respond(c, http.StatusOK, gin.H{"stream_id": streamID, "reset": true}, time.Now())
}

// UpdateConfig replaces the stream's counting configuration. Fields missing
// from the body keep their current values; unknown streams start from the
// defaults and are created.
func (h *StreamHandler) UpdateConfig(c *gin.Context) {
	streamID := c.Param("id")

	config, err := h.processor.StreamConfig(streamID)
	if errors.Is(err, processor.ErrStreamNotFound) {
		config = h.processor.DefaultPipelineConfig()
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid_request", "Invalid configuration format", nil)
		return
	}

	if err := h.processor.Reconfigure(streamID, config); err != nil {
		if errors.Is(err, processor.ErrProcessorClosed) || errors.Is(err, processor.ErrTooManyStreams) {
			status, code := statusFor(err)
			h.fail(c, status, code, err.Error(), nil)
			return
		}
		h.fail(c, http.StatusUnprocessableEntity, "invalid_config", err.Error(), nil)
		return
	}

	h.logger.Info("Stream configuration updated by operator",
		zap.String("stream_id", streamID),
		zap.String("user_id", c.GetString("user_id")))
	h.respond(c, http.StatusOK, config, time.Now())
}

func (h *StreamHandler) GetStats(c *gin.Context) {
	h.mutex.Lock()
	h.stats.LastUpdated = time.Now()
	system := h.stats
	h.mutex.Unlock()

	var successRate, errorRate float64
	if system.TotalFrames > 0 {
		successRate = float64(system.ProcessedOK) / float64(system.TotalFrames) * 100
		errorRate = float64(system.ProcessedError) / float64(system.TotalFrames) * 100
	}

	processorStats := h.processor.GetStats()
	response := gin.H{
		"system":    system,
		"processor": processorStats,
		"metrics": gin.H{
			"success_rate":   successRate,
			"error_rate":     errorRate,
			"uptime_seconds": time.Since(processorStats.StartTime).Seconds(),
		},
	}
	if cacheStats, err := h.processor.GetCacheStats(); err == nil {
		response["cache"] = cacheStats
	}

	h.respond(c, http.StatusOK, response, time.Now())
}

func (h *StreamHandler) record(ok bool, duration time.Duration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.stats.TotalFrames++
	if !ok {
		h.stats.ProcessedError++
		return
	}
	h.stats.ProcessedOK++

	current := float64(duration.Microseconds()) / 1000
	if h.stats.AvgProcessTime == 0 {
		h.stats.AvgProcessTime = current
	} else {
		alpha := 0.1
		h.stats.AvgProcessTime = alpha*current + (1-alpha)*h.stats.AvgProcessTime
	}
}

func (h *StreamHandler) respond(c *gin.Context, status int, data any, startTime time.Time) {
	c.JSON(status, models.APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta(c, startTime),
	})
}

func (h *StreamHandler) fail(c *gin.Context, status int, code, message string, details map[string]any) {
	c.JSON(status, models.APIResponse{
		Success: false,
		Error:   &models.APIError{Code: code, Message: message, Details: details},
		Meta:    meta(c, time.Now()),
	})
}

func meta(c *gin.Context, startTime time.Time) *models.ResponseMeta {
	return &models.ResponseMeta{
		RequestID:      c.GetString("request_id"),
		Timestamp:      time.Now(),
		ProcessingTime: float64(time.Since(startTime).Microseconds()) / 1000,
		Version:        APIVersion,
	}
}

func validateFrame(frame *models.Frame) error {
	if frame.Width < 0 || frame.Height < 0 {
		return fmt.Errorf("frame size %dx%d must not be negative", frame.Width, frame.Height)
	}
	for i, d := range frame.Detections {
		if d.Box.MaxX < d.Box.MinX || d.Box.MaxY < d.Box.MinY {
			return fmt.Errorf("detection %d has an inverted box", i)
		}
		if d.Area < 0 {
			return fmt.Errorf("detection %d has a negative area", i)
		}
	}
	return nil
}

func extractImageData(data string) ([]byte, error) {
	if _, payload, ok := strings.Cut(data, ","); ok {
		if !strings.HasPrefix(data, "data:") {
			return nil, fmt.Errorf("invalid data URL format")
		}
		data = payload
	}
	return base64.StdEncoding.DecodeString(data)
}
