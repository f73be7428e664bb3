package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/san-kum/gate-counter/server/models"
	"go.uber.org/zap"
)

// Client talks to an external detection service that turns an encoded
// frame into foreground regions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig

	healthy  bool
	mutex    sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	MinConfidence       float64
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             10 * time.Second,
		MaxRetries:          3,
		RetryDelay:          500 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

type detectRequest struct {
	ImageData []byte `json:"image_data"`
	StreamID  string `json:"stream_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type detectResponse struct {
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	Detections     []ObjectDetection `json:"detections"`
	ProcessingTime float64           `json:"processing_time"`
	ModelVersion   string            `json:"model_version"`
}

type ObjectDetection struct {
	Class       string  `json:"class"`
	Confidence  float64 `json:"confidence"`
	BoundingBox BBox    `json:"bounding_box"`
}

type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func NewClient(baseURL string, config ClientConfig, logger *zap.Logger) *Client {
	client := &Client{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		stopCh:  make(chan struct{}),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	if config.HealthCheckInterval > 0 {
		go client.startHealthChecker()
	}

	return client
}

// Detect sends one encoded frame and returns its detections, retrying with
// linear backoff.
func (c *Client) Detect(ctx context.Context, streamID string, request *models.ImageFrameRequest) (*models.DetectionResponse, error) {
	body := &detectRequest{
		ImageData: request.ImageData,
		StreamID:  streamID,
		Timestamp: request.Timestamp,
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying detection request",
				zap.String("stream_id", streamID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))

			select {
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.executeDetectRequest(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("detection failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *Client) executeDetectRequest(ctx context.Context, request *detectRequest) (*models.DetectionResponse, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/detect", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "gate-counter/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("detector error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	var detResponse detectResponse
	if err := json.NewDecoder(response.Body).Decode(&detResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return c.convertResponse(&detResponse), nil
}

func (c *Client) convertResponse(resp *detectResponse) *models.DetectionResponse {
	result := &models.DetectionResponse{
		Width:          resp.Width,
		Height:         resp.Height,
		ProcessingTime: resp.ProcessingTime,
		ModelVersion:   resp.ModelVersion,
		Detections:     make([]models.Detection, 0, len(resp.Detections)),
	}

	for _, d := range resp.Detections {
		if d.Confidence < c.config.MinConfidence {
			continue
		}
		result.Detections = append(result.Detections,
			FromRect(uint32(len(result.Detections)+1), d.BoundingBox.X, d.BoundingBox.Y, d.BoundingBox.Width, d.BoundingBox.Height))
	}

	return result
}

// FromRect builds a detection from a top-left anchored rectangle.
func FromRect(label uint32, x, y, width, height float64) models.Detection {
	box := models.Box{
		MinX: int(math.Round(x)),
		MinY: int(math.Round(y)),
		MaxX: int(math.Round(x + width)),
		MaxY: int(math.Round(y + height)),
	}
	return models.Detection{
		Label:    label,
		Box:      box,
		Centroid: models.Point{X: x + width/2, Y: y + height/2},
		Area:     box.Area(),
	}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.setHealthy(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.setHealthy(false)
		return fmt.Errorf("detector unhealthy (status %d)", response.StatusCode)
	}

	c.setHealthy(true)
	return nil
}

func (c *Client) Healthy() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.healthy
}

func (c *Client) setHealthy(ok bool) {
	c.mutex.Lock()
	c.healthy = ok
	c.mutex.Unlock()
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Detector health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Detector health check passed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the background health checker.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
