package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/models"
)

func testClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
}

func TestClient_Detect(t *testing.T) {
	var got detectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(detectResponse{
			Width:  320,
			Height: 240,
			Detections: []ObjectDetection{
				{Class: "person", Confidence: 0.9, BoundingBox: BBox{X: 10, Y: 20, Width: 30, Height: 40}},
				{Class: "person", Confidence: 0.2, BoundingBox: BBox{X: 100, Y: 100, Width: 10, Height: 10}},
			},
			ModelVersion: "mog-1",
		})
	}))
	defer srv.Close()

	config := testClientConfig()
	config.MinConfidence = 0.5
	client := NewClient(srv.URL, config, zap.NewNop())
	defer client.Close()

	resp, err := client.Detect(context.Background(), "cam-1", &models.ImageFrameRequest{
		ImageData: []byte{1, 2, 3},
		Timestamp: 99,
	})
	require.NoError(t, err)

	assert.Equal(t, "cam-1", got.StreamID)
	assert.Equal(t, []byte{1, 2, 3}, got.ImageData)
	assert.Equal(t, int64(99), got.Timestamp)

	assert.Equal(t, 320, resp.Width)
	assert.Equal(t, "mog-1", resp.ModelVersion)
	require.Len(t, resp.Detections, 1, "low confidence detection dropped")

	d := resp.Detections[0]
	assert.Equal(t, uint32(1), d.Label)
	assert.Equal(t, models.Box{MinX: 10, MinY: 20, MaxX: 40, MaxY: 60}, d.Box)
	assert.Equal(t, models.Point{X: 25, Y: 40}, d.Centroid)
	assert.Equal(t, 1200, d.Area)
}

func TestClient_DetectRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(detectResponse{Width: 320, Height: 240})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testClientConfig(), zap.NewNop())
	defer client.Close()

	_, err := client.Detect(context.Background(), "cam-1", &models.ImageFrameRequest{ImageData: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DetectGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testClientConfig(), zap.NewNop())
	defer client.Close()

	_, err := client.Detect(context.Background(), "cam-1", &models.ImageFrameRequest{ImageData: []byte{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DetectHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	config := testClientConfig()
	config.RetryDelay = time.Hour
	client := NewClient(srv.URL, config, zap.NewNop())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Detect(ctx, "cam-1", &models.ImageFrameRequest{ImageData: []byte{1}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_HealthCheck(t *testing.T) {
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testClientConfig(), zap.NewNop())
	defer client.Close()

	assert.Error(t, client.HealthCheck(context.Background()))
	assert.False(t, client.Healthy())

	healthy.Store(true)
	assert.NoError(t, client.HealthCheck(context.Background()))
	assert.True(t, client.Healthy())
}
