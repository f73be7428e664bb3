package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/counter"
	"github.com/san-kum/gate-counter/server/detector"
	"github.com/san-kum/gate-counter/server/processor"
	"github.com/san-kum/gate-counter/server/tracker"
)

func loadIn(t *testing.T, dir string) *Config {
	t.Helper()
	t.Setenv("CONFIG_PATH", dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadIn(t, t.TempDir())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, processor.DefaultPipelineConfig(), cfg.Pipeline())
	assert.Equal(t, processor.DefaultProcessorConfig(), cfg.ProcessorConfig())
	assert.Equal(t, []string{"*"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "gate-crossings", cfg.Kafka.Topic)
	assert.False(t, cfg.Kafka.Enabled)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, detector.DefaultCaptureConfig(), cfg.CaptureConfig())
	assert.Equal(t, processor.AreaFilter{}, cfg.Filter, "streams see every detection unless configured")
	assert.Equal(t, detector.DefaultMinScale, cfg.CaptureConfig().MinScale)

	require.NoError(t, cfg.ValidateConfig(zap.NewNop()))
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
counting:
  zone:
    top_left: {x: 0.3, y: 0.01}
    bottom_right: {x: 0.7, y: 0.99}
    orientation: vertical
  direction: left-to-right
  distance_threshold: 0.1
tracking:
  metric: centroid
  inactive_threshold: 5
kafka:
  enabled: true
  topic: doors
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg := loadIn(t, dir)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, counter.Vertical, cfg.Counting.Zone.Orientation)
	assert.Equal(t, counter.LeftToRight, cfg.Counting.Direction)
	assert.Equal(t, 0.3, cfg.Counting.Zone.TopLeft.X)
	assert.Equal(t, 0.1, cfg.Counting.DistanceThreshold)
	assert.Equal(t, tracker.MetricCentroid, cfg.Tracking.Metric)
	assert.Equal(t, uint32(5), cfg.Tracking.InactiveThreshold)
	assert.Equal(t, tracker.DefaultMatchDistance, cfg.Tracking.MatchDistance, "unset keys keep defaults")
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "doors", cfg.Kafka.Topic)

	require.NoError(t, cfg.ValidateConfig(zap.NewNop()))
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("COUNTING_DIRECTION", "top-to-bottom")
	t.Setenv("COUNTING_DISTANCE_THRESHOLD", "0.25")
	t.Setenv("PROCESSOR_DEQUEUE_TIMEOUT", "250ms")
	t.Setenv("SECURITY_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg := loadIn(t, t.TempDir())

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, counter.TopToBottom, cfg.Counting.Direction)
	assert.Equal(t, 0.25, cfg.Counting.DistanceThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.ProcessorConfig().DequeueTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"bad zone", func(c *Config) { c.Counting.Zone.TopLeft.Y = 0.9 }, "invalid zone"},
		{"direction mismatch", func(c *Config) { c.Counting.Direction = counter.LeftToRight }, "invalid direction"},
		{"bad tracking", func(c *Config) { c.Tracking.InactiveThreshold = 0 }, "inactive threshold"},
		{"detector url", func(c *Config) {
			c.Detector.Enabled = true
			c.Detector.BaseURL = ""
		}, "detector base URL"},
		{"kafka topic", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Topic = ""
		}, "kafka topic"},
		{"https files", func(c *Config) { c.Security.EnableHTTPS = true }, "HTTPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadIn(t, t.TempDir())
			tt.mutate(cfg)
			err := cfg.ValidateConfig(zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateConfig_CollectsAll(t *testing.T) {
	cfg := loadIn(t, t.TempDir())
	cfg.Server.Port = 0
	cfg.Processor.QueueSize = 0
	cfg.Security.MaxRequestSize = 0

	err := cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server port")
	assert.Contains(t, err.Error(), "queue size")
	assert.Contains(t, err.Error(), "max request size")
}
