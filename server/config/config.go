package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/counter"
	"github.com/san-kum/gate-counter/server/detector"
	"github.com/san-kum/gate-counter/server/processor"
	"github.com/san-kum/gate-counter/server/sink"
	"github.com/san-kum/gate-counter/server/tracker"
)

type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Counting  counter.Config       `mapstructure:"counting"`
	Tracking  tracker.Config       `mapstructure:"tracking"`
	Filter    processor.AreaFilter `mapstructure:"filter"`
	Processor ProcessorConfig      `mapstructure:"processor"`
	Detector  DetectorConfig       `mapstructure:"detector"`
	Capture   CaptureConfig        `mapstructure:"capture"`
	Store     StoreConfig          `mapstructure:"store"`
	Kafka     KafkaConfig          `mapstructure:"kafka"`
	Security  SecurityConfig       `mapstructure:"security"`
	Logging   LoggingConfig        `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Environment  string        `mapstructure:"environment"`
}

type ProcessorConfig struct {
	QueueSize         int           `mapstructure:"queue_size"`
	DequeueTimeout    time.Duration `mapstructure:"dequeue_timeout"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	RecordTimeout     time.Duration `mapstructure:"record_timeout"`
	DedupeTTL         time.Duration `mapstructure:"dedupe_ttl"`
	MaxStreams        int           `mapstructure:"max_streams"`
	CacheSize         int           `mapstructure:"cache_size"`
	CacheCleanup      time.Duration `mapstructure:"cache_cleanup"`
}

type DetectorConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MinConfidence       float64       `mapstructure:"min_confidence"`
}

type CaptureConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Source       string  `mapstructure:"source"`
	StreamID     string  `mapstructure:"stream_id"`
	Width        int     `mapstructure:"width"`
	Height       int     `mapstructure:"height"`
	History      int     `mapstructure:"history"`
	VarThreshold float64 `mapstructure:"var_threshold"`
	KernelSize   int     `mapstructure:"kernel_size"`
	Margin       int     `mapstructure:"margin"`
	MinScale     float64 `mapstructure:"min_scale"`
	MaxScale     float64 `mapstructure:"max_scale"`
}

type StoreConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type KafkaConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	sink.KafkaConfig `mapstructure:",squash"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `mapstructure:"jwt_secret_key"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	AdminIPs       []string      `mapstructure:"admin_ips"`
	RateLimitRPS   int           `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	EnableHTTPS    bool          `mapstructure:"enable_https"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.environment", "development")

	counting := counter.DefaultConfig()
	v.SetDefault("counting.zone.top_left.x", counting.Zone.TopLeft.X)
	v.SetDefault("counting.zone.top_left.y", counting.Zone.TopLeft.Y)
	v.SetDefault("counting.zone.bottom_right.x", counting.Zone.BottomRight.X)
	v.SetDefault("counting.zone.bottom_right.y", counting.Zone.BottomRight.Y)
	v.SetDefault("counting.zone.orientation", string(counting.Zone.Orientation))
	v.SetDefault("counting.direction", string(counting.Direction))
	v.SetDefault("counting.distance_threshold", counting.DistanceThreshold)
	v.SetDefault("counting.frame_width", counting.FrameWidth)
	v.SetDefault("counting.frame_height", counting.FrameHeight)

	tracking := tracker.DefaultConfig()
	v.SetDefault("tracking.match_distance", tracking.MatchDistance)
	v.SetDefault("tracking.inactive_threshold", tracking.InactiveThreshold)
	v.SetDefault("tracking.active_threshold", tracking.ActiveThreshold)
	v.SetDefault("tracking.metric", tracking.Metric)
	v.SetDefault("tracking.max_cells", tracking.MaxCells)

	filter := processor.DefaultAreaFilter()
	v.SetDefault("filter.min_scale", filter.MinScale)
	v.SetDefault("filter.max_scale", filter.MaxScale)

	proc := processor.DefaultProcessorConfig()
	v.SetDefault("processor.queue_size", proc.QueueSize)
	v.SetDefault("processor.dequeue_timeout", proc.DequeueTimeout)
	v.SetDefault("processor.processing_timeout", proc.ProcessingTimeout)
	v.SetDefault("processor.record_timeout", proc.RecordTimeout)
	v.SetDefault("processor.dedupe_ttl", proc.DedupeTTL)
	v.SetDefault("processor.max_streams", proc.MaxStreams)
	v.SetDefault("processor.cache_size", 10000)
	v.SetDefault("processor.cache_cleanup", time.Minute)

	client := detector.DefaultClientConfig()
	v.SetDefault("detector.enabled", false)
	v.SetDefault("detector.base_url", "http://localhost:5000")
	v.SetDefault("detector.timeout", client.Timeout)
	v.SetDefault("detector.max_retries", client.MaxRetries)
	v.SetDefault("detector.retry_delay", client.RetryDelay)
	v.SetDefault("detector.health_check_interval", client.HealthCheckInterval)
	v.SetDefault("detector.min_confidence", client.MinConfidence)

	capture := detector.DefaultCaptureConfig()
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.source", capture.Source)
	v.SetDefault("capture.stream_id", capture.StreamID)
	v.SetDefault("capture.width", capture.Width)
	v.SetDefault("capture.height", capture.Height)
	v.SetDefault("capture.history", capture.History)
	v.SetDefault("capture.var_threshold", capture.VarThreshold)
	v.SetDefault("capture.kernel_size", capture.KernelSize)
	v.SetDefault("capture.margin", capture.Margin)
	v.SetDefault("capture.min_scale", capture.MinScale)
	v.SetDefault("capture.max_scale", capture.MaxScale)

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", "gate-counter.db")
	v.SetDefault("store.retention", time.Duration(0))

	kafka := sink.DefaultKafkaConfig()
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.bootstrap_servers", kafka.BootstrapServers)
	v.SetDefault("kafka.topic", kafka.Topic)
	v.SetDefault("kafka.security_protocol", kafka.SecurityProtocol)
	v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	v.SetDefault("kafka.sasl_username", "")
	v.SetDefault("kafka.sasl_password", "")
	v.SetDefault("kafka.compression_type", kafka.CompressionType)
	v.SetDefault("kafka.acks", kafka.Acks)
	v.SetDefault("kafka.linger_ms", kafka.LingerMS)
	v.SetDefault("kafka.message_timeout", kafka.MessageTimeout)
	v.SetDefault("kafka.max_retries", kafka.MaxRetries)
	v.SetDefault("kafka.flush_timeout", kafka.FlushTimeout)

	v.SetDefault("security.jwt_secret_key", "")
	v.SetDefault("security.allowed_origins", []string{"*"})
	v.SetDefault("security.admin_ips", []string{})
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("security.max_request_size", 10*1024*1024)
	v.SetDefault("security.request_timeout", 30*time.Second)
	v.SetDefault("security.enable_https", false)
	v.SetDefault("security.cert_file", "")
	v.SetDefault("security.key_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads defaults, then config.yaml (from CONFIG_PATH or the
// working directory) if present, then environment variables. Nested keys
// map to upper-case env names with dots replaced by underscores, so
// counting.distance_threshold is COUNTING_DISTANCE_THRESHOLD.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if err := c.Pipeline().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Processor.QueueSize < 1 {
		errs = append(errs, "processor queue size must be positive")
	}

	if c.Detector.Enabled && c.Detector.BaseURL == "" {
		errs = append(errs, "detector base URL is required when the detector is enabled")
	}

	if c.Capture.Enabled && c.Capture.Source == "" {
		errs = append(errs, "capture source is required when capture is enabled")
	}

	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, "store path is required when the store is enabled")
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, using random key")
	}

	if c.Security.MaxRequestSize <= 0 {
		errs = append(errs, "max request size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errs = append(errs, "cert and key files are required for HTTPS")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, ", "))
	}

	return nil
}

// Pipeline returns the per-stream counting configuration.
func (c *Config) Pipeline() processor.PipelineConfig {
	return processor.PipelineConfig{
		Counting: c.Counting,
		Tracking: c.Tracking,
		Filter:   c.Filter,
	}
}

func (c *Config) ProcessorConfig() processor.ProcessorConfig {
	return processor.ProcessorConfig{
		QueueSize:         c.Processor.QueueSize,
		DequeueTimeout:    c.Processor.DequeueTimeout,
		ProcessingTimeout: c.Processor.ProcessingTimeout,
		RecordTimeout:     c.Processor.RecordTimeout,
		DedupeTTL:         c.Processor.DedupeTTL,
		MaxStreams:        c.Processor.MaxStreams,
		Pipeline:          c.Pipeline(),
	}
}

func (c *Config) ClientConfig() detector.ClientConfig {
	return detector.ClientConfig{
		Timeout:             c.Detector.Timeout,
		MaxRetries:          c.Detector.MaxRetries,
		RetryDelay:          c.Detector.RetryDelay,
		HealthCheckInterval: c.Detector.HealthCheckInterval,
		MinConfidence:       c.Detector.MinConfidence,
	}
}

func (c *Config) CaptureConfig() detector.CaptureConfig {
	return detector.CaptureConfig{
		Source:       c.Capture.Source,
		StreamID:     c.Capture.StreamID,
		Width:        c.Capture.Width,
		Height:       c.Capture.Height,
		History:      c.Capture.History,
		VarThreshold: c.Capture.VarThreshold,
		KernelSize:   c.Capture.KernelSize,
		Margin:       c.Capture.Margin,
		MinScale:     c.Capture.MinScale,
		MaxScale:     c.Capture.MaxScale,
	}
}
