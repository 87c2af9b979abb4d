package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"livesignal/pkg/circuitbreaker"
	"livesignal/pkg/retry"
	"livesignal/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address             string        `yaml:"address"`
		Path                string        `yaml:"path"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
		SweepInterval       time.Duration `yaml:"sweep_interval"`
		PendingGrace        time.Duration `yaml:"pending_grace"`
		DescriptorTimeout   time.Duration `yaml:"descriptor_timeout"`
		MaxUnansweredOffers int           `yaml:"max_unanswered_offers"`
		OutboundQueueSize   int           `yaml:"outbound_queue_size"`
		MaxViewersPerStream int           `yaml:"max_viewers_per_stream"`
		MaxStreams          int           `yaml:"max_streams"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
		ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
		AckHeartbeats       bool          `yaml:"ack_heartbeats"`

		// BroadcasterLeaseTTL bounds how long a crashed instance keeps a
		// stream's broadcaster slot when instances share Redis.
		BroadcasterLeaseTTL time.Duration `yaml:"broadcaster_lease_ttl"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Descriptor struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`

		// AllowUnregistered lets a broadcaster go live on a stream id with no
		// stored descriptor; the broker registers one owned by that identity.
		AllowUnregistered bool `yaml:"allow_unregistered"`

		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`

		CircuitBreaker struct {
			FailureThreshold    int           `yaml:"failure_threshold"`
			SuccessThreshold    int           `yaml:"success_threshold"`
			Timeout             time.Duration `yaml:"timeout"`
			MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"`
		} `yaml:"circuit_breaker"`
	} `yaml:"descriptor"`

	Peaks struct {
		BatchSize     int           `yaml:"batch_size"`
		BatchInterval time.Duration `yaml:"batch_interval"`
	} `yaml:"peaks"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		// HealthInterval paces the background health checks behind /ready.
		HealthInterval time.Duration `yaml:"health_interval"`
	} `yaml:"monitoring"`

	// Backup snapshots stream descriptors to disk when Redis is not in use.
	Backup struct {
		Enabled  bool          `yaml:"enabled"`
		Dir      string        `yaml:"dir"`
		Interval time.Duration `yaml:"interval"`
		Keep     int           `yaml:"keep"`
	} `yaml:"backup"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`

		// EventChannel is the pub/sub channel for session lifecycle events.
		EventChannel string `yaml:"event_channel"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
		Issuer    string        `yaml:"issuer"`

		// DevTokens exposes POST /api/v1/auth/token. Never enable in production.
		DevTokens bool `yaml:"dev_tokens"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.HeartbeatTimeout <= 0 {
		return fmt.Errorf("signal.heartbeat_timeout must be > 0")
	}
	if c.Signal.SweepInterval <= 0 {
		return fmt.Errorf("signal.sweep_interval must be > 0")
	}
	if c.Signal.PendingGrace <= 0 {
		return fmt.Errorf("signal.pending_grace must be > 0")
	}
	if c.Signal.DescriptorTimeout <= 0 {
		return fmt.Errorf("signal.descriptor_timeout must be > 0")
	}
	if c.Signal.MaxUnansweredOffers < 0 {
		return fmt.Errorf("signal.max_unanswered_offers must be >= 0")
	}
	if c.Signal.OutboundQueueSize <= 0 {
		return fmt.Errorf("signal.outbound_queue_size must be > 0")
	}
	if c.Signal.MaxViewersPerStream < 0 {
		return fmt.Errorf("signal.max_viewers_per_stream must be >= 0")
	}
	if c.Signal.MaxStreams < 0 {
		return fmt.Errorf("signal.max_streams must be >= 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.BroadcasterLeaseTTL < time.Second {
		return fmt.Errorf("signal.broadcaster_lease_ttl must be >= 1s")
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Descriptor
	if c.Descriptor.CacheTTL <= 0 {
		return fmt.Errorf("descriptor.cache_ttl must be > 0")
	}
	if c.Descriptor.Retry.MaxAttempts < 0 {
		return fmt.Errorf("descriptor.retry.max_attempts must be >= 0")
	}
	if c.Descriptor.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("descriptor.circuit_breaker.failure_threshold must be > 0")
	}
	if c.Descriptor.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("descriptor.circuit_breaker.timeout must be > 0")
	}

	// Peaks
	if c.Peaks.BatchSize <= 0 {
		return fmt.Errorf("peaks.batch_size must be > 0")
	}
	if c.Peaks.BatchInterval <= 0 {
		return fmt.Errorf("peaks.batch_interval must be > 0")
	}

	// Monitoring
	if c.Monitoring.HealthInterval <= 0 {
		return fmt.Errorf("monitoring.health_interval must be > 0")
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup.dir must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
		}
		if c.Backup.Keep < 1 {
			return fmt.Errorf("backup.keep must be >= 1 when backup.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.EventChannel == "" {
			return fmt.Errorf("redis.event_channel must not be empty when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	// Connection caps apply whether or not rate limiting is enabled.
	if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0")
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.HeartbeatTimeout = 90 * time.Second // three client heartbeat intervals
	cfg.Signal.SweepInterval = 15 * time.Second
	cfg.Signal.PendingGrace = 5 * time.Minute
	cfg.Signal.DescriptorTimeout = 5 * time.Second
	cfg.Signal.MaxUnansweredOffers = 3
	cfg.Signal.OutboundQueueSize = 64
	cfg.Signal.MaxViewersPerStream = 0
	cfg.Signal.MaxStreams = 0
	cfg.Signal.AllowedOrigins = []string{"*"}
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.AckHeartbeats = false
	cfg.Signal.BroadcasterLeaseTTL = 30 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Descriptor.CacheTTL = 30 * time.Second
	cfg.Descriptor.AllowUnregistered = false
	cfg.Descriptor.Retry.Enabled = true
	cfg.Descriptor.Retry.MaxAttempts = 2
	cfg.Descriptor.Retry.InitialDelay = 50 * time.Millisecond
	cfg.Descriptor.Retry.MaxDelay = time.Second
	cfg.Descriptor.CircuitBreaker.FailureThreshold = 5
	cfg.Descriptor.CircuitBreaker.SuccessThreshold = 2
	cfg.Descriptor.CircuitBreaker.Timeout = 30 * time.Second
	cfg.Descriptor.CircuitBreaker.MaxRequestsHalfOpen = 1

	cfg.Peaks.BatchSize = 50
	cfg.Peaks.BatchInterval = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthInterval = 15 * time.Second

	cfg.Backup.Enabled = false
	cfg.Backup.Dir = "./data/snapshots"
	cfg.Backup.Interval = time.Minute
	cfg.Backup.Keep = 5

	tc := tracing.DefaultConfig()
	cfg.Tracing.Enabled = tc.Enabled
	cfg.Tracing.ServiceName = tc.ServiceName
	cfg.Tracing.JaegerURL = tc.JaegerURL
	cfg.Tracing.Environment = tc.Environment
	cfg.Tracing.SampleRate = tc.SampleRate

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.EventChannel = "livesignal:events"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.Issuer = "livesignal"
	cfg.Auth.DevTokens = false

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVESIGNAL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("LIVESIGNAL_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("LIVESIGNAL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("LIVESIGNAL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("LIVESIGNAL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if v := os.Getenv("LIVESIGNAL_MAX_VIEWERS_PER_STREAM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Signal.MaxViewersPerStream = n
		}
	}
	if dir := os.Getenv("LIVESIGNAL_BACKUP_DIR"); dir != "" {
		c.Backup.Enabled = true
		c.Backup.Dir = dir
	}
	if v := os.Getenv("LIVESIGNAL_DEV_TOKENS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.DevTokens = b
		}
	}
}

// ICEServers converts the configured fallback ICE servers to pion's model.
func (c *Config) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.WebRTC.ICEServers))
	for _, s := range c.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

func (c *Config) RetryConfig() retry.Config {
	rc := retry.DefaultConfig()
	rc.Enabled = c.Descriptor.Retry.Enabled
	rc.MaxAttempts = c.Descriptor.Retry.MaxAttempts
	rc.InitialDelay = c.Descriptor.Retry.InitialDelay
	rc.MaxDelay = c.Descriptor.Retry.MaxDelay
	return rc
}

func (c *Config) CircuitBreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    c.Descriptor.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    c.Descriptor.CircuitBreaker.SuccessThreshold,
		Timeout:             c.Descriptor.CircuitBreaker.Timeout,
		MaxRequestsHalfOpen: c.Descriptor.CircuitBreaker.MaxRequestsHalfOpen,
	}
}

func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		Enabled:        c.Tracing.Enabled,
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: version,
		JaegerURL:      c.Tracing.JaegerURL,
		Environment:    c.Tracing.Environment,
		SampleRate:     c.Tracing.SampleRate,
	}
}
