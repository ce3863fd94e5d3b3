// Package config provides configuration management for the conclave daemon.
// Precedence: environment > config file > defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable runtime configuration.
type Config struct {
	// Surface
	Listen        string
	MetricsListen string
	LogLevel      string
	PublicIP      string
	Environment   string

	// Filesystem
	TempDir string

	// Redis (shared store)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Chat / auth
	JWTSecret         string
	JobsServiceURL    string
	AuthTimeout       time.Duration
	MessagingLockMode string // "block" or "try"

	// Media workers
	WorkerBin          string
	WorkerCount        int
	WorkerLogLevel     string
	WorkerDiedPolicy   string // "respawn" or "exit"
	RTCMinPort         int
	RTCMaxPort         int
	SampleInterval     time.Duration
	InitialBitrate     int
	MaxIncomingBitrate int
	MaxActiveSpeakers  int

	// Audio side-tap
	SegmenterBin        string
	SegmentSeconds      int
	TapPortMin          int
	TapPortMax          int
	TranscriberBin      string
	TranscriberModel    string
	TranscriberDevice   string
	TranscriberCompute  string
	TranscriberLanguage string
	TranscriberPool     int

	// Telemetry
	OTelEnabled    bool
	OTelExporter   string
	OTelEndpoint   string
	OTelSampleRate float64
}

// FileConfig is the optional YAML file shape, merged below environment.
type FileConfig struct {
	Listen        string `yaml:"listen,omitempty"`
	MetricsListen string `yaml:"metricsListen,omitempty"`
	LogLevel      string `yaml:"logLevel,omitempty"`
	PublicIP      string `yaml:"publicIP,omitempty"`
	Environment   string `yaml:"environment,omitempty"`
	TempDir       string `yaml:"tempDir,omitempty"`

	Redis struct {
		Host     string `yaml:"host,omitempty"`
		Port     int    `yaml:"port,omitempty"`
		Password string `yaml:"password,omitempty"`
		DB       int    `yaml:"db,omitempty"`
	} `yaml:"redis,omitempty"`

	Chat struct {
		JobsServiceURL string `yaml:"jobsServiceURL,omitempty"`
		AuthTimeout    string `yaml:"authTimeout,omitempty"`
		LockMode       string `yaml:"lockMode,omitempty"`
	} `yaml:"chat,omitempty"`

	Workers struct {
		Bin                string `yaml:"bin,omitempty"`
		Count              int    `yaml:"count,omitempty"`
		LogLevel           string `yaml:"logLevel,omitempty"`
		DiedPolicy         string `yaml:"diedPolicy,omitempty"`
		RTCMinPort         int    `yaml:"rtcMinPort,omitempty"`
		RTCMaxPort         int    `yaml:"rtcMaxPort,omitempty"`
		InitialBitrate     int    `yaml:"initialBitrate,omitempty"`
		MaxIncomingBitrate int    `yaml:"maxIncomingBitrate,omitempty"`
		MaxActiveSpeakers  int    `yaml:"maxActiveSpeakers,omitempty"`
	} `yaml:"workers,omitempty"`

	SideTap struct {
		SegmenterBin   string `yaml:"segmenterBin,omitempty"`
		SegmentSeconds int    `yaml:"segmentSeconds,omitempty"`
		PortMin        int    `yaml:"portMin,omitempty"`
		PortMax        int    `yaml:"portMax,omitempty"`
	} `yaml:"sideTap,omitempty"`

	Transcriber struct {
		Bin      string `yaml:"bin,omitempty"`
		Model    string `yaml:"model,omitempty"`
		Device   string `yaml:"device,omitempty"`
		Compute  string `yaml:"compute,omitempty"`
		Language string `yaml:"language,omitempty"`
		Pool     int    `yaml:"pool,omitempty"`
	} `yaml:"transcriber,omitempty"`

	OTel struct {
		Enabled    bool    `yaml:"enabled,omitempty"`
		Exporter   string  `yaml:"exporter,omitempty"`
		Endpoint   string  `yaml:"endpoint,omitempty"`
		SampleRate float64 `yaml:"sampleRate,omitempty"`
	} `yaml:"otel,omitempty"`
}

func defaults() Config {
	return Config{
		Listen:        ":8440",
		MetricsListen: ":9090",
		LogLevel:      "info",
		Environment:   "development",
		TempDir:       "temp",

		RedisHost: "127.0.0.1",
		RedisPort: 6379,

		AuthTimeout:       30 * time.Second,
		MessagingLockMode: "block",

		WorkerBin:          "mediasoup-worker",
		WorkerCount:        runtime.NumCPU(),
		WorkerLogLevel:     "warn",
		WorkerDiedPolicy:   "respawn",
		RTCMinPort:         40000,
		RTCMaxPort:         49999,
		SampleInterval:     time.Second,
		InitialBitrate:     600_000,
		MaxIncomingBitrate: 1_500_000,
		MaxActiveSpeakers:  10,

		SegmenterBin:       "ffmpeg",
		SegmentSeconds:     30,
		TapPortMin:         60000,
		TapPortMax:         65000,
		TranscriberModel:   "base",
		TranscriberDevice:  "cpu",
		TranscriberCompute: "int8",

		OTelExporter:   "http",
		OTelEndpoint:   "localhost:4318",
		OTelSampleRate: 1.0,
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in ascending precedence.
func Load(filePath string) (Config, error) {
	cfg := defaults()

	if filePath != "" {
		if err := mergeFile(&cfg, filePath); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", filePath, err)
		}
	}
	mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return err
	}
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setString(&cfg.Listen, fc.Listen)
	setString(&cfg.MetricsListen, fc.MetricsListen)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.PublicIP, fc.PublicIP)
	setString(&cfg.Environment, fc.Environment)
	setString(&cfg.TempDir, fc.TempDir)

	setString(&cfg.RedisHost, fc.Redis.Host)
	setInt(&cfg.RedisPort, fc.Redis.Port)
	setString(&cfg.RedisPassword, fc.Redis.Password)
	setInt(&cfg.RedisDB, fc.Redis.DB)

	setString(&cfg.JobsServiceURL, fc.Chat.JobsServiceURL)
	setString(&cfg.MessagingLockMode, fc.Chat.LockMode)
	if fc.Chat.AuthTimeout != "" {
		d, err := time.ParseDuration(fc.Chat.AuthTimeout)
		if err != nil {
			return fmt.Errorf("chat.authTimeout: %w", err)
		}
		cfg.AuthTimeout = d
	}

	setString(&cfg.WorkerBin, fc.Workers.Bin)
	setInt(&cfg.WorkerCount, fc.Workers.Count)
	setString(&cfg.WorkerLogLevel, fc.Workers.LogLevel)
	setString(&cfg.WorkerDiedPolicy, fc.Workers.DiedPolicy)
	setInt(&cfg.RTCMinPort, fc.Workers.RTCMinPort)
	setInt(&cfg.RTCMaxPort, fc.Workers.RTCMaxPort)
	setInt(&cfg.InitialBitrate, fc.Workers.InitialBitrate)
	setInt(&cfg.MaxIncomingBitrate, fc.Workers.MaxIncomingBitrate)
	setInt(&cfg.MaxActiveSpeakers, fc.Workers.MaxActiveSpeakers)

	setString(&cfg.SegmenterBin, fc.SideTap.SegmenterBin)
	setInt(&cfg.SegmentSeconds, fc.SideTap.SegmentSeconds)
	setInt(&cfg.TapPortMin, fc.SideTap.PortMin)
	setInt(&cfg.TapPortMax, fc.SideTap.PortMax)

	setString(&cfg.TranscriberBin, fc.Transcriber.Bin)
	setString(&cfg.TranscriberModel, fc.Transcriber.Model)
	setString(&cfg.TranscriberDevice, fc.Transcriber.Device)
	setString(&cfg.TranscriberCompute, fc.Transcriber.Compute)
	setString(&cfg.TranscriberLanguage, fc.Transcriber.Language)
	setInt(&cfg.TranscriberPool, fc.Transcriber.Pool)

	if fc.OTel.Enabled {
		cfg.OTelEnabled = true
	}
	setString(&cfg.OTelExporter, fc.OTel.Exporter)
	setString(&cfg.OTelEndpoint, fc.OTel.Endpoint)
	if fc.OTel.SampleRate > 0 {
		cfg.OTelSampleRate = fc.OTel.SampleRate
	}
	return nil
}

// mergeEnv overlays environment variables. The store, secret and jobs-service
// variables keep their historical non-prefixed names; everything else is
// CONCLAVE_-prefixed.
func mergeEnv(cfg *Config) {
	cfg.Listen = ParseString("CONCLAVE_LISTEN", cfg.Listen)
	cfg.MetricsListen = ParseString("CONCLAVE_METRICS_LISTEN", cfg.MetricsListen)
	cfg.LogLevel = ParseString("CONCLAVE_LOG_LEVEL", cfg.LogLevel)
	cfg.PublicIP = ParseString("PUBLIC_IP", cfg.PublicIP)
	cfg.Environment = ParseString("CONCLAVE_ENV", cfg.Environment)
	cfg.TempDir = ParseString("CONCLAVE_TEMP_DIR", cfg.TempDir)

	cfg.RedisHost = ParseString("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = ParseInt("REDIS_PORT", cfg.RedisPort)
	cfg.RedisPassword = ParseString("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("REDIS_DB", cfg.RedisDB)

	cfg.JWTSecret = ParseString("JWT_SECRET", cfg.JWTSecret)
	cfg.JobsServiceURL = ParseString("JOBS_SERVICE_URL", cfg.JobsServiceURL)
	cfg.AuthTimeout = ParseDuration("CONCLAVE_AUTH_TIMEOUT", cfg.AuthTimeout)
	cfg.MessagingLockMode = ParseString("CONCLAVE_MESSAGING_LOCK_MODE", cfg.MessagingLockMode)

	cfg.WorkerBin = ParseString("CONCLAVE_WORKER_BIN", cfg.WorkerBin)
	cfg.WorkerCount = ParseInt("CONCLAVE_WORKER_COUNT", cfg.WorkerCount)
	cfg.WorkerLogLevel = ParseString("CONCLAVE_WORKER_LOG_LEVEL", cfg.WorkerLogLevel)
	cfg.WorkerDiedPolicy = ParseString("CONCLAVE_WORKER_DIED_POLICY", cfg.WorkerDiedPolicy)
	cfg.RTCMinPort = ParseInt("CONCLAVE_RTC_MIN_PORT", cfg.RTCMinPort)
	cfg.RTCMaxPort = ParseInt("CONCLAVE_RTC_MAX_PORT", cfg.RTCMaxPort)
	cfg.SampleInterval = ParseDuration("CONCLAVE_WORKER_SAMPLE_INTERVAL", cfg.SampleInterval)
	cfg.InitialBitrate = ParseInt("CONCLAVE_INITIAL_BITRATE", cfg.InitialBitrate)
	cfg.MaxIncomingBitrate = ParseInt("CONCLAVE_MAX_INCOMING_BITRATE", cfg.MaxIncomingBitrate)
	cfg.MaxActiveSpeakers = ParseInt("CONCLAVE_MAX_ACTIVE_SPEAKERS", cfg.MaxActiveSpeakers)

	cfg.SegmenterBin = ParseString("CONCLAVE_SEGMENTER_BIN", cfg.SegmenterBin)
	cfg.SegmentSeconds = ParseInt("CONCLAVE_SEGMENT_SECONDS", cfg.SegmentSeconds)
	cfg.TapPortMin = ParseInt("CONCLAVE_TAP_PORT_MIN", cfg.TapPortMin)
	cfg.TapPortMax = ParseInt("CONCLAVE_TAP_PORT_MAX", cfg.TapPortMax)
	cfg.TranscriberBin = ParseString("CONCLAVE_TRANSCRIBER_BIN", cfg.TranscriberBin)
	cfg.TranscriberModel = ParseString("CONCLAVE_TRANSCRIBER_MODEL", cfg.TranscriberModel)
	cfg.TranscriberDevice = ParseString("CONCLAVE_TRANSCRIBER_DEVICE", cfg.TranscriberDevice)
	cfg.TranscriberCompute = ParseString("CONCLAVE_TRANSCRIBER_COMPUTE", cfg.TranscriberCompute)
	cfg.TranscriberLanguage = ParseString("CONCLAVE_TRANSCRIBER_LANGUAGE", cfg.TranscriberLanguage)
	cfg.TranscriberPool = ParseInt("CONCLAVE_TRANSCRIBER_POOL", cfg.TranscriberPool)

	cfg.OTelEnabled = ParseBool("CONCLAVE_OTEL_ENABLED", cfg.OTelEnabled)
	cfg.OTelExporter = ParseString("CONCLAVE_OTEL_EXPORTER", cfg.OTelExporter)
	cfg.OTelEndpoint = ParseString("CONCLAVE_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelSampleRate = ParseFloat("CONCLAVE_OTEL_SAMPLE_RATE", cfg.OTelSampleRate)
}

// Validate fails fast on configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", c.WorkerCount)
	}
	if c.RTCMinPort <= 0 || c.RTCMaxPort <= c.RTCMinPort {
		return fmt.Errorf("invalid rtc port range [%d, %d]", c.RTCMinPort, c.RTCMaxPort)
	}
	if c.TapPortMin <= 0 || c.TapPortMax <= c.TapPortMin+1 {
		return fmt.Errorf("invalid side-tap port range [%d, %d)", c.TapPortMin, c.TapPortMax)
	}
	if c.TapPortMax > 65536 {
		return fmt.Errorf("side-tap port range exceeds 65535: %d", c.TapPortMax)
	}
	switch c.MessagingLockMode {
	case "block", "try":
	default:
		return fmt.Errorf("messaging lock mode must be \"block\" or \"try\", got %q", c.MessagingLockMode)
	}
	switch c.WorkerDiedPolicy {
	case "respawn", "exit":
	default:
		return fmt.Errorf("worker died policy must be \"respawn\" or \"exit\", got %q", c.WorkerDiedPolicy)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MaxActiveSpeakers < 1 {
		return fmt.Errorf("max active speakers must be >= 1, got %d", c.MaxActiveSpeakers)
	}
	if c.SegmentSeconds < 1 {
		return fmt.Errorf("segment seconds must be >= 1, got %d", c.SegmentSeconds)
	}
	return nil
}

// RedisAddr returns the host:port address of the shared store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
