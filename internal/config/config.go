package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VRAMConfig holds single-GPU model-swap arbitration settings.
type VRAMConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // default: 30s
	LoadTimeout    time.Duration `yaml:"load_timeout"`    // default: 30s
	UnloadTimeout  time.Duration `yaml:"unload_timeout"`  // default: 30s
	KillGrace      time.Duration `yaml:"kill_grace"`      // default: 10s
	ErrorCooldown  time.Duration `yaml:"error_cooldown"`  // default: 60s
	CoderModel     string        `yaml:"coder_model"`     // default: qwen2.5-coder
	VLModel        string        `yaml:"vl_model"`        // default: llava
}

// LocalModelConfig holds settings for the narrow client over the
// local-inference server.
type LocalModelConfig struct {
	BaseURL     string        `yaml:"base_url"`     // default: http://localhost:11434
	ProbeTimeout time.Duration `yaml:"probe_timeout"` // default: 5s
}

// CloudConfig holds cloud escalation and circuit-breaker settings.
type CloudConfig struct {
	Enabled           bool          `yaml:"enabled"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	PrimaryModel      string        `yaml:"primary_model"`
	FallbackModel     string        `yaml:"fallback_model"`
	FailureThreshold  int           `yaml:"failure_threshold"`  // default: 3
	OpenCooldown      time.Duration `yaml:"open_cooldown"`      // default: 3600s
	DailyTokenBudget  int64         `yaml:"daily_token_budget"` // default: 1_000_000
	CallTimeout       time.Duration `yaml:"call_timeout"`       // default: 60s
}

// RouterConfig holds per-request model-selection policy thresholds.
type RouterConfig struct {
	CloudLengthThreshold int `yaml:"cloud_length_threshold"` // default: 30000
}

// FirewallConfig holds prompt-injection firewall thresholds.
type FirewallConfig struct {
	MaxLength       int     `yaml:"max_length"`        // default: 10000
	NonAlnumRatio   float64 `yaml:"nonalnum_ratio"`    // default: 0.30
	Base64MinLength int     `yaml:"base64_min_length"` // default: 20
}

// CodesConfig holds short-lived promotion-code settings.
type CodesConfig struct {
	TTL time.Duration `yaml:"ttl"` // default: 300s
}

// SkillsConfig holds skill registry and quarantine settings.
type SkillsConfig struct {
	RootDir           string        `yaml:"root_dir"`            // default: ./skills
	MaxCodeSizeBytes  int64         `yaml:"max_code_size_bytes"` // default: 1MiB
	CleanRunsRequired int           `yaml:"clean_runs_required"` // default: 3
	StrikeLimit       int           `yaml:"strike_limit"`        // default: 3
	SandboxTimeout    time.Duration `yaml:"sandbox_timeout"`     // default: 60s
	SandboxKillGrace  time.Duration `yaml:"sandbox_kill_grace"`  // default: 10s
	StdoutHeadBytes   int           `yaml:"stdout_head_bytes"`   // default: 1000
	StderrHeadBytes   int           `yaml:"stderr_head_bytes"`   // default: 500
}

// RAGConfig holds retrieval-augmented-context settings.
type RAGConfig struct {
	PerCollectionLimit int     `yaml:"per_collection_limit"` // default: 5
	SimilarityFloor    float64 `yaml:"similarity_floor"`     // default: 0.75
	TopN               int     `yaml:"top_n"`                // default: 10
	SoftCeilingRatio   float64 `yaml:"soft_ceiling_ratio"`   // default: 0.90
	HardCap            int64   `yaml:"hard_cap"`             // default: 100000
	PruneBatchSize     int     `yaml:"prune_batch_size"`     // default: 1000
}

// DreamCycleConfig holds the daily maintenance worker's schedule and caps.
type DreamCycleConfig struct {
	Hour                 int           `yaml:"hour"`                    // default: 3 (local)
	Minute               int           `yaml:"minute"`                  // default: 0
	HardCap              time.Duration `yaml:"hard_cap"`                // default: 1800s
	MemoryPruneAge       time.Duration `yaml:"memory_prune_age"`        // default: 720h (30d)
	MemoryPruneBatchSize int           `yaml:"memory_prune_batch_size"` // default: 5000
	LogGzipThresholdMB   int64         `yaml:"log_gzip_threshold_mb"`   // default: 10
	LogsDir              string        `yaml:"logs_dir"`                // default: ./logs
	HealthReportTTL      time.Duration `yaml:"health_report_ttl"`       // default: 48h
}

// WatchdogConfig holds event-loop heartbeat-sentinel settings.
type WatchdogConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default: 5s
	StarvedThreshold  time.Duration `yaml:"starved_threshold"`  // default: 30s
}

// KVConfig holds the short-term state store connection.
type KVConfig struct {
	Addr     string `yaml:"addr"`     // default: localhost:6379
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VectorConfig holds the long-term memory store connection.
type VectorConfig struct {
	DSN string `yaml:"dsn"`
}

// AuditConfig holds the append-only security journal's location.
type AuditConfig struct {
	Path string `yaml:"path"` // default: logs/tier1/audit.jsonl
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`      // Default: false
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // sentinel
	SampleRate  float64 `yaml:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`           // Default: true
	Namespace        string    `yaml:"namespace"`         // sentinel
	HistogramBuckets []float64 `yaml:"histogram_buckets"` // Latency buckets in ms
}

// LoggingConfig holds structured operational-logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Config is the top-level application configuration.
type Config struct {
	VRAM       VRAMConfig       `yaml:"vram"`
	LocalModel LocalModelConfig `yaml:"local_model"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Router     RouterConfig     `yaml:"router"`
	Firewall   FirewallConfig   `yaml:"firewall"`
	Codes      CodesConfig      `yaml:"codes"`
	Skills     SkillsConfig     `yaml:"skills"`
	RAG        RAGConfig        `yaml:"rag"`
	DreamCycle DreamCycleConfig `yaml:"dream_cycle"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	KV         KVConfig         `yaml:"kv"`
	Vector     VectorConfig     `yaml:"vector"`
	Audit      AuditConfig      `yaml:"audit"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DefaultConfig returns the configuration with every documented default
// applied, matching the timeouts enumerated in the concurrency model.
func DefaultConfig() *Config {
	return &Config{
		VRAM: VRAMConfig{
			AcquireTimeout: 30 * time.Second,
			LoadTimeout:    30 * time.Second,
			UnloadTimeout:  30 * time.Second,
			KillGrace:      10 * time.Second,
			ErrorCooldown:  60 * time.Second,
			CoderModel:     "qwen2.5-coder",
			VLModel:        "llava",
		},
		LocalModel: LocalModelConfig{
			BaseURL:      "http://localhost:11434",
			ProbeTimeout: 5 * time.Second,
		},
		Cloud: CloudConfig{
			Enabled:          true,
			BaseURL:          "https://generativelanguage.googleapis.com",
			PrimaryModel:     "gemini-2.0-flash",
			FallbackModel:    "gemini-1.5-flash",
			FailureThreshold: 3,
			OpenCooldown:     3600 * time.Second,
			DailyTokenBudget: 1_000_000,
			CallTimeout:      60 * time.Second,
		},
		Router: RouterConfig{
			CloudLengthThreshold: 30000,
		},
		Firewall: FirewallConfig{
			MaxLength:       10000,
			NonAlnumRatio:   0.30,
			Base64MinLength: 20,
		},
		Codes: CodesConfig{
			TTL: 300 * time.Second,
		},
		Skills: SkillsConfig{
			RootDir:           "./skills",
			MaxCodeSizeBytes:  1 << 20,
			CleanRunsRequired: 3,
			StrikeLimit:       3,
			SandboxTimeout:    60 * time.Second,
			SandboxKillGrace:  10 * time.Second,
			StdoutHeadBytes:   1000,
			StderrHeadBytes:   500,
		},
		RAG: RAGConfig{
			PerCollectionLimit: 5,
			SimilarityFloor:    0.75,
			TopN:               10,
			SoftCeilingRatio:   0.90,
			HardCap:            100000,
			PruneBatchSize:     1000,
		},
		DreamCycle: DreamCycleConfig{
			Hour:                 3,
			Minute:               0,
			HardCap:              1800 * time.Second,
			MemoryPruneAge:       30 * 24 * time.Hour,
			MemoryPruneBatchSize: 5000,
			LogGzipThresholdMB:   10,
			LogsDir:              "./logs",
			HealthReportTTL:      48 * time.Hour,
		},
		Watchdog: WatchdogConfig{
			HeartbeatInterval: 5 * time.Second,
			StarvedThreshold:  30 * time.Second,
		},
		KV: KVConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Vector: VectorConfig{
			DSN: "postgres://localhost:5432/sentinel?sslmode=disable",
		},
		Audit: AuditConfig{
			Path: "logs/tier1/audit.jsonl",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "sentinel",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:          true,
			Namespace:        "sentinel",
			HistogramBuckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile reads a YAML configuration file on top of DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies SENTINEL_* environment variable overrides in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SENTINEL_VRAM_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.VRAM.AcquireTimeout = d
		}
	}
	if v := os.Getenv("SENTINEL_VRAM_LOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.VRAM.LoadTimeout = d
		}
	}
	if v := os.Getenv("SENTINEL_VRAM_CODER_MODEL"); v != "" {
		cfg.VRAM.CoderModel = v
	}
	if v := os.Getenv("SENTINEL_VRAM_VL_MODEL"); v != "" {
		cfg.VRAM.VLModel = v
	}
	if v := os.Getenv("SENTINEL_LOCAL_MODEL_BASE_URL"); v != "" {
		cfg.LocalModel.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_CLOUD_ENABLED"); v != "" {
		cfg.Cloud.Enabled = parseBool(v)
	}
	if v := os.Getenv("SENTINEL_CLOUD_API_KEY"); v != "" {
		cfg.Cloud.APIKey = v
	}
	if v := os.Getenv("SENTINEL_CLOUD_BASE_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_CLOUD_PRIMARY_MODEL"); v != "" {
		cfg.Cloud.PrimaryModel = v
	}
	if v := os.Getenv("SENTINEL_CLOUD_FALLBACK_MODEL"); v != "" {
		cfg.Cloud.FallbackModel = v
	}
	if v := os.Getenv("SENTINEL_CLOUD_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cloud.FailureThreshold = n
		}
	}
	if v := os.Getenv("SENTINEL_CLOUD_OPEN_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cloud.OpenCooldown = d
		}
	}
	if v := os.Getenv("SENTINEL_CLOUD_DAILY_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cloud.DailyTokenBudget = n
		}
	}
	if v := os.Getenv("SENTINEL_ROUTER_CLOUD_LENGTH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Router.CloudLengthThreshold = n
		}
	}
	if v := os.Getenv("SENTINEL_FIREWALL_MAX_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Firewall.MaxLength = n
		}
	}
	if v := os.Getenv("SENTINEL_SKILLS_ROOT_DIR"); v != "" {
		cfg.Skills.RootDir = v
	}
	if v := os.Getenv("SENTINEL_SKILLS_SANDBOX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Skills.SandboxTimeout = d
		}
	}
	if v := os.Getenv("SENTINEL_SKILLS_STRIKE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Skills.StrikeLimit = n
		}
	}
	if v := os.Getenv("SENTINEL_RAG_SIMILARITY_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RAG.SimilarityFloor = f
		}
	}
	if v := os.Getenv("SENTINEL_DREAM_CYCLE_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DreamCycle.Hour = n
		}
	}
	if v := os.Getenv("SENTINEL_DREAM_CYCLE_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DreamCycle.Minute = n
		}
	}
	if v := os.Getenv("SENTINEL_DREAM_CYCLE_HARD_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DreamCycle.HardCap = d
		}
	}
	if v := os.Getenv("SENTINEL_WATCHDOG_STARVED_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watchdog.StarvedThreshold = d
		}
	}
	if v := os.Getenv("SENTINEL_KV_ADDR"); v != "" {
		cfg.KV.Addr = v
	}
	if v := os.Getenv("SENTINEL_KV_PASSWORD"); v != "" {
		cfg.KV.Password = v
	}
	if v := os.Getenv("SENTINEL_KV_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KV.DB = n
		}
	}
	if v := os.Getenv("SENTINEL_VECTOR_DSN"); v != "" {
		cfg.Vector.DSN = v
	}
	if v := os.Getenv("SENTINEL_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("SENTINEL_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("SENTINEL_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("SENTINEL_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("SENTINEL_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("SENTINEL_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("SENTINEL_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
