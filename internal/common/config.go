package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config is the application configuration. Priority: defaults -> config
// file(s) -> INKWELL_* environment variables -> CLI flags.
type Config struct {
	Environment string            `toml:"environment"`
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Storage     StorageConfig     `toml:"storage"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Queue       QueueConfig       `toml:"queue"`
	Worker      WorkerConfig      `toml:"worker"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	BackendA    BackendAConfig    `toml:"backend_a"`
	BackendB    BackendBConfig    `toml:"backend_b"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host"`
}

type AuthConfig struct {
	// APIKey guards every endpoint except /health when set. Empty disables
	// authentication (local development).
	APIKey string `toml:"api_key"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// ObjectStoreConfig points at the S3-compatible artifact bucket.
type ObjectStoreConfig struct {
	Endpoint      string        `toml:"endpoint"`
	AccessKey     string        `toml:"access_key"`
	SecretKey     string        `toml:"secret_key"`
	Bucket        string        `toml:"bucket"`
	Region        string        `toml:"region"`
	UseSSL        bool          `toml:"use_ssl"`
	PresignExpiry time.Duration `toml:"presign_expiry"`
}

type QueueConfig struct {
	QueueName         string        `toml:"queue_name"`
	PollInterval      time.Duration `toml:"poll_interval"`
	VisibilityTimeout time.Duration `toml:"visibility_timeout"`
	MaxReceive        int           `toml:"max_receive"`
}

// WorkerConfig bounds job execution.
type WorkerConfig struct {
	MaxConcurrentJobs    int           `toml:"max_concurrent_jobs" validate:"gt=0"`
	OCRThreadsPerJob     int           `toml:"ocr_threads_per_job" validate:"gt=0"`
	MaxGlobalOCRRequests int           `toml:"max_global_ocr_requests" validate:"gt=0"`
	MaxQueueSize         int           `toml:"max_queue_size" validate:"gte=0"` // 0 disables admission control
	TaskTimeLimit        time.Duration `toml:"task_time_limit"`
	DebounceInterval     time.Duration `toml:"debounce_interval"`
	WorkDir              string        `toml:"work_dir"`
}

// PipelineConfig tunes the crop pass.
type PipelineConfig struct {
	RenderDPI        int     `toml:"pdf_render_dpi" validate:"gt=0"`
	CropPadding      int     `toml:"crop_padding_px"`
	MaxStripHeight   int     `toml:"max_strip_height_px"`
	StripGap         int     `toml:"strip_gap_px"`
	MatchMaxDistance int     `toml:"match_max_distance"`
	ProgressDelta    float64 `toml:"progress_delta"`
	ProgressEvery    int     `toml:"progress_every"` // report after N completed units
}

// BackendAConfig is the API-keyed vision provider (chat-completions style).
type BackendAConfig struct {
	BaseURL      string        `toml:"base_url"`
	APIKey       string        `toml:"api_key"`
	DefaultModel string        `toml:"default_model"`
	Timeout      time.Duration `toml:"timeout"`
	MaxRetries   int           `toml:"max_retries"`
}

// BackendBConfig is the segmentation+OCR service (upload and poll).
type BackendBConfig struct {
	BaseURL       string        `toml:"base_url"`
	APIKey        string        `toml:"api_key"`
	MaxRPM        int           `toml:"max_rpm"`
	MaxConcurrent int           `toml:"max_concurrent"`
	PollInterval  time.Duration `toml:"poll_interval"`
	Timeout       time.Duration `toml:"timeout"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format     string   `toml:"format"` // "json" or "text"
	Output     []string `toml:"output"` // "stdout", "file"
	TimeFormat string   `toml:"time_format"`
	FilePath   string   `toml:"file_path"`
}

// NewDefaultConfig returns the configuration used when no file is supplied.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8321,
			Host: "0.0.0.0",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/inkwell",
				ResetOnStartup: false,
			},
		},
		ObjectStore: ObjectStoreConfig{
			Region:        "auto",
			UseSSL:        true,
			PresignExpiry: 1 * time.Hour,
		},
		Queue: QueueConfig{
			QueueName:         "ocr_jobs",
			PollInterval:      10 * time.Second,
			VisibilityTimeout: 5 * time.Minute,
			MaxReceive:        3,
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs:    4,
			OCRThreadsPerJob:     2,
			MaxGlobalOCRRequests: 8,
			MaxQueueSize:         100,
			TaskTimeLimit:        1 * time.Hour,
			DebounceInterval:     3 * time.Second,
			WorkDir:              "", // empty = os.TempDir()
		},
		Pipeline: PipelineConfig{
			RenderDPI:        300,
			CropPadding:      5,
			MaxStripHeight:   3000,
			StripGap:         20,
			MatchMaxDistance: 2,
			ProgressDelta:    0.05,
			ProgressEvery:    5,
		},
		BackendA: BackendAConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "",
			Timeout:      2 * time.Minute,
			MaxRetries:   3,
		},
		BackendB: BackendBConfig{
			MaxRPM:        180,
			MaxConcurrent: 5,
			PollInterval:  2 * time.Second,
			Timeout:       5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
			FilePath:   "logs/inkwell.log",
		},
	}
}

// LoadFromFiles merges configuration files over the defaults; later files
// override earlier ones, then environment variables apply on top.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks structural constraints on the merged configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("INKWELL_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("INKWELL_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("INKWELL_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if key := os.Getenv("INKWELL_API_KEY"); key != "" {
		config.Auth.APIKey = key
	}

	if path := os.Getenv("INKWELL_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if endpoint := os.Getenv("INKWELL_S3_ENDPOINT"); endpoint != "" {
		config.ObjectStore.Endpoint = endpoint
	}
	if key := os.Getenv("INKWELL_S3_ACCESS_KEY"); key != "" {
		config.ObjectStore.AccessKey = key
	}
	if secret := os.Getenv("INKWELL_S3_SECRET_KEY"); secret != "" {
		config.ObjectStore.SecretKey = secret
	}
	if bucket := os.Getenv("INKWELL_S3_BUCKET"); bucket != "" {
		config.ObjectStore.Bucket = bucket
	}

	if v := os.Getenv("INKWELL_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Worker.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("INKWELL_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Worker.MaxQueueSize = n
		}
	}
	if v := os.Getenv("INKWELL_BACKEND_A_API_KEY"); v != "" {
		config.BackendA.APIKey = v
	}
	if v := os.Getenv("INKWELL_BACKEND_A_BASE_URL"); v != "" {
		config.BackendA.BaseURL = v
	}
	if v := os.Getenv("INKWELL_BACKEND_B_API_KEY"); v != "" {
		config.BackendB.APIKey = v
	}
	if v := os.Getenv("INKWELL_BACKEND_B_BASE_URL"); v != "" {
		config.BackendB.BaseURL = v
	}

	if level := os.Getenv("INKWELL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies CLI flag values, the highest priority layer.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
