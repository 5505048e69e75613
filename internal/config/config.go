// Package config handles loading and parsing of fsweb configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for fsweb.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Temp    TempConfig    `yaml:"temp"`
	Tools   ToolsConfig   `yaml:"tools"`
	Video   VideoConfig   `yaml:"video"`
	Tasks   TasksConfig   `yaml:"tasks"`
	Journal JournalConfig `yaml:"journal"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown budget in seconds. It covers
	// both in-flight requests and draining background transcodes.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxUploadSize caps a single request body in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
	// NamespaceRoutes additionally mounts every route under /{namespace}.
	NamespaceRoutes *bool `yaml:"namespace_routes"`
}

// MountNamespaceRoutes reports whether routes are also served under a
// /{namespace} prefix. Defaults to true.
func (s ServerConfig) MountNamespaceRoutes() bool {
	return s.NamespaceRoutes == nil || *s.NamespaceRoutes
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// StorageConfig holds blob store settings.
type StorageConfig struct {
	// Backend is the store type: "s3", "minio", "gcs", "azure", "local" or "memory".
	Backend string `yaml:"backend"`
	// Namespace is the single bucket (or container) all objects live in.
	Namespace string `yaml:"namespace"`
	// Region is used when the namespace has to be created.
	Region string `yaml:"region"`
	// Endpoint is the store address. For minio it is host:port, for s3 a full URL.
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	PathStyle bool   `yaml:"path_style"`

	GCS   GCSConfig   `yaml:"gcs"`
	Azure AzureConfig `yaml:"azure"`
	Local LocalConfig `yaml:"local"`
}

// GCSConfig holds Google Cloud Storage settings.
type GCSConfig struct {
	// Project is required to create the bucket when it does not exist.
	Project string `yaml:"project"`
	// Location is the bucket location used on creation; empty uses the
	// GCS default (US multi-region).
	Location string `yaml:"location"`
	// Endpoint overrides the API endpoint, e.g. for fake-gcs-server.
	Endpoint string `yaml:"endpoint"`
	// WithoutAuth disables credential lookup. Only useful against emulators.
	WithoutAuth bool `yaml:"without_auth"`
}

// AzureConfig holds Azure Blob Storage settings.
type AzureConfig struct {
	// AccountURL is e.g. https://account.blob.core.windows.net.
	AccountURL string `yaml:"account_url"`
	// ConnectionString takes precedence over AccountURL when set.
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// LocalConfig holds local filesystem store settings.
type LocalConfig struct {
	// RootDir is the base directory for local object storage.
	RootDir string `yaml:"root_dir"`
}

// TempConfig controls where uploads and conversion outputs are staged.
type TempConfig struct {
	Dir string `yaml:"dir"`
	// MaxAge is how old (in seconds) an unreferenced staged file may get
	// before the janitor removes it.
	MaxAge int `yaml:"max_age"`
	// SweepSchedule is a five-field cron expression.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// ToolsConfig names the external executables.
type ToolsConfig struct {
	LibreOffice string `yaml:"libreoffice"`
	Pdftoppm    string `yaml:"pdftoppm"`
	FFprobe     string `yaml:"ffprobe"`
	FFmpeg      string `yaml:"ffmpeg"`
	// ImageFormat is the page image format produced from PDFs (png or jpeg).
	ImageFormat string `yaml:"image_format"`
	ImageDPI    int    `yaml:"image_dpi"`
}

// VideoConfig controls video normalization.
type VideoConfig struct {
	// TargetCodec is the ffprobe codec name uploads are normalized to.
	TargetCodec string `yaml:"target_codec"`
	// ContentType is the canonical MIME type of normalized videos.
	ContentType string `yaml:"content_type"`
	// ScreenshotOffset is the thumbnail position in seconds.
	ScreenshotOffset float64      `yaml:"screenshot_offset"`
	Preset           PresetConfig `yaml:"preset"`
}

// PresetConfig holds the ffmpeg output settings used for transcoding.
type PresetConfig struct {
	VideoCodec   string   `yaml:"video_codec"`
	AudioCodec   string   `yaml:"audio_codec"`
	VideoBitrate string   `yaml:"video_bitrate"`
	AudioBitrate string   `yaml:"audio_bitrate"`
	PixelFormat  string   `yaml:"pixel_format"`
	ExtraArgs    []string `yaml:"extra_args"`
}

// TasksConfig sizes the background task runner.
type TasksConfig struct {
	Workers int `yaml:"workers"`
}

// JournalConfig locates the deferred job journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled defaults to true when unset.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies defaults for unset values.
// If the primary path fails, it falls back to fsweb.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "fsweb.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "fsweb.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate rejects settings that would only fail later at first use.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "s3", "minio", "gcs", "azure", "local", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "minio" && c.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is required when backend is 'minio'")
	}
	if c.Storage.Backend == "azure" && c.Storage.Azure.AccountURL == "" && c.Storage.Azure.ConnectionString == "" {
		return fmt.Errorf("storage.azure.account_url or storage.azure.connection_string is required when backend is 'azure'")
	}
	switch c.Tools.ImageFormat {
	case "png", "jpeg":
	default:
		return fmt.Errorf("tools.image_format must be png or jpeg, got %q", c.Tools.ImageFormat)
	}
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("tasks.workers must be positive")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
			MaxUploadSize:   2 << 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend:   "minio",
			Namespace: "file",
			Region:    "cn-north-1",
			Local: LocalConfig{
				RootDir: "./data/objects",
			},
		},
		Tasks: TasksConfig{
			Workers: 2,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = 2 << 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "minio"
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "file"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "cn-north-1"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Temp.Dir == "" {
		cfg.Temp.Dir = filepath.Join(os.TempDir(), "fsweb")
	}
	if cfg.Temp.MaxAge == 0 {
		cfg.Temp.MaxAge = 24 * 60 * 60
	}
	if cfg.Temp.SweepSchedule == "" {
		cfg.Temp.SweepSchedule = "*/30 * * * *"
	}
	if cfg.Tools.LibreOffice == "" {
		cfg.Tools.LibreOffice = "libreoffice"
	}
	if cfg.Tools.Pdftoppm == "" {
		cfg.Tools.Pdftoppm = "pdftoppm"
	}
	if cfg.Tools.FFprobe == "" {
		cfg.Tools.FFprobe = "ffprobe"
	}
	if cfg.Tools.FFmpeg == "" {
		cfg.Tools.FFmpeg = "ffmpeg"
	}
	if cfg.Tools.ImageFormat == "" {
		cfg.Tools.ImageFormat = "png"
	}
	if cfg.Tools.ImageDPI == 0 {
		cfg.Tools.ImageDPI = 150
	}
	if cfg.Video.TargetCodec == "" {
		cfg.Video.TargetCodec = "h264"
	}
	if cfg.Video.ContentType == "" {
		cfg.Video.ContentType = "video/mp4"
	}
	if cfg.Video.ScreenshotOffset == 0 {
		cfg.Video.ScreenshotOffset = 5
	}
	if cfg.Video.Preset.VideoCodec == "" {
		cfg.Video.Preset.VideoCodec = "libx264"
	}
	if cfg.Video.Preset.AudioCodec == "" {
		cfg.Video.Preset.AudioCodec = "aac"
	}
	if cfg.Video.Preset.PixelFormat == "" {
		cfg.Video.Preset.PixelFormat = "yuv420p"
	}
	if cfg.Video.Preset.ExtraArgs == nil {
		cfg.Video.Preset.ExtraArgs = []string{"-movflags", "+faststart"}
	}
	if cfg.Tasks.Workers == 0 {
		cfg.Tasks.Workers = 2
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "./data/jobs.db"
	}
}
