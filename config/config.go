package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/redsanjin-1/bigfile/pkg/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// BIGFILE_CLIENT_CHUNK_SIZE overrides client.chunk_size.
const EnvPrefix = "BIGFILE"

// DefaultAllowedTypes mirrors the media types the upload form accepted:
// jpg, png, webp, gif, mp4, avi and wav.
var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/webp",
	"image/gif",
	"video/mp4",
	"video/x-msvideo",
	"video/avi",
	"audio/wav",
	"audio/x-wav",
	"audio/wave",
}

// AppConfig holds the application-level configuration
type AppConfig struct {
	Debug  bool         `mapstructure:"debug"`
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

// ServerConfig configures the chunk ingest server.
type ServerConfig struct {
	Addr             string `mapstructure:"addr"`
	PublicDir        string `mapstructure:"public_dir"`
	TempDir          string `mapstructure:"temp_dir"`
	ChunkSizeRaw     string `mapstructure:"chunk_size"`
	MergeConcurrency int    `mapstructure:"merge_concurrency"`

	ChunkSize int64 `mapstructure:"-"`
}

// ClientConfig configures the upload client.
type ClientConfig struct {
	ServerURL        string   `mapstructure:"server_url"`
	ChunkSizeRaw     string   `mapstructure:"chunk_size"`
	MaxConcurrent    int      `mapstructure:"max_concurrent"`
	MaxRetries       int      `mapstructure:"max_retries"`
	MaxFileSizeRaw   string   `mapstructure:"max_file_size"`
	AllowedTypes     []string `mapstructure:"allowed_types"`
	Digest           string   `mapstructure:"digest"`
	TransportRetries int      `mapstructure:"transport_retries"`
	ResumeBackend    string   `mapstructure:"resume_backend"`
	ResumePath       string   `mapstructure:"resume_path"`

	ChunkSize   int64 `mapstructure:"-"`
	MaxFileSize int64 `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_dir", "./public")
	v.SetDefault("server.temp_dir", "./temp")
	v.SetDefault("server.chunk_size", "10MB")
	v.SetDefault("server.merge_concurrency", 4)

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.chunk_size", "10MB")
	v.SetDefault("client.max_concurrent", 6)
	v.SetDefault("client.max_retries", 3)
	v.SetDefault("client.max_file_size", "200MB")
	v.SetDefault("client.allowed_types", DefaultAllowedTypes)
	v.SetDefault("client.digest", "sha256")
	v.SetDefault("client.transport_retries", 2)
	v.SetDefault("client.resume_backend", "badger")
	v.SetDefault("client.resume_path", "./.bigfile/sessions")
}

// Load reads config.yaml from path (if present), applies BIGFILE_* env
// overrides and the defaults. Sizes use binary units: "10MB" is 10 MiB.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logging.Log.Debugf("⚠️ Could not find a config file in %q, using defaults", path)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	if err := cfg.resolve(); err != nil {
		panic(err)
	}
	return &cfg
}

func (c *AppConfig) resolve() error {
	var err error
	if c.Server.ChunkSize, err = parseSize("server.chunk_size", c.Server.ChunkSizeRaw); err != nil {
		return err
	}
	if c.Client.ChunkSize, err = parseSize("client.chunk_size", c.Client.ChunkSizeRaw); err != nil {
		return err
	}
	if c.Client.MaxFileSize, err = parseSize("client.max_file_size", c.Client.MaxFileSizeRaw); err != nil {
		return err
	}
	return c.Validate()
}

// Validate reports the first option that holds an unusable value.
func (c *AppConfig) Validate() error {
	switch {
	case c.Server.ChunkSize <= 0:
		return fmt.Errorf("server.chunk_size must be positive")
	case c.Server.MergeConcurrency <= 0:
		return fmt.Errorf("server.merge_concurrency must be positive")
	case c.Client.ChunkSize <= 0:
		return fmt.Errorf("client.chunk_size must be positive")
	case c.Client.MaxConcurrent <= 0:
		return fmt.Errorf("client.max_concurrent must be positive")
	case c.Client.MaxRetries < 0:
		return fmt.Errorf("client.max_retries must not be negative")
	case c.Client.TransportRetries < 0:
		return fmt.Errorf("client.transport_retries must not be negative")
	case c.Client.MaxFileSize <= 0:
		return fmt.Errorf("client.max_file_size must be positive")
	}

	switch c.Client.ResumeBackend {
	case "badger", "leveldb":
	default:
		return fmt.Errorf("client.resume_backend %q is not one of badger, leveldb", c.Client.ResumeBackend)
	}
	switch c.Client.Digest {
	case "sha256", "blake2b":
	default:
		return fmt.Errorf("client.digest %q is not one of sha256, blake2b", c.Client.Digest)
	}
	return nil
}

func parseSize(key, raw string) (int64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
