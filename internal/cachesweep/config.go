package cachesweep

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	CacheDir       string    `yaml:"cache_dir"`
	Socket         string    `yaml:"socket"`
	LockDir        string    `yaml:"lock_dir"`
	MaxCacheSize   string    `yaml:"max_cache_size"`
	MaxCacheAge    string    `yaml:"max_cache_age"`
	SliceBudget    string    `yaml:"slice_budget"`
	TempFileMaxAge string    `yaml:"temp_file_max_age"`
	StatsFile      string    `yaml:"stats_file"`
	Log            LogConfig `yaml:"log"`

	// compiled
	maxBytes    int64
	maxAge      time.Duration
	sliceBudget time.Duration
	tempMaxAge  time.Duration
}

func (c Config) MaxBytes() int64 { return c.maxBytes }

// MaxAge is informational; eviction is driven by size alone.
func (c Config) MaxAge() time.Duration { return c.maxAge }

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(b)
}

// RuntimeDir is where the socket and lock live by default.
func RuntimeDir() string {
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		return d
	}
	return os.TempDir()
}

// DefaultSocketPath is the socket workers notify when not told otherwise.
func DefaultSocketPath() string { return filepath.Join(RuntimeDir(), "cachesweep") }

func defaultCacheDir() string {
	d, err := os.UserCacheDir()
	if err != nil {
		d = os.TempDir()
	}
	return filepath.Join(d, "http_cache")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("socket", DefaultSocketPath())
	v.SetDefault("lock_dir", filepath.Join(RuntimeDir(), "cachesweep.lock"))
	v.SetDefault("max_cache_size", "5m")
	v.SetDefault("max_cache_age", "336h")
	v.SetDefault("slice_budget", DefaultSliceBudget.String())
	v.SetDefault("temp_file_max_age", DefaultTempMaxAge.String())
	v.SetDefault("stats_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.production", false)
}

// ConfigSource reads Config from an optional file, CACHESWEEP_* environment
// variables and explicit overrides, in increasing order of precedence.
type ConfigSource struct {
	v    *viper.Viper
	path string
}

// NewConfigSource returns a source for path. With an empty path it looks for
// cachesweep.yaml in the user config directory and the working directory,
// and runs on defaults if there is none.
func NewConfigSource(path string) *ConfigSource {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cachesweep")
		v.SetConfigType("yaml")
		if d, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(d)
		}
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("cachesweep")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &ConfigSource{v: v, path: path}
}

// Override sets key regardless of file and environment.
func (s *ConfigSource) Override(key string, value any) { s.v.Set(key, value) }

// Load reads and validates the configuration.
func (s *ConfigSource) Load() (Config, error) {
	if err := s.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if s.path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return s.decode()
}

func (s *ConfigSource) decode() (Config, error) {
	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}
	var cfg Config
	if err := s.v.Unmarshal(&cfg, decoderOpt); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls onChange with the new configuration whenever the config file
// changes and still validates. It does nothing without a config file.
func (s *ConfigSource) Watch(logger *zap.Logger, onChange func(Config)) {
	if s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := s.decode()
		if err != nil {
			logger.Warn("ignoring config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", e.Name), zap.String("max_cache_size", formatBytes(cfg.maxBytes)))
		onChange(cfg)
	})
	s.v.WatchConfig()
}

func (c *Config) compile() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.Socket == "" {
		return fmt.Errorf("socket is required")
	}
	if c.LockDir == "" {
		return fmt.Errorf("lock_dir is required")
	}

	n, err := parseBytes(c.MaxCacheSize)
	if err != nil {
		return fmt.Errorf("max_cache_size: %w", err)
	}
	c.maxBytes = n

	durations := []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"max_cache_age", c.MaxCacheAge, &c.maxAge},
		{"slice_budget", c.SliceBudget, &c.sliceBudget},
		{"temp_file_max_age", c.TempFileMaxAge, &c.tempMaxAge},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s: must be positive", d.key)
		}
		*d.dst = v
	}
	return nil
}

func (c Config) passOptions(logger *zap.Logger, m *Metrics) PassOptions {
	return PassOptions{
		MaxBytes:    c.maxBytes,
		SliceBudget: c.sliceBudget,
		TempMaxAge:  c.tempMaxAge,
		Logger:      logger,
		Metrics:     m,
	}
}
