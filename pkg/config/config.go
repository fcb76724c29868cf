package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lengrongfu/tokfetch/pkg/bundle"
	"github.com/lengrongfu/tokfetch/pkg/registry"
)

const (
	// DefaultModelID is the tokenizer fetched when no model is given.
	DefaultModelID = "sentence-transformers/all-MiniLM-L6-v2"
	// DefaultOutDir is where the bundle is written when no destination is given.
	DefaultOutDir = "tokenizer"
)

type Config struct {
	Model    ModelConfig    `mapstructure:"model"`
	Registry RegistryConfig `mapstructure:"registry"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type ModelConfig struct {
	ID       string `mapstructure:"id"`
	Revision string `mapstructure:"revision"`
	OutDir   string `mapstructure:"out_dir"`
}

type RegistryConfig struct {
	Type     string        `mapstructure:"type"`
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Offline  bool          `mapstructure:"offline"`
}

type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

type FetchConfig struct {
	Include     []string `mapstructure:"include"`
	Concurrency int      `mapstructure:"concurrency"`
	Verify      bool     `mapstructure:"verify"`
	Progress    bool     `mapstructure:"progress"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"model":       "model.id",
	"revision":    "model.revision",
	"out":         "model.out_dir",
	"registry":    "registry.type",
	"endpoint":    "registry.endpoint",
	"token":       "registry.token",
	"timeout":     "registry.timeout",
	"offline":     "registry.offline",
	"cache-dir":   "cache.dir",
	"include":     "fetch.include",
	"concurrency": "fetch.concurrency",
	"verify":      "fetch.verify",
	"progress":    "fetch.progress",
	"host":        "server.host",
	"port":        "server.port",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

// DefaultCacheDir follows the Hugging Face convention of ~/.cache/huggingface.
func DefaultCacheDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "huggingface")
	}
	return filepath.Join(os.TempDir(), "huggingface")
}

func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			ID:       DefaultModelID,
			Revision: "main",
			OutDir:   DefaultOutDir,
		},
		Registry: RegistryConfig{
			Type:     "http",
			Endpoint: registry.DefaultEndpoint,
			Timeout:  5 * time.Minute,
		},
		Cache: CacheConfig{
			Dir: DefaultCacheDir(),
		},
		Fetch: FetchConfig{
			Include:     append([]string(nil), bundle.DefaultPatterns...),
			Concurrency: 1,
			Verify:      true,
			Progress:    false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8081,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// RegisterFlags adds the materialize flags to fs.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("model", defaults.Model.ID, "Tokenizer identifier on the hub (org/name)")
	fs.String("revision", defaults.Model.Revision, "Branch, tag or commit to fetch")
	fs.StringP("out", "o", defaults.Model.OutDir, "Directory the bundle is written to")
	fs.String("registry", defaults.Registry.Type, "Registry backend (http|hfhub|cache)")
	fs.String("endpoint", defaults.Registry.Endpoint, "Hub endpoint (falls back to HF_ENDPOINT)")
	fs.String("token", defaults.Registry.Token, "Hub access token (falls back to HF_TOKEN)")
	fs.Duration("timeout", defaults.Registry.Timeout, "Per request timeout")
	fs.Bool("offline", defaults.Registry.Offline, "Resolve from the local cache only (falls back to HF_HUB_OFFLINE)")
	fs.String("cache-dir", defaults.Cache.Dir, "Cache root, files live under <cache-dir>/hub (falls back to HF_HOME)")
	fs.StringSlice("include", defaults.Fetch.Include, "gitignore style patterns selecting bundle files")
	fs.Int("concurrency", defaults.Fetch.Concurrency, "Number of files fetched in parallel")
	fs.Bool("verify", defaults.Fetch.Verify, "Verify the bundle before replacing the destination")
	fs.Bool("progress", defaults.Fetch.Progress, "Draw download progress bars on stderr")
	fs.String("log-level", defaults.Log.Level, "Log level (debug|info|warn|error)")
	fs.String("log-format", defaults.Log.Format, "Log format (console|json)")
}

// RegisterServerFlags adds the mirror server flags to fs.
func RegisterServerFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("host", defaults.Server.Host, "Server host")
	fs.Int("port", defaults.Server.Port, "Server port")
}

// Load merges, from highest precedence: changed flags, environment, config file, defaults.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("TOKFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, envs := range map[string][]string{
		"registry.token":    {"TOKFETCH_REGISTRY_TOKEN", "HF_TOKEN", "HUGGING_FACE_HUB_TOKEN"},
		"registry.endpoint": {"TOKFETCH_REGISTRY_ENDPOINT", "HF_ENDPOINT"},
		"registry.offline":  {"TOKFETCH_REGISTRY_OFFLINE", "HF_HUB_OFFLINE"},
		"cache.dir":         {"TOKFETCH_CACHE_DIR", "HF_HOME"},
	} {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("bind env vars for %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("tokfetch")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the fetcher cannot work with.
func (c Config) Validate() error {
	if c.Model.Revision == "" {
		return fmt.Errorf("model.revision must not be empty")
	}
	if c.Model.OutDir == "" {
		return fmt.Errorf("model.out_dir must not be empty")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must not be empty")
	}
	if c.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be at least 1, got %d", c.Fetch.Concurrency)
	}
	if len(c.Fetch.Include) == 0 {
		return fmt.Errorf("fetch.include must name at least one pattern")
	}
	return nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("model.id", c.Model.ID)
	v.SetDefault("model.revision", c.Model.Revision)
	v.SetDefault("model.out_dir", c.Model.OutDir)
	v.SetDefault("registry.type", c.Registry.Type)
	v.SetDefault("registry.endpoint", c.Registry.Endpoint)
	v.SetDefault("registry.token", c.Registry.Token)
	v.SetDefault("registry.timeout", c.Registry.Timeout)
	v.SetDefault("registry.offline", c.Registry.Offline)
	v.SetDefault("cache.dir", c.Cache.Dir)
	v.SetDefault("fetch.include", c.Fetch.Include)
	v.SetDefault("fetch.concurrency", c.Fetch.Concurrency)
	v.SetDefault("fetch.verify", c.Fetch.Verify)
	v.SetDefault("fetch.progress", c.Fetch.Progress)
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
}
