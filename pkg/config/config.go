package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"imagecache/pkg/errdefs"
	"imagecache/pkg/registry"
)

// EnvPrefix prefixes every environment variable read by the configuration,
// e.g. IMAGE_CACHE_DIR.
const EnvPrefix = "IMAGE"

// Keys understood by Load. Flags bound to a viper instance must use these
// names with underscores replaced by dashes.
const (
	KeyCacheDir              = "cache_dir"
	KeyRegistryURL           = "registry_url"
	KeyAuthURL               = "auth_url"
	KeyService               = "service"
	KeyConcurrency           = "concurrency"
	KeyInsecureSkipTLSVerify = "insecure_skip_tls_verify"
	KeyDialTimeout           = "dial_timeout"
	KeyResponseHeaderTimeout = "response_header_timeout"
	KeyUserAgent             = "user_agent"
	KeyDebug                 = "debug"
)

type Config struct {
	CacheDir              string        `mapstructure:"cache_dir"`
	RegistryURL           string        `mapstructure:"registry_url"`
	AuthURL               string        `mapstructure:"auth_url"`
	Service               string        `mapstructure:"service"`
	Concurrency           int           `mapstructure:"concurrency"`
	InsecureSkipTLSVerify bool          `mapstructure:"insecure_skip_tls_verify"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	UserAgent             string        `mapstructure:"user_agent"`
	Debug                 bool          `mapstructure:"debug"`
}

// NewViper returns a viper instance with defaults set, reading IMAGE_*
// environment variables and, if present, config.yaml from the user config
// directory.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyCacheDir, "")
	v.SetDefault(KeyRegistryURL, registry.DefaultRegistryURL)
	v.SetDefault(KeyAuthURL, registry.DefaultAuthURL)
	v.SetDefault(KeyService, registry.DefaultService)
	v.SetDefault(KeyConcurrency, 4)
	v.SetDefault(KeyInsecureSkipTLSVerify, false)
	v.SetDefault(KeyDialTimeout, 30*time.Second)
	v.SetDefault(KeyResponseHeaderTimeout, 30*time.Second)
	v.SetDefault(KeyUserAgent, registry.DefaultUserAgent)
	v.SetDefault(KeyDebug, false)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "imagecache"))
	}
	return v
}

// Load reads the configuration from v. A missing config file is fine.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}
	if cfg.Concurrency < 1 {
		return nil, errdefs.Usagef("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	return &cfg, nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "imagecache")
	}
	return filepath.Join(os.TempDir(), "imagecache")
}

// EnsureCacheDir creates the cache root with owner-only permissions.
func (c *Config) EnsureCacheDir() error {
	if err := os.MkdirAll(c.CacheDir, 0o700); err != nil {
		return errdefs.Cachef("create cache directory %s: %w", c.CacheDir, err)
	}
	return nil
}

// RegistryOptions maps the configuration onto registry client options.
func (c *Config) RegistryOptions(logger logrus.FieldLogger) registry.Options {
	return registry.Options{
		RegistryURL:           c.RegistryURL,
		AuthURL:               c.AuthURL,
		Service:               c.Service,
		DialTimeout:           c.DialTimeout,
		ResponseHeaderTimeout: c.ResponseHeaderTimeout,
		InsecureSkipTLSVerify: c.InsecureSkipTLSVerify,
		UserAgent:             c.UserAgent,
		Logger:                logger,
	}
}
