package offline

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Clients   ClientsConfig   `yaml:"clients"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Port   int    `yaml:"port" env:"OFFLINE0_PORT"`
	Origin string `yaml:"origin" env:"OFFLINE0_ORIGIN"`
}

type StorageConfig struct {
	// Driver is "leveldb" or "memory".
	Driver string `yaml:"driver" env:"OFFLINE0_STORAGE_DRIVER"`
	Path   string `yaml:"path" env:"OFFLINE0_STORAGE_PATH"`
	RAM    struct {
		Max string `yaml:"max" env:"OFFLINE0_STORAGE_RAM_MAX"`
	} `yaml:"ram"`
	Disk struct {
		Max string `yaml:"max" env:"OFFLINE0_STORAGE_DISK_MAX"`
	} `yaml:"disk"`

	// compiled
	ramMax  int64
	diskMax int64
}

type CacheConfig struct {
	// Version names the active store. Change it whenever Assets changes.
	Version string `yaml:"version" env:"OFFLINE0_CACHE_VERSION"`
	// Scope is the base URL relative assets resolve against. Defaults to the origin root.
	Scope               string   `yaml:"scope" env:"OFFLINE0_CACHE_SCOPE"`
	Assets              []string `yaml:"assets" env:"OFFLINE0_CACHE_ASSETS" envSeparator:","`
	Exclude             []string `yaml:"exclude" env:"OFFLINE0_CACHE_EXCLUDE" envSeparator:","`
	Fallback            string   `yaml:"fallback" env:"OFFLINE0_CACHE_FALLBACK"`
	PrecacheConcurrency int      `yaml:"precacheConcurrency" env:"OFFLINE0_CACHE_PRECACHE_CONCURRENCY"`
	FetchTimeout        string   `yaml:"fetchTimeout" env:"OFFLINE0_CACHE_FETCH_TIMEOUT"`

	// compiled
	scopeURL        *url.URL
	assetURLs       []string
	fallbackURL     string
	fetchTimeoutDur time.Duration
}

type LifecycleConfig struct {
	// ActivateImmediately skips waiting for clients of the previous version.
	ActivateImmediately bool `yaml:"activateImmediately" env:"OFFLINE0_ACTIVATE_IMMEDIATELY"`
	// ClaimOpenClients moves open clients to the new version on activation.
	ClaimOpenClients bool `yaml:"claimOpenClients" env:"OFFLINE0_CLAIM_OPEN_CLIENTS"`
}

type ClientsConfig struct {
	IdleTimeout string `yaml:"idleTimeout" env:"OFFLINE0_CLIENTS_IDLE_TIMEOUT"`
	// Max bounds the number of tracked clients.
	Max int `yaml:"max" env:"OFFLINE0_CLIENTS_MAX"`

	idleTimeoutDur time.Duration
}

type LoggingConfig struct {
	Level         string `yaml:"level" env:"OFFLINE0_LOG_LEVEL"`
	LogStatsEvery string `yaml:"logStatsEvery" env:"OFFLINE0_LOG_STATS_EVERY"`

	logStatsEveryDur time.Duration
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"OFFLINE0_METRICS_ENABLED"`
	Path    string `yaml:"path" env:"OFFLINE0_METRICS_PATH"`
}

// DefaultConfig returns the compiled-in configuration for the map page.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Storage.Driver = "leveldb"
	cfg.Storage.Path = "./data/leveldb"
	cfg.Storage.RAM.Max = "64mb"
	cfg.Storage.Disk.Max = "1gb"
	cfg.Cache.Version = "ireland-map-v1"
	cfg.Cache.Assets = []string{
		"./",
		"./index.html",
		"./manifest.json",
		"./irish_counties.geojson",
		"https://unpkg.com/leaflet@1.9.4/dist/leaflet.css",
		"https://unpkg.com/leaflet@1.9.4/dist/leaflet.js",
	}
	cfg.Cache.Exclude = []string{"google-analytics"}
	cfg.Cache.Fallback = "./index.html"
	cfg.Cache.PrecacheConcurrency = 4
	cfg.Cache.FetchTimeout = "30s"
	cfg.Clients.IdleTimeout = "5m"
	cfg.Clients.Max = 10000
	cfg.Logging.Level = "info"
	cfg.Metrics.Path = "/metrics"
	return cfg
}

// LoadConfig reads path on top of DefaultConfig and applies OFFLINE0_*
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "parse config")
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if _, err := url.Parse(c.Server.Origin); err != nil {
		return errors.Wrap(err, "server.origin")
	}

	switch c.Storage.Driver {
	case "", "leveldb":
		c.Storage.Driver = "leveldb"
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for leveldb")
		}
	case "memory":
	default:
		return errors.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.RAM.Max != "" {
		n, err := parseBytes(c.Storage.RAM.Max)
		if err != nil {
			return errors.Wrap(err, "storage.ram.max")
		}
		c.Storage.ramMax = n
	}
	if c.Storage.Disk.Max != "" {
		n, err := parseBytes(c.Storage.Disk.Max)
		if err != nil {
			return errors.Wrap(err, "storage.disk.max")
		}
		c.Storage.diskMax = n
	}

	if strings.TrimSpace(c.Cache.Version) == "" {
		return errors.New("cache.version is required")
	}
	if strings.ContainsRune(c.Cache.Version, 0) {
		return errors.Errorf("cache.version: %q contains a NUL byte", c.Cache.Version)
	}
	scope := c.Cache.Scope
	if scope == "" {
		scope = c.Server.Origin + "/"
	}
	su, err := url.Parse(scope)
	if err != nil || !su.IsAbs() {
		return errors.Errorf("cache.scope: %q is not an absolute URL", scope)
	}
	c.Cache.scopeURL = su

	c.Cache.assetURLs = nil
	seen := map[string]struct{}{}
	for i, a := range c.Cache.Assets {
		u, err := resolveURL(su, a)
		if err != nil {
			return errors.Wrapf(err, "cache.assets[%d]", i)
		}
		if _, dup := seen[u]; dup {
			return errors.Errorf("cache.assets[%d]: duplicate url %s", i, u)
		}
		seen[u] = struct{}{}
		c.Cache.assetURLs = append(c.Cache.assetURLs, u)
	}
	if c.Cache.Fallback != "" {
		u, err := resolveURL(su, c.Cache.Fallback)
		if err != nil {
			return errors.Wrap(err, "cache.fallback")
		}
		c.Cache.fallbackURL = u
	}
	if c.Cache.PrecacheConcurrency <= 0 {
		c.Cache.PrecacheConcurrency = 4
	}
	if c.Cache.FetchTimeout != "" {
		d, err := time.ParseDuration(c.Cache.FetchTimeout)
		if err != nil {
			return errors.Wrap(err, "cache.fetchTimeout")
		}
		c.Cache.fetchTimeoutDur = d
	}

	if c.Clients.IdleTimeout != "" {
		d, err := time.ParseDuration(c.Clients.IdleTimeout)
		if err != nil {
			return errors.Wrap(err, "clients.idleTimeout")
		}
		c.Clients.idleTimeoutDur = d
	}
	if c.Clients.Max < 0 {
		return errors.Errorf("clients.max: %d is negative", c.Clients.Max)
	}
	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return errors.Wrap(err, "logging.logStatsEvery")
		}
		c.Logging.logStatsEveryDur = d
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return nil
}

// AssetURLs returns the absolute URLs of the precache list, in order.
func (c *Config) AssetURLs() []string {
	out := make([]string, len(c.Cache.assetURLs))
	copy(out, c.Cache.assetURLs)
	return out
}

// Resolve turns a path or URL into an absolute URL within the scope.
func (c *Config) Resolve(ref string) (string, error) {
	return resolveURL(c.Cache.scopeURL, ref)
}

func (c *Config) excluded(rawURL string) bool {
	for _, s := range c.Cache.Exclude {
		if s != "" && strings.Contains(rawURL, s) {
			return true
		}
	}
	return false
}

func resolveURL(base *url.URL, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	out := base.ResolveReference(u)
	out.Fragment = ""
	return out.String(), nil
}
