package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/synocast/internal/models"
	"github.com/kjstillabower/synocast/internal/validation"
)

// Cache backends accepted by cache.backend / CACHE_BACKEND.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendSQLite    = "sqlite"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	OneCallURL        string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	CacheBackend          string
	CacheTTL              time.Duration
	ExtendedCacheTTL      time.Duration
	AstronomyCacheTTL     time.Duration
	StaleTTL              time.Duration
	CacheMaxEntries       int
	CacheKeyPrecision     int
	AstronomyKeyPrecision int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	SQLitePath            string

	CoalescingEnabled bool
	CoalesceTimeout   time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	GeocodeURL       string
	GeocodeUserAgent string
	GeocodeLimit     int
	GeocodeMemoTTL   time.Duration

	WarmLocations []models.Coordinates
	WarmInterval  time.Duration

	ShutdownTimeout     time.Duration
	HealthWindow        time.Duration
	OverloadRequests    int
	DegradedErrorPct    int
	DegradedMinRequests int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL        string `yaml:"url"`
		OneCallURL string `yaml:"onecall_url"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend               string `yaml:"backend"`
		TTL                   string `yaml:"ttl"`
		ExtendedTTL           string `yaml:"extended_ttl"`
		AstronomyTTL          string `yaml:"astronomy_ttl"`
		StaleTTL              string `yaml:"stale_ttl"`
		MaxEntries            int    `yaml:"max_entries"`
		KeyPrecision          *int   `yaml:"key_precision"`
		AstronomyKeyPrecision *int   `yaml:"astronomy_key_precision"`
		Memcached             struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Coalescing struct {
			Enabled bool   `yaml:"enabled"`
			Timeout string `yaml:"timeout"`
		} `yaml:"coalescing"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Geocode struct {
		URL       string `yaml:"url"`
		UserAgent string `yaml:"user_agent"`
		Limit     int    `yaml:"limit"`
		MemoTTL   string `yaml:"memo_ttl"`
	} `yaml:"geocode"`

	Warm struct {
		Locations []string `yaml:"locations"`
		Interval  string   `yaml:"interval"`
	} `yaml:"warm"`

	Lifecycle struct {
		ShutdownTimeout     string `yaml:"shutdown_timeout"`
		HealthWindow        string `yaml:"health_window"`
		OverloadRequests    int    `yaml:"overload_requests"`
		DegradedErrorPct    int    `yaml:"degraded_error_pct"`
		DegradedMinRequests int    `yaml:"degraded_min_requests"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	OpenWeatherAPIKey string `yaml:"openweather_api_key"`
}

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadDir(cwd)
}

// LoadDir loads dir/.env (if present, without overriding the environment), then
// dir/config/{ENV_NAME}.yaml (default dev) and dir/config/secrets.yaml.
// OPENWEATHER_API_KEY comes from the environment or the secrets file.
func LoadDir(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = stringOr(fc.Server.Port, "8080")

	cfg.WeatherAPIKey, err = apiKey(dir)
	if err != nil {
		return nil, err
	}

	cfg.WeatherAPIURL = strings.TrimRight(stringOr(fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5"), "/")
	cfg.OneCallURL = stringOr(fc.WeatherAPI.OneCallURL, "https://api.openweathermap.org/data/3.0/onecall")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = BackendInMemory
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.ExtendedCacheTTL = parseDuration(fc.Cache.ExtendedTTL, 30*time.Minute)
	cfg.AstronomyCacheTTL = parseDuration(fc.Cache.AstronomyTTL, 6*time.Hour)
	cfg.StaleTTL = parseDurationOrZero(fc.Cache.StaleTTL, time.Hour)
	cfg.CacheMaxEntries = fc.Cache.MaxEntries
	cfg.CacheKeyPrecision = intPtrOr(fc.Cache.KeyPrecision, -1)
	cfg.AstronomyKeyPrecision = intPtrOr(fc.Cache.AstronomyKeyPrecision, 1)

	cfg.MemcachedAddrs = stringOr(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), stringOr(fc.Cache.Memcached.Addrs, "localhost:11211"))
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = intOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.SQLitePath = stringOr(strings.TrimSpace(os.Getenv("SQLITE_CACHE_PATH")), stringOr(fc.Cache.SQLite.Path, "data/cache.db"))

	cfg.CoalescingEnabled = fc.Cache.Coalescing.Enabled
	cfg.CoalesceTimeout = parseDuration(fc.Cache.Coalescing.Timeout, 5*time.Second)

	cfg.RetryAttempts = intOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = intOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = intOr(fc.Reliability.RateLimitBurst, 250)
	cfg.BreakerFailureThreshold = intOr(fc.Reliability.CircuitBreaker.FailureThreshold, 5)
	cfg.BreakerSuccessThreshold = intOr(fc.Reliability.CircuitBreaker.SuccessThreshold, 2)
	cfg.BreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)

	cfg.GeocodeURL = stringOr(fc.Geocode.URL, "https://nominatim.openstreetmap.org/search")
	cfg.GeocodeUserAgent = stringOr(fc.Geocode.UserAgent, "SynoCast/1.0")
	cfg.GeocodeLimit = intOr(fc.Geocode.Limit, 5)
	cfg.GeocodeMemoTTL = parseDuration(fc.Geocode.MemoTTL, 24*time.Hour)

	for _, loc := range fc.Warm.Locations {
		c, err := validation.ParseCoordinatePair(loc)
		if err != nil {
			return nil, fmt.Errorf("warm.locations: %w", err)
		}
		cfg.WarmLocations = append(cfg.WarmLocations, c)
	}
	cfg.WarmInterval = parseDuration(fc.Warm.Interval, 5*time.Minute)

	cfg.ShutdownTimeout = parseDuration(fc.Lifecycle.ShutdownTimeout, 30*time.Second)
	cfg.HealthWindow = parseDuration(fc.Lifecycle.HealthWindow, time.Minute)
	cfg.OverloadRequests = fc.Lifecycle.OverloadRequests
	cfg.DegradedErrorPct = intOr(fc.Lifecycle.DegradedErrorPct, 5)
	cfg.DegradedMinRequests = intOr(fc.Lifecycle.DegradedMinRequests, 10)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func apiKey(dir string) (string, error) {
	if key := strings.TrimSpace(os.Getenv("OPENWEATHER_API_KEY")); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, "config", "secrets.yaml"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	if err == nil {
		var sec secretsFile
		if err := yaml.Unmarshal(data, &sec); err != nil {
			return "", fmt.Errorf("parse secrets file: %w", err)
		}
		if key := strings.TrimSpace(sec.OpenWeatherAPIKey); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("OPENWEATHER_API_KEY required (set env, .env or config/secrets.yaml openweather_api_key)")
}

func stringOr(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func intPtrOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero returns defaultVal on empty string or parse error, and
// zero or negative durations as-is so validate can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate rejects unusable values. RequestTimeout is raised to exceed the API timeout.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.StaleTTL < 0 {
		return fmt.Errorf("cache.stale_ttl must not be negative")
	}
	if cfg.CacheMaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	switch cfg.CacheBackend {
	case BackendInMemory, BackendMemcached, BackendSQLite:
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or sqlite, got %q", cfg.CacheBackend)
	}
	for name, p := range map[string]int{"cache.key_precision": cfg.CacheKeyPrecision, "cache.astronomy_key_precision": cfg.AstronomyKeyPrecision} {
		if p < -1 || p > 6 {
			return fmt.Errorf("%s must be between -1 and 6, got %d", name, p)
		}
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("lifecycle.degraded_error_pct must be at most 100")
	}
	return nil
}
