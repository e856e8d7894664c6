// Package config loads per-source aggregator settings from a YAML file,
// with environment variables overriding individual fields
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	perr "priceoracle/internal/platform/errors"
	platcfg "priceoracle/internal/platform/config"
	"priceoracle/internal/services/aggregator/domain"
)

// fileSource mirrors domain.SourceConfig's shape for YAML decoding
type fileSource struct {
	Enabled       bool               `yaml:"enabled"`
	TTLMs         int                `yaml:"ttlMs"`
	TimeoutMs     int                `yaml:"timeoutMs"`
	RPS           float64            `yaml:"rps"`
	MaxConcurrent int                `yaml:"maxConcurrent"`
	MaxRetries    int                `yaml:"maxRetries"`
	UseProxy      bool               `yaml:"useProxy"`
	ProxyURL      string             `yaml:"proxyUrl"`
	Refetch       bool               `yaml:"refetch"`
	APIKey        string             `yaml:"apiKey"`
	MaxBatchSize  int                `yaml:"maxBatchSize"`
	BaseURL       string             `yaml:"baseUrl"`
	Stream        *fileStreamOptions `yaml:"stream"`
}

type fileStreamOptions struct {
	AutoReconnect        bool `yaml:"autoReconnect"`
	ReconnectIntervalMs  int  `yaml:"reconnectIntervalMs"`
	MaxReconnectAttempts int  `yaml:"maxReconnectAttempts"`
	HeartbeatIntervalMs  int  `yaml:"heartbeatIntervalMs"`
	BatchSize            int  `yaml:"batchSize"`
	RateLimitPerInterval int  `yaml:"rateLimitPerInterval"`
	RateLimitIntervalMs  int  `yaml:"rateLimitIntervalMs"`
}

// fileConfig is the top-level shape of the YAML config file
type fileConfig struct {
	Sources map[string]fileSource `yaml:"sources"`
}

// defaults applied to any field left unset
const (
	defaultTTLMs         = 5000
	defaultTimeoutMs     = 10000
	defaultMaxConcurrent = 4
	defaultMaxRetries    = 2
)

// Load reads CONFIG_FILE (default "config.yaml"), validates every entry
// names a known source, and returns a SourceConfig per domain.SourceName.
// Individual fields may be overridden per-source via
// CORE_AGG_<SOURCE>_<FIELD> environment variables.
func Load() (map[domain.SourceName]domain.SourceConfig, error) {
	path := platcfg.New().MayString("CONFIG_FILE", "config.yaml")

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "aggregator config: read %s", path)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "aggregator config: parse %s", path)
	}

	known := make(map[domain.SourceName]bool, len(domain.AllSources))
	for _, s := range domain.AllSources {
		known[s] = true
	}

	out := make(map[domain.SourceName]domain.SourceConfig, len(fc.Sources))
	for name, fs := range fc.Sources {
		sn := domain.SourceName(name)
		if !known[sn] {
			return nil, perr.InvalidArgf("aggregator config: unknown source %q in %s", name, path)
		}
		out[sn] = applyOverrides(sn, toDomain(fs))
	}

	// sources present in AllSources but absent from the file still get a
	// disabled placeholder, so callers can always look one up
	for _, sn := range domain.AllSources {
		if _, ok := out[sn]; !ok {
			out[sn] = applyOverrides(sn, domain.SourceConfig{
				TTLMs:         defaultTTLMs,
				TimeoutMs:     defaultTimeoutMs,
				MaxConcurrent: defaultMaxConcurrent,
				MaxRetries:    defaultMaxRetries,
			})
		}
	}

	return out, nil
}

func toDomain(fs fileSource) domain.SourceConfig {
	cfg := domain.SourceConfig{
		Enabled:       fs.Enabled,
		TTLMs:         orDefault(fs.TTLMs, defaultTTLMs),
		TimeoutMs:     orDefault(fs.TimeoutMs, defaultTimeoutMs),
		RPS:           fs.RPS,
		MaxConcurrent: orDefault(fs.MaxConcurrent, defaultMaxConcurrent),
		MaxRetries:    orDefault(fs.MaxRetries, defaultMaxRetries),
		UseProxy:      fs.UseProxy,
		ProxyURL:      fs.ProxyURL,
		Refetch:       fs.Refetch,
		APIKey:        fs.APIKey,
		MaxBatchSize:  fs.MaxBatchSize,
		BaseURL:       fs.BaseURL,
	}
	if fs.Stream != nil {
		cfg.Stream = &domain.StreamOptions{
			AutoReconnect:        fs.Stream.AutoReconnect,
			ReconnectIntervalMs:  fs.Stream.ReconnectIntervalMs,
			MaxReconnectAttempts: fs.Stream.MaxReconnectAttempts,
			HeartbeatIntervalMs:  fs.Stream.HeartbeatIntervalMs,
			BatchSize:            fs.Stream.BatchSize,
			RateLimitPerInterval: fs.Stream.RateLimitPerInterval,
			RateLimitIntervalMs:  fs.Stream.RateLimitIntervalMs,
		}
	}
	return cfg
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// applyOverrides lets CORE_AGG_<SOURCE>_<FIELD> env vars win over the file
func applyOverrides(name domain.SourceName, cfg domain.SourceConfig) domain.SourceConfig {
	c := platcfg.New().Prefix("CORE_AGG_" + string(name) + "_")
	cfg.Enabled = c.MayBool("ENABLED", cfg.Enabled)
	cfg.TTLMs = c.MayInt("TTL_MS", cfg.TTLMs)
	cfg.TimeoutMs = c.MayInt("TIMEOUT_MS", cfg.TimeoutMs)
	cfg.RPS = c.MayFloat64("RPS", cfg.RPS)
	cfg.MaxConcurrent = c.MayInt("MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.MaxRetries = c.MayInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.UseProxy = c.MayBool("USE_PROXY", cfg.UseProxy)
	cfg.ProxyURL = c.MayString("PROXY_URL", cfg.ProxyURL)
	cfg.Refetch = c.MayBool("REFETCH", cfg.Refetch)
	cfg.APIKey = c.MayString("API_KEY", cfg.APIKey)
	cfg.BaseURL = c.MayString("BASE_URL", cfg.BaseURL)
	return cfg
}
