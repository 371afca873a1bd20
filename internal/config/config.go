// Package config provides configuration loading, validation, and defaults for
// matchwise-server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for matchwise-server.
type Config struct {
	Log     LogConfig     `yaml:"log"     json:"log"`
	Server  ServerConfig  `yaml:"server"  json:"server"`
	Store   StoreConfig   `yaml:"store"   json:"store"`
	Redis   RedisConfig   `yaml:"redis"   json:"redis"`
	Mongo   MongoConfig   `yaml:"mongo"   json:"mongo"`
	Visitor VisitorConfig `yaml:"visitor" json:"visitor"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"  env:"MW_LOG_LEVEL"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" json:"format" env:"MW_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddress       string          `yaml:"listen_address"        json:"listen_address"        env:"MW_LISTEN_ADDRESS"         validate:"required"`
	EnablePprof         bool            `yaml:"enable_pprof"          json:"enable_pprof"          env:"MW_ENABLE_PPROF"`
	ReadTimeoutSeconds  int             `yaml:"read_timeout_seconds"  json:"read_timeout_seconds"  env:"MW_READ_TIMEOUT_SECONDS"   validate:"omitempty,min=1"`
	WriteTimeoutSeconds int             `yaml:"write_timeout_seconds" json:"write_timeout_seconds" env:"MW_WRITE_TIMEOUT_SECONDS"  validate:"omitempty,min=1"`
	AllowedOrigin       string          `yaml:"allowed_origin"        json:"allowed_origin"        env:"MW_ALLOWED_ORIGIN"`
	AdminToken          string          `yaml:"admin_token"           json:"admin_token"           env:"MW_ADMIN_TOKEN"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For header is
	// believed. Empty means client IPs come from the connection only.
	TrustedProxies      []string        `yaml:"trusted_proxies"       json:"trusted_proxies"       env:"MW_TRUSTED_PROXIES"        validate:"omitempty,dive,cidr|ip"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"            json:"rate_limit"`
}

// ReadTimeout returns the read timeout as a time.Duration.
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the write timeout as a time.Duration.
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// RateLimitConfig holds the per-client limits applied to counting requests.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"             json:"enabled"             env:"MW_RATE_LIMIT_ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute" env:"MW_RATE_LIMIT_RPM"   validate:"omitempty,min=1"`
	Burst             int  `yaml:"burst"               json:"burst"               env:"MW_RATE_LIMIT_BURST" validate:"omitempty,min=1"`
}

// StoreConfig selects and tunes the durable visitor store.
type StoreConfig struct {
	Backend        string        `yaml:"backend"         json:"backend"         env:"MW_STORE_BACKEND"         validate:"required,oneof=memory redis mongo"`
	Key            string        `yaml:"key"             json:"key"             env:"MW_STORE_KEY"             validate:"required"`
	TimeoutSeconds int           `yaml:"timeout_seconds" json:"timeout_seconds" env:"MW_STORE_TIMEOUT_SECONDS" validate:"omitempty,min=1"`
	Breaker        BreakerConfig `yaml:"breaker"         json:"breaker"`
}

// Timeout returns the per-call store timeout as a time.Duration.
func (c StoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool    `yaml:"enabled"           json:"enabled"`
	MaxRequests      uint32  `yaml:"max_requests"      json:"max_requests"      validate:"omitempty,min=1"`
	IntervalSeconds  int     `yaml:"interval_seconds"  json:"interval_seconds"  validate:"omitempty,min=0"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"   json:"timeout_seconds"   validate:"omitempty,min=1"`
	MinRequests      uint32  `yaml:"min_requests"      json:"min_requests"      validate:"omitempty,min=1"`
	FailureThreshold float64 `yaml:"failure_threshold" json:"failure_threshold" validate:"omitempty,gt=0,lte=1"`
}

// Interval returns the breaker count-clearing interval.
func (c BreakerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Timeout returns how long the breaker stays open before probing.
func (c BreakerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL          string `yaml:"url"            json:"url"            env:"MW_REDIS_URL"`
	PoolSize     int    `yaml:"pool_size"      json:"pool_size"      env:"MW_REDIS_POOL_SIZE"      validate:"omitempty,min=1"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns" env:"MW_REDIS_MIN_IDLE_CONNS" validate:"omitempty,min=0"`
}

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI        string `yaml:"uri"        json:"uri"        env:"MW_MONGO_URI"`
	Database   string `yaml:"database"   json:"database"   env:"MW_MONGO_DATABASE"`
	Collection string `yaml:"collection" json:"collection" env:"MW_MONGO_COLLECTION"`
}

// VisitorConfig holds visitor counter policy.
type VisitorConfig struct {
	SeedCount              int64 `yaml:"seed_count"               json:"seed_count"               env:"MW_VISITOR_SEED_COUNT"    validate:"min=0"`
	FreshnessWindowSeconds int   `yaml:"freshness_window_seconds" json:"freshness_window_seconds" env:"MW_VISITOR_FRESHNESS_SECONDS" validate:"omitempty,min=1"`
	WarmIntervalSeconds    int   `yaml:"warm_interval_seconds"    json:"warm_interval_seconds"    env:"MW_VISITOR_WARM_SECONDS"  validate:"omitempty,min=0"`
}

// FreshnessWindow returns the cache freshness window as a time.Duration.
func (c VisitorConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowSeconds) * time.Second
}

// WarmInterval returns the cache warming period. Zero disables warming.
func (c VisitorConfig) WarmInterval() time.Duration {
	return time.Duration(c.WarmIntervalSeconds) * time.Second
}

// BackendConfig holds settings for the external comparison backend.
type BackendConfig struct {
	URL                    string        `yaml:"url"                       json:"url"                       env:"MW_BACKEND_URL"          validate:"required,url"`
	TimeoutSeconds         int           `yaml:"timeout_seconds"           json:"timeout_seconds"           env:"MW_BACKEND_TIMEOUT_SECONDS" validate:"omitempty,min=1"`
	MaxRequestsPerSecond   int           `yaml:"max_requests_per_second"   json:"max_requests_per_second"   env:"MW_BACKEND_MAX_RPS"      validate:"omitempty,min=0"`
	BurstRequestsPerSecond int           `yaml:"burst_requests_per_second" json:"burst_requests_per_second" env:"MW_BACKEND_BURST_RPS"    validate:"omitempty,min=0"`
	MaxUploadBytes         int64         `yaml:"max_upload_bytes"          json:"max_upload_bytes"          env:"MW_BACKEND_MAX_UPLOAD_BYTES" validate:"omitempty,min=1"`
	Breaker                BreakerConfig `yaml:"breaker"                   json:"breaker"`
}

// Timeout returns the upstream request timeout as a time.Duration.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads a YAML configuration file, applies defaults, applies environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	ApplyDefaults(cfg)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv builds a Config from defaults and environment variables only, for
// deployments that run without a config file.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides walks the config struct and overwrites fields that have
// an "env" tag if the corresponding environment variable is set.
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesOnValue(reflect.ValueOf(cfg))
}

func applyEnvOverridesOnValue(v reflect.Value) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if fieldVal.Kind() == reflect.Struct {
			applyEnvOverridesOnValue(fieldVal.Addr())
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		envVal, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}

		setFieldFromString(fieldVal, envVal)
	}
}

// setFieldFromString sets a reflect.Value from a string, supporting string,
// bool, signed and unsigned integers, float64, and []string field types.
// Unparseable values leave the field untouched.
func setFieldFromString(field reflect.Value, raw string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err == nil {
			field.SetBool(b)
		}

	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err == nil {
			field.SetInt(n)
		}

	case reflect.Uint32:
		n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err == nil {
			field.SetUint(n)
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			field.SetFloat(f)
		}

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(raw, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				s := strings.TrimSpace(p)
				if s != "" {
					result = append(result, s)
				}
			}
			field.Set(reflect.ValueOf(result))
		}
	}
}

// redactString replaces a secret string with "****" if non-empty.
func redactString(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Redacted returns a copy of the Config with sensitive fields masked.
func (c *Config) Redacted() Config {
	cp := *c
	cp.Server.AdminToken = redactString(cp.Server.AdminToken)
	cp.Redis.URL = redactString(cp.Redis.URL)
	cp.Mongo.URI = redactString(cp.Mongo.URI)
	return cp
}

// RedactedJSON returns the config as indented JSON with secrets masked.
func (c *Config) RedactedJSON() ([]byte, error) {
	redacted := c.Redacted()
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling redacted config: %w", err)
	}
	return data, nil
}
