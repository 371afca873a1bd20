package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate validates the configuration using struct tags registered with
// the go-playground/validator library, then checks the cross-field rules
// that tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	switch cfg.Store.Backend {
	case "redis":
		if cfg.Redis.URL == "" {
			return fmt.Errorf("config validation failed: redis.url is required when store.backend is redis")
		}
	case "mongo":
		if cfg.Mongo.URI == "" || cfg.Mongo.Database == "" || cfg.Mongo.Collection == "" {
			return fmt.Errorf("config validation failed: mongo.uri, mongo.database and mongo.collection are required when store.backend is mongo")
		}
	}
	return nil
}
