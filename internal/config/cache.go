package config

import "time"

// CacheConfig defines settings for the bid history response cache. When
// Enabled is false caching is skipped. MaxBodyBytes caps stored payloads.
type CacheConfig struct {
	Enabled      bool          `envconfig:"CACHE_ENABLED" default:"true"`
	TTL          time.Duration `envconfig:"CACHE_TTL" default:"5s"`
	Prefix       string        `envconfig:"CACHE_PREFIX" default:"cache"`
	MaxBodyBytes int           `envconfig:"CACHE_MAX_BODY_BYTES" default:"1048576"`
}
