// Package config loads runtime configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds the facet runtime configuration.
type Config struct {
	// Endpoint is the sender's host:port. Empty when ListenAddr is used.
	Endpoint string
	// PeerName is resolved through discovery when Endpoint is not set
	// directly (FACET_PEER + FACET_PEER_PORT).
	PeerName string
	PeerPort string
	// ListenAddr binds a local receive port instead of dialing the sender.
	ListenAddr string
}

// Load reads configuration from a .env file (if present) and environment
// variables. Real environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars.
	_ = godotenv.Load()

	cfg := &Config{
		Endpoint:   os.Getenv("FACET_ENDPOINT"),
		PeerName:   os.Getenv("FACET_PEER"),
		PeerPort:   envOr("FACET_PEER_PORT", "5600"),
		ListenAddr: os.Getenv("FACET_LISTEN"),
	}

	if cfg.Endpoint == "" && cfg.PeerName == "" && cfg.ListenAddr == "" {
		return nil, fmt.Errorf("one of FACET_ENDPOINT, FACET_PEER, or FACET_LISTEN is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
