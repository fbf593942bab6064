// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the proxy's process configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the proxy process.
type Config struct {
	// Listeners
	InboundAddr  string
	OutboundAddr string
	GatewayAddr  string
	AdminAddr    string

	// Routing
	IngressMode             bool
	AllowInboundDstOverride bool

	// Identity
	LocalIdentityName string
	GatewayIdentity   string
	TLSCertFile       string
	TLSKeyFile        string
	TLSTrustAnchors   string

	// Timeouts
	DetectProtocolTimeout time.Duration
	DispatchTimeout       time.Duration
	RequestTimeout        time.Duration
	ConnectTimeout        time.Duration
	DrainTimeout          time.Duration
	DefaultRouteTimeout   time.Duration

	// Caches and limits
	CacheMaxIdleAge     time.Duration
	MaxInFlightRequests int

	// Ports
	OpaquePorts map[uint16]struct{}

	// DestinationsFile optionally seeds the static destination plane
	// used when no control-plane client is wired in.
	DestinationsFile string

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from the environment and an optional .env
// file. Missing variables fall back to defaults; a malformed value is a
// configuration error, reported rather than silently defaulted.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		InboundAddr:       getEnv("PROXY_INBOUND_ADDR", "0.0.0.0:4143"),
		OutboundAddr:      getEnv("PROXY_OUTBOUND_ADDR", "127.0.0.1:4140"),
		GatewayAddr:       getEnv("PROXY_GATEWAY_ADDR", ""),
		AdminAddr:         getEnv("PROXY_ADMIN_ADDR", "127.0.0.1:4191"),
		LocalIdentityName: getEnv("PROXY_IDENTITY_NAME", ""),
		GatewayIdentity:   getEnv("PROXY_GATEWAY_IDENTITY", ""),
		TLSCertFile:       getEnv("PROXY_TLS_CERT", ""),
		TLSKeyFile:        getEnv("PROXY_TLS_KEY", ""),
		TLSTrustAnchors:   getEnv("PROXY_TLS_TRUST_ANCHORS", ""),
		LogLevel:          getEnv("PROXY_LOG_LEVEL", "info"),
		DestinationsFile:  getEnv("PROXY_DESTINATIONS_FILE", ""),
	}

	var err error
	if cfg.IngressMode, err = getBool("PROXY_INGRESS_MODE", false); err != nil {
		return nil, err
	}
	if cfg.AllowInboundDstOverride, err = getBool("PROXY_ALLOW_INBOUND_DST_OVERRIDE", false); err != nil {
		return nil, err
	}
	if cfg.LogJSON, err = getBool("PROXY_LOG_JSON", true); err != nil {
		return nil, err
	}
	if cfg.DetectProtocolTimeout, err = getDuration("PROXY_DETECT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeout, err = getDuration("PROXY_DISPATCH_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getDuration("PROXY_REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = getDuration("PROXY_CONNECT_TIMEOUT", 1*time.Second); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = getDuration("PROXY_DRAIN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DefaultRouteTimeout, err = getDuration("PROXY_DEFAULT_ROUTE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheMaxIdleAge, err = getDuration("PROXY_CACHE_MAX_IDLE_AGE", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxInFlightRequests, err = getInt("PROXY_MAX_IN_FLIGHT", 10000); err != nil {
		return nil, err
	}
	if cfg.OpaquePorts, err = getPortSet("PROXY_OPAQUE_PORTS"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

// getPortSet parses a comma-separated list of ports ("3306,5432").
func getPortSet(key string) (map[uint16]struct{}, error) {
	ports := make(map[uint16]struct{})
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return ports, nil
	}
	for _, field := range strings.Split(v, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("config: %s: port %q: %w", key, field, err)
		}
		ports[uint16(n)] = struct{}{}
	}
	return ports, nil
}
