// Package config loads the control plane's environment-variable and
// file-based configuration (§6) using koanf.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the typed configuration both cmd/gateway and cmd/orchestrator
// load at startup.
type Config struct {
	IdleTimeout          time.Duration
	ReaperInterval       time.Duration
	HeartbeatInterval    time.Duration
	CacheTTL             time.Duration
	PoolAcquireTimeout   time.Duration
	BreakerThreshold     int
	BreakerRecoveryTime  time.Duration
	InvokeTimeout        time.Duration
	Network              string
	EnableContainerPool  bool
	PauseBeforeRemove    bool
	PortRangeStart       int
	PortRangeEnd         int
	RuntimeBackend       string
	RegistryDBPath       string
	GatewayBindAddr      string
	OrchestratorBindAddr string
	InternalBindAddr     string
}

// defaults mirrors the §6 environment-variable table's default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"idle_timeout_minutes":             5,
		"reaper_interval":                  60,
		"heartbeat_interval":               30,
		"container_cache_ttl":              30,
		"pool_acquire_timeout":             5.0,
		"circuit_breaker_threshold":        5,
		"circuit_breaker_recovery_timeout": 30.0,
		"lambda_invoke_timeout":            30000,
		"lambda_network":                   "",
		"enable_container_pooling":         false,
		"pause_before_remove":              false,
		"port_range_start":                 30000,
		"port_range_end":                   40000,
		"runtime_backend":                  "containerd",
		"registry_db_path":                 "esb-registry.db",
		"gateway_bind_addr":                ":443",
		"orchestrator_bind_addr":           ":7070",
		"internal_bind_addr":               ":9090",
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment variables (env wins). Environment variable names follow the
// §6 table literally (e.g. IDLE_TIMEOUT_MINUTES); the YAML file uses
// lower_snake_case keys matching the defaults map above.
func Load(filePath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, err
	}

	cfg := &Config{
		IdleTimeout:          time.Duration(k.Int64("idle_timeout_minutes")) * time.Minute,
		ReaperInterval:       time.Duration(k.Int64("reaper_interval")) * time.Second,
		HeartbeatInterval:    time.Duration(k.Int64("heartbeat_interval")) * time.Second,
		CacheTTL:             time.Duration(k.Int64("container_cache_ttl")) * time.Second,
		PoolAcquireTimeout:   time.Duration(k.Float64("pool_acquire_timeout") * float64(time.Second)),
		BreakerThreshold:     k.Int("circuit_breaker_threshold"),
		BreakerRecoveryTime:  time.Duration(k.Float64("circuit_breaker_recovery_timeout") * float64(time.Second)),
		InvokeTimeout:        time.Duration(k.Int64("lambda_invoke_timeout")) * time.Millisecond,
		Network:              k.String("lambda_network"),
		EnableContainerPool:  k.Bool("enable_container_pooling"),
		PauseBeforeRemove:    k.Bool("pause_before_remove"),
		PortRangeStart:       k.Int("port_range_start"),
		PortRangeEnd:         k.Int("port_range_end"),
		RuntimeBackend:       k.String("runtime_backend"),
		RegistryDBPath:       k.String("registry_db_path"),
		GatewayBindAddr:      k.String("gateway_bind_addr"),
		OrchestratorBindAddr: k.String("orchestrator_bind_addr"),
		InternalBindAddr:     k.String("internal_bind_addr"),
	}
	return cfg, nil
}
