// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the workflow execution core's runtime configuration —
// spec.md §6's configuration surface, for the worker-node daemon.
type EngineConfig struct {
	// ThreadPoolSize is the max concurrent executions per Worker Process.
	ThreadPoolSize int `yaml:"thread_pool_size"`

	// MinWorkers is passed to the Orchestrator, which keeps at least one
	// Active Worker Process; it does not spawn extra workers to reach
	// MinWorkers.
	MinWorkers int `yaml:"min_workers"`

	// MaxWorkers is the maximum for scale-out (reserved; baseline keeps 1 Active).
	MaxWorkers int `yaml:"max_workers"`

	// ExecutionTimeoutSeconds is the default per-execution timeout.
	ExecutionTimeoutSeconds int `yaml:"execution_timeout_seconds"`

	// CancelGraceSeconds is the grace period before declaring Stuck.
	CancelGraceSeconds int `yaml:"cancel_grace_seconds"`

	// GracefulShutdownSeconds is the max wait before force-killing residuals at shutdown.
	GracefulShutdownSeconds int `yaml:"graceful_shutdown_seconds"`

	// RecycleAfterExecutions proactively recycles a Worker Process after N
	// completions; 0 means never.
	RecycleAfterExecutions int64 `yaml:"recycle_after_executions"`

	// HeartbeatIntervalSeconds is the heartbeat cadence.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// StuckThreshold is the number of stuck events before auto-blacklist.
	StuckThreshold int `yaml:"stuck_threshold"`

	// StuckWindowMinutes is the sliding window width for the circuit breaker.
	StuckWindowMinutes int `yaml:"stuck_window_minutes"`

	// WorkerBinary is the path to the engine-worker child-process binary
	// the Orchestrator spawns. Not part of spec.md §6's table (an
	// implementation-specific wiring detail of the process-per-Worker
	// model), but it has to live somewhere.
	WorkerBinary string `yaml:"worker_binary"`

	// KVBackend selects the key-value store implementation: "memory" or "redis".
	KVBackend string `yaml:"kv_backend"`
	RedisAddr string `yaml:"redis_addr"`

	// StoreBackend selects the persistent store implementation: "memory" or "postgres".
	StoreBackend string `yaml:"store_backend"`
	PostgresDSN  string `yaml:"postgres_dsn"`

	// BrokerBackend selects the broker implementation. Only "memory" is
	// wired in this module; spec.md's Non-goals exclude reimplementing a
	// production broker.
	BrokerBackend string `yaml:"broker_backend"`

	// ListenAddr is the admin control surface's HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// WorkerID and Hostname identify this node in the registry. WorkerID
	// defaults to a generated id if empty.
	WorkerID string `yaml:"worker_id"`
	Hostname string `yaml:"hostname"`
}

// DefaultEngineConfig returns an EngineConfig with spec.md §6's defaults.
func DefaultEngineConfig() *EngineConfig {
	hostname, _ := os.Hostname()
	return &EngineConfig{
		ThreadPoolSize:           4,
		MinWorkers:               2,
		MaxWorkers:               10,
		ExecutionTimeoutSeconds:  300,
		CancelGraceSeconds:       10,
		GracefulShutdownSeconds:  5,
		RecycleAfterExecutions:   0,
		HeartbeatIntervalSeconds: 10,
		StuckThreshold:           5,
		StuckWindowMinutes:       60,
		WorkerBinary:             "engine-worker",
		KVBackend:                "memory",
		StoreBackend:             "memory",
		BrokerBackend:            "memory",
		ListenAddr:               ":8090",
		Hostname:                 hostname,
	}
}

// LoadEngineConfig loads EngineConfig from an optional YAML file, then
// applies ENGINE_*-prefixed environment variable overrides on top.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read engine config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse engine config %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if cfg.ThreadPoolSize <= 0 {
		return nil, fmt.Errorf("config: thread_pool_size must be positive")
	}
	if cfg.ExecutionTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("config: execution_timeout_seconds must be positive")
	}
	return cfg, nil
}

func (c *EngineConfig) loadFromEnv() {
	if v := os.Getenv("ENGINE_THREAD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ThreadPoolSize = n
		}
	}
	if v := os.Getenv("ENGINE_MIN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MinWorkers = n
		}
	}
	if v := os.Getenv("ENGINE_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxWorkers = n
		}
	}
	if v := os.Getenv("ENGINE_EXECUTION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ExecutionTimeoutSeconds = n
		}
	}
	if v := os.Getenv("ENGINE_CANCEL_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CancelGraceSeconds = n
		}
	}
	if v := os.Getenv("ENGINE_RECYCLE_AFTER_EXECUTIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.RecycleAfterExecutions = n
		}
	}
	if v := os.Getenv("ENGINE_HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HeartbeatIntervalSeconds = n
		}
	}
	if v := os.Getenv("ENGINE_STUCK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StuckThreshold = n
		}
	}
	if v := os.Getenv("ENGINE_STUCK_WINDOW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StuckWindowMinutes = n
		}
	}
	if v := os.Getenv("ENGINE_WORKER_BINARY"); v != "" {
		c.WorkerBinary = v
	}
	if v := os.Getenv("ENGINE_KV_BACKEND"); v != "" {
		c.KVBackend = v
	}
	if v := os.Getenv("ENGINE_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("ENGINE_STORE_BACKEND"); v != "" {
		c.StoreBackend = v
	}
	if v := os.Getenv("ENGINE_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("ENGINE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("ENGINE_WORKER_ID"); v != "" {
		c.WorkerID = v
	}
}
