// Package config loads kernel runtime configuration from the process
// environment, using a Getenv-with-defaults pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the tunables every kernel component reads at construction
// time. There is no file-based configuration layer: a single-process,
// single-operator kernel has no fleet to roll config out to, so env vars
// are sufficient.
type Config struct {
	// PolicyTimeout bounds a single policy's CEL evaluation.
	PolicyTimeout time.Duration
	// ActionTimeout bounds a single ActionRun's handler execution.
	ActionTimeout time.Duration
	// ContextObservationLimit bounds how many recent observations the
	// Policy Context Builder will load per node before truncating.
	ContextObservationLimit int
	// PrismRetryMax bounds optimistic-concurrency retry attempts on a
	// single Prism commit before it surfaces ErrConflict to the caller.
	PrismRetryMax int
}

const (
	envPolicyTimeoutMS = "OMNILITH_POLICY_TIMEOUT_MS"
	envActionTimeoutMS = "OMNILITH_ACTION_TIMEOUT_MS"
	envContextObsLimit = "OMNILITH_CONTEXT_OBS_LIMIT"
	envPrismRetryMax   = "OMNILITH_PRISM_RETRY_MAX"
)

// Default returns the baseline configuration before environment
// overrides are applied.
func Default() Config {
	return Config{
		PolicyTimeout:           5 * time.Second,
		ActionTimeout:           30 * time.Second,
		ContextObservationLimit: 1000,
		PrismRetryMax:           3,
	}
}

// FromEnv loads configuration starting from Default and overriding any
// field whose env var is set. A malformed override is reported rather
// than silently ignored: failing fast on an unparsable override beats
// falling back quietly to a default the operator didn't ask for.
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv(envPolicyTimeoutMS); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", envPolicyTimeoutMS, err)
		}
		cfg.PolicyTimeout = time.Duration(ms) * time.Millisecond
	}

	if v, ok := os.LookupEnv(envActionTimeoutMS); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", envActionTimeoutMS, err)
		}
		cfg.ActionTimeout = time.Duration(ms) * time.Millisecond
	}

	if v, ok := os.LookupEnv(envContextObsLimit); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", envContextObsLimit, err)
		}
		cfg.ContextObservationLimit = n
	}

	if v, ok := os.LookupEnv(envPrismRetryMax); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", envPrismRetryMax, err)
		}
		cfg.PrismRetryMax = n
	}

	return cfg, nil
}
