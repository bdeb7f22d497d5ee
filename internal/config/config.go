// Copyright (c) 2026 John Earle
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

// Package config loads required environment configuration plus optional
// tunable knobs from config.yaml.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the core needs to run for its single owner.
type Config struct {
	APIURL       string
	AppURL       string
	DBURL        string
	Debug        bool
	Environment  string
	OwnerID      string
	APIKey       string
	AppSecret    string
	CallbackURL  string
	SupabaseURL  string
	SupabaseKey  string

	Tunables Tunables
}

// Tunables are the non-secret knobs the spec leaves as "default" values
// rather than hard requirements; they may be overridden by config.yaml.
type Tunables struct {
	L1BatchSize       int
	L1FlushInterval   time.Duration
	L2BatchSize       int
	L2FlushInterval   time.Duration
	ChartBatchSize    int
	ChartFlushInterval time.Duration

	DifferPollInterval time.Duration
	WatchdogInterval   time.Duration
	WatchdogStaleAfter time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	TokenRefreshLeeway time.Duration

	VaultEnabled bool
	VaultAddress string
	VaultToken   string
}

func defaultTunables() Tunables {
	return Tunables{
		L1BatchSize:        100,
		L1FlushInterval:    10 * time.Second,
		L2BatchSize:        100,
		L2FlushInterval:    10 * time.Second,
		ChartBatchSize:     50,
		ChartFlushInterval: 30 * time.Second,

		DifferPollInterval: 5 * time.Second,
		WatchdogInterval:   60 * time.Second,
		WatchdogStaleAfter: 300 * time.Second,

		ReconnectBaseDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,

		TokenRefreshLeeway: 300 * time.Second,
	}
}

// rawTunables mirrors the optional YAML structure for unmarshalling.
type rawTunables struct {
	Beque struct {
		L1    batchYAML `yaml:"l1"`
		L2    batchYAML `yaml:"l2"`
		Chart batchYAML `yaml:"chart"`
	} `yaml:"beque"`
	Differ struct {
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"differ"`
	Watchdog struct {
		Interval   string `yaml:"interval"`
		StaleAfter string `yaml:"stale_after"`
	} `yaml:"watchdog"`
	Reconnect struct {
		BaseDelay string `yaml:"base_delay"`
		MaxDelay  string `yaml:"max_delay"`
	} `yaml:"reconnect"`
	Vault struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
		Token   string `yaml:"token"`
	} `yaml:"vault"`
}

type batchYAML struct {
	Size          int    `yaml:"size"`
	FlushInterval string `yaml:"flush_interval"`
}

// Load reads required environment variables and, if present, an optional
// config.yaml of tunables. Any missing required environment variable is a
// startup fatal (FatalConfig, §7).
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:      os.Getenv("API_URL"),
		AppURL:      os.Getenv("APP_URL"),
		DBURL:       os.Getenv("DB_URL"),
		Debug:       envBool("DEBUG"),
		Environment: os.Getenv("ENVIRONMENT"),
		OwnerID:     os.Getenv("OWNER_ID"),
		APIKey:      os.Getenv("SCHWAB_API_KEY"),
		AppSecret:   os.Getenv("SCHWAB_APP_SECRET"),
		CallbackURL: os.Getenv("SCHWAB_CALLBACK_URL"),
		SupabaseURL: os.Getenv("SUPABASE_URL"),
		SupabaseKey: os.Getenv("SUPABASE_KEY"),
		Tunables:    defaultTunables(),
	}

	if err := requireAll(map[string]string{
		"API_URL":             cfg.APIURL,
		"APP_URL":             cfg.AppURL,
		"DB_URL":              cfg.DBURL,
		"ENVIRONMENT":         cfg.Environment,
		"OWNER_ID":            cfg.OwnerID,
		"SCHWAB_API_KEY":      cfg.APIKey,
		"SCHWAB_APP_SECRET":   cfg.AppSecret,
		"SCHWAB_CALLBACK_URL": cfg.CallbackURL,
		"SUPABASE_URL":        cfg.SupabaseURL,
		"SUPABASE_KEY":        cfg.SupabaseKey,
	}); err != nil {
		return nil, err
	}

	switch cfg.Environment {
	case "development", "staging", "production":
	default:
		return nil, fmt.Errorf("ENVIRONMENT must be one of development|staging|production, got %q", cfg.Environment)
	}

	if err := cfg.loadTunables(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadTunables() error {
	path := envOrDefault("CONFIG_PATH", "")
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // tunables are optional; defaults stand
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var raw rawTunables
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}

	applyBatch(&c.Tunables.L1BatchSize, &c.Tunables.L1FlushInterval, raw.Beque.L1)
	applyBatch(&c.Tunables.L2BatchSize, &c.Tunables.L2FlushInterval, raw.Beque.L2)
	applyBatch(&c.Tunables.ChartBatchSize, &c.Tunables.ChartFlushInterval, raw.Beque.Chart)

	applyDuration(&c.Tunables.DifferPollInterval, raw.Differ.PollInterval)
	applyDuration(&c.Tunables.WatchdogInterval, raw.Watchdog.Interval)
	applyDuration(&c.Tunables.WatchdogStaleAfter, raw.Watchdog.StaleAfter)
	applyDuration(&c.Tunables.ReconnectBaseDelay, raw.Reconnect.BaseDelay)
	applyDuration(&c.Tunables.ReconnectMaxDelay, raw.Reconnect.MaxDelay)

	c.Tunables.VaultEnabled = raw.Vault.Enabled
	c.Tunables.VaultAddress = raw.Vault.Address
	c.Tunables.VaultToken = raw.Vault.Token

	return nil
}

func applyBatch(size *int, interval *time.Duration, b batchYAML) {
	if b.Size > 0 {
		*size = b.Size
	}
	applyDuration(interval, b.FlushInterval)
}

func applyDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func requireAll(vars map[string]string) error {
	var missing []string
	for name, val := range vars {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return false
	}
	return v
}
