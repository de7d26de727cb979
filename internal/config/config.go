// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tracker daemon.
type Config struct {
	PollInterval int             `koanf:"poll_interval"`
	DB           string          `koanf:"db"`
	CertsDir     string          `koanf:"certs_dir"`
	ServerAddr   string          `koanf:"server_addr"`
	LogLevel     string          `koanf:"loglevel"`
	Auth         AuthConfig      `koanf:"auth"`
	Slack        SlackConfig     `koanf:"slack"`
	Cluster      ClusterConfig   `koanf:"cluster"`
	Scheduler    SchedulerConfig `koanf:"scheduler"`
}

// AuthConfig maps OS groups to tracker roles.
type AuthConfig struct {
	Admin []string `koanf:"admin"`
	Guest []string `koanf:"guest"`
}

// SlackConfig selects the digest channel. An empty token disables Slack
// delivery and digests go to the log instead.
type SlackConfig struct {
	Channel string `koanf:"channel"`
	Token   string `koanf:"token"`
}

// ClusterConfig picks the topology resolver. Exactly one of Regex
// (inline or via RegexFile) and Shell must be set.
type ClusterConfig struct {
	Regex     []NodeType          `koanf:"regex"`
	RegexFile string              `koanf:"regex_file"`
	Shell     *ShellClusterConfig `koanf:"shell"`
}

// NodeType describes one family of node names: a prefix followed by a
// number, grouped into cards of Board nodes and blades of Slot nodes.
// Earlier entries win on overlapping prefixes.
type NodeType struct {
	Prefix   string `koanf:"prefix" yaml:"prefix"`
	Digits   int    `koanf:"digits" yaml:"digits"`
	FirstNum int    `koanf:"first_num" yaml:"first_num"`
	LastNum  int    `koanf:"last_num" yaml:"last_num"`
	Board    int    `koanf:"board" yaml:"board"`
	Slot     int    `koanf:"slot" yaml:"slot"`
}

// ShellClusterConfig resolves topology through operator-provided
// commands. Each command runs without arguments and prints JSON.
type ShellClusterConfig struct {
	SiblingsCmd string `koanf:"siblings_cmd"`
	CousinsCmd  string `koanf:"cousins_cmd"`
	RealNodeCmd string `koanf:"real_node_cmd"`
}

// SchedulerConfig picks the scheduler adapter. Exactly one of PBS and
// Shell must be set; `pbs: {}` selects the native adapter.
type SchedulerConfig struct {
	PBS   *PBSConfig            `koanf:"pbs"`
	Shell *ShellSchedulerConfig `koanf:"shell"`
}

// PBSConfig tunes the native pbsnodes adapter.
type PBSConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// ShellSchedulerConfig drives the scheduler through operator-provided
// commands emitting JSON on stdout.
type ShellSchedulerConfig struct {
	StatusCmd  string `koanf:"status_cmd"`
	ReleaseCmd string `koanf:"release_cmd"`
	OfflineCmd string `koanf:"offline_cmd"`
}

// envMappings maps environment variables onto config keys so deployments
// can keep secrets like the Slack token out of the config file.
var envMappings = map[string]string{
	"CTT_DB":            "db",
	"CTT_POLL_INTERVAL": "poll_interval",
	"CTT_CERTS_DIR":     "certs_dir",
	"CTT_SERVER_ADDR":   "server_addr",
	"CTT_LOG_LEVEL":     "loglevel",
	"CTT_SLACK_CHANNEL": "slack.channel",
	"CTT_SLACK_TOKEN":   "slack.token",
}

// Load reads the config file at path, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(getDefaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider("CTT_", ".", func(s string) string {
		return envMappings[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// `pbs: {}` and `pbs:` both select the native adapter.
	if k.Exists("scheduler.pbs") && cfg.Scheduler.PBS == nil {
		cfg.Scheduler.PBS = &PBSConfig{}
	}

	if cfg.Cluster.RegexFile != "" {
		types, err := loadNodeTypes(cfg.Cluster.RegexFile)
		if err != nil {
			return nil, err
		}
		cfg.Cluster.Regex = append(cfg.Cluster.Regex, types...)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadNodeTypes reads an auxiliary YAML file holding a NodeType list, so
// large topologies can live outside the main config.
func loadNodeTypes(path string) ([]NodeType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node type file: %w", err)
	}
	var types []NodeType
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("failed to parse node type file: %w", err)
	}
	return types, nil
}

// getDefaults returns the default configuration values
func getDefaults() map[string]interface{} {
	return map[string]interface{}{
		"poll_interval": 30,
		"db":            "ctt.db",
		"certs_dir":     "certs",
		"server_addr":   ":8443",
		"loglevel":      "info",
	}
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	if c.DB == "" {
		return fmt.Errorf("db path is required")
	}

	if c.CertsDir == "" {
		return fmt.Errorf("certs_dir is required")
	}

	if c.ServerAddr == "" {
		return fmt.Errorf("server_addr is required")
	}

	hasRegex := len(c.Cluster.Regex) > 0
	if hasRegex == (c.Cluster.Shell != nil) {
		return fmt.Errorf("cluster requires exactly one of regex and shell")
	}

	for i, nt := range c.Cluster.Regex {
		if nt.Prefix == "" {
			return fmt.Errorf("cluster.regex[%d]: prefix is required", i)
		}
		if nt.Digits < 0 || nt.FirstNum < 0 || nt.LastNum < 0 {
			return fmt.Errorf("cluster.regex[%d]: negative bounds", i)
		}
		if nt.LastNum > 0 && nt.FirstNum > nt.LastNum {
			return fmt.Errorf("cluster.regex[%d]: first_num exceeds last_num", i)
		}
		if nt.Slot > 0 && nt.Board > nt.Slot {
			return fmt.Errorf("cluster.regex[%d]: board exceeds slot", i)
		}
	}

	if c.Cluster.Shell != nil {
		sh := c.Cluster.Shell
		if sh.SiblingsCmd == "" || sh.CousinsCmd == "" || sh.RealNodeCmd == "" {
			return fmt.Errorf("cluster.shell requires siblings_cmd, cousins_cmd and real_node_cmd")
		}
	}

	if (c.Scheduler.PBS != nil) == (c.Scheduler.Shell != nil) {
		return fmt.Errorf("scheduler requires exactly one of pbs and shell")
	}

	if c.Scheduler.Shell != nil {
		sh := c.Scheduler.Shell
		if sh.StatusCmd == "" || sh.ReleaseCmd == "" || sh.OfflineCmd == "" {
			return fmt.Errorf("scheduler.shell requires status_cmd, release_cmd and offline_cmd")
		}
	}

	if c.Slack.Token != "" && c.Slack.Channel == "" {
		return fmt.Errorf("slack.channel is required when slack.token is set")
	}

	return nil
}

// PollDuration returns the reconciliation tick period.
func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// DigestInterval returns the changelog digest period, six ticks.
func (c *Config) DigestInterval() time.Duration {
	return 6 * c.PollDuration()
}
