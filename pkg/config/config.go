package config

// Package config provides a reusable loader for ClawNet configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/clawnet/clawnet-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a ClawNet node. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID              string   `mapstructure:"id" json:"id" yaml:"id"`
		ListenAddrs     []string `mapstructure:"listen_addrs" json:"listen_addrs" yaml:"listen_addrs"`
		BootstrapPeers  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers" yaml:"bootstrap_peers"`
		DiscoveryTag    string   `mapstructure:"discovery_tag" json:"discovery_tag" yaml:"discovery_tag"`
		EnableMDNS      bool     `mapstructure:"enable_mdns" json:"enable_mdns" yaml:"enable_mdns"`
		EnableNAT       bool     `mapstructure:"enable_nat" json:"enable_nat" yaml:"enable_nat"`
		EnableHolePunch bool     `mapstructure:"enable_hole_punch" json:"enable_hole_punch" yaml:"enable_hole_punch"`
	} `mapstructure:"network" json:"network" yaml:"network"`

	Sync struct {
		RangeIntervalMs    int64  `mapstructure:"range_interval_ms" json:"range_interval_ms" yaml:"range_interval_ms"`
		SnapshotIntervalMs int64  `mapstructure:"snapshot_interval_ms" json:"snapshot_interval_ms" yaml:"snapshot_interval_ms"`
		ChunkSize          int    `mapstructure:"chunk_size" json:"chunk_size" yaml:"chunk_size"`
		SkipInitialRange   bool   `mapstructure:"skip_initial_range" json:"skip_initial_range" yaml:"skip_initial_range"`
		SkipInitialSnap    bool   `mapstructure:"skip_initial_snapshot" json:"skip_initial_snapshot" yaml:"skip_initial_snapshot"`
		SnapshotMaxEvents  uint64 `mapstructure:"snapshot_max_events" json:"snapshot_max_events" yaml:"snapshot_max_events"`
		SnapshotMaxAgeMs   int64  `mapstructure:"snapshot_max_age_ms" json:"snapshot_max_age_ms" yaml:"snapshot_max_age_ms"`
		MinSnapshotSigs    int    `mapstructure:"min_snapshot_signatures" json:"min_snapshot_signatures" yaml:"min_snapshot_signatures"`
	} `mapstructure:"sync" json:"sync" yaml:"sync"`

	Sybil struct {
		Policy           string   `mapstructure:"policy" json:"policy" yaml:"policy"` // none|allowlist|pow|stake
		Allowlist        []string `mapstructure:"allowlist" json:"allowlist" yaml:"allowlist"`
		MinPowDifficulty int      `mapstructure:"min_pow_difficulty" json:"min_pow_difficulty" yaml:"min_pow_difficulty"`
		PowTicketTTLMs   int64    `mapstructure:"pow_ticket_ttl_ms" json:"pow_ticket_ttl_ms" yaml:"pow_ticket_ttl_ms"`
		StakeThreshold   string   `mapstructure:"stake_threshold" json:"stake_threshold" yaml:"stake_threshold"`
		StakeProofTTLMs  int64    `mapstructure:"stake_proof_ttl_ms" json:"stake_proof_ttl_ms" yaml:"stake_proof_ttl_ms"`
	} `mapstructure:"sybil" json:"sybil" yaml:"sybil"`

	Storage struct {
		DataDir  string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
		InMemory bool   `mapstructure:"in_memory" json:"in_memory" yaml:"in_memory"`
	} `mapstructure:"storage" json:"storage" yaml:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level" yaml:"level"`
		File  string `mapstructure:"file" json:"file" yaml:"file"`
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CLAWNET_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CLAWNET_ENV", ""))
}
