package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// envConfig overrides the config file location.
const envConfig = "SCALEDMM_CONFIG"

// Config represents the scaledmm configuration file
// (~/.config/scaledmm/config.yaml). Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	// Device
	Arch string `yaml:"arch"`

	// Benchmarks
	Warmup *int64 `yaml:"warmup"`
	Runs   *int64 `yaml:"runs"`
	Seed   *int64 `yaml:"seed"`
	Verify *bool  `yaml:"verify"`

	// Output
	Format    string `yaml:"format"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	StoreLimit    *int64 `yaml:"store_limit"`
}

func configPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "scaledmm", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	cfg, _ := loadConfigFile(configPath())
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyGlobalConfig applies config file defaults to the root flags when the
// corresponding flag was not explicitly set.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.Arch != "" && !c.IsSet("arch") {
		arch = cfg.Arch
	}
}

// applyBenchConfig applies config file defaults to bench command variables.
func applyBenchConfig(c *cli.Command, cfg Config, warmup, runs, seed *int64, verify *bool, format *string) {
	if cfg.Warmup != nil && !c.IsSet("warmup") {
		*warmup = *cfg.Warmup
	}
	if cfg.Runs != nil && !c.IsSet("runs") {
		*runs = *cfg.Runs
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.Verify != nil && !c.IsSet("verify") {
		*verify = *cfg.Verify
	}
	if cfg.Format != "" && !c.IsSet("format") {
		*format = cfg.Format
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, storeLimit *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.StoreLimit != nil && !c.IsSet("store-limit") {
		*storeLimit = *cfg.StoreLimit
	}
}
