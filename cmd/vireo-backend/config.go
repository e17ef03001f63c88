package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vireo-cc/vireo/internal/abi"
)

// Config is the YAML-driven run configuration.
type Config struct {
	Target  string `yaml:"target"`
	Workers int    `yaml:"workers"`

	// IntRegisters trims the general-purpose pool to the first N
	// registers, for spill experiments. Zero keeps the full pool.
	IntRegisters int `yaml:"int_registers"`

	// Programs selects which sample programs to compile; empty means
	// all of them.
	Programs []string `yaml:"programs"`

	// Listing is the path the hex listing is written to; "-" or empty
	// means stdout.
	Listing string `yaml:"listing"`
}

func defaultConfig() Config {
	return Config{Target: string(abi.TargetSysV64)}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Target == "" {
		cfg.Target = string(abi.TargetSysV64)
	}
	return cfg, nil
}
