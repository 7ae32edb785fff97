// Package config loads the pixelcrypt YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v2"
)

type Config struct {
	// Listen is the coordinator's QUIC address.
	Listen string `yaml:"listen"`
	// Coordinator is the address a worker process dials.
	Coordinator string `yaml:"coordinator"`
	// Workers is the number of remote worker processes the coordinator
	// waits for. The group size is Workers+1.
	Workers int `yaml:"workers"`
	// Threads is the thread-level party count of every process.
	Threads int `yaml:"threads"`
	// DataDir holds the badger store of persisted results.
	DataDir string `yaml:"dataDir"`
	// MinimumFreeGB is the free space the store demands at startup.
	MinimumFreeGB int `yaml:"minimumFreeGB"`
	// Compress enables zstd compression of large frames.
	Compress           bool `yaml:"compress"`
	DisablePersistence bool `yaml:"disablePersistence"`
	Debug              bool `yaml:"debug"`
}

func Default() Config {
	return Config{
		Listen:      "0.0.0.0:4242",
		Coordinator: "localhost:4242",
		Workers:     0,
		Threads:     runtime.NumCPU(),
		DataDir:     "./pixelcrypt-data",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	if c.MinimumFreeGB < 0 {
		return fmt.Errorf("minimumFreeGB must not be negative, got %d", c.MinimumFreeGB)
	}
	if !c.DisablePersistence && c.DataDir == "" {
		return errors.New("dataDir is required unless persistence is disabled")
	}
	return nil
}
