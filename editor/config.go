package editor

import (
	"github.com/hazyhaar/canvasync/editor/internal/config"
)

// Config is the top-level canvasync configuration. Re-exported from internal.
type Config = config.Config

// SurfaceConfig is one preview surface opened at startup.
type SurfaceConfig = config.SurfaceConfig

// Resync modes.
const (
	ResyncSubtree  = config.ResyncSubtree
	ResyncDisabled = config.ResyncDisabled
)

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return config.Default()
}
