// Package config handles canvasync configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Resync modes for window-mutated.
const (
	ResyncSubtree  = "subtree"
	ResyncDisabled = "disabled"
)

// Config is the top-level canvasync configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Surfaces  []SurfaceConfig `yaml:"surfaces"`
	Debounce  DebounceConfig  `yaml:"debounce"`
	Resync    ResyncConfig    `yaml:"resync"`
	Settings  DBConfig        `yaml:"settings"`
	SourceMap SourceMapConfig `yaml:"sourcemap"`
	HTTP      HTTPConfig      `yaml:"http"`
	MCP       MCPConfig       `yaml:"mcp"`
	IDE       IDEConfig       `yaml:"ide"`
}

// BrowserConfig controls the Chrome instance hosting preview surfaces.
type BrowserConfig struct {
	// Remote is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local one.
	Remote   string `yaml:"remote"`
	Headless bool   `yaml:"headless"`
	// Stealth creates pages through go-rod/stealth.
	Stealth     bool   `yaml:"stealth"`
	XvfbDisplay string `yaml:"xvfb_display"` // used when headless is false and DISPLAY is unset
	// ResourceBlocking lists resource types never loaded (images, fonts, media, stylesheets).
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavTimeout       time.Duration `yaml:"nav_timeout"`
}

// SurfaceConfig is one preview surface opened at startup.
type SurfaceConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
	// Viewport; zero keeps the browser default.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// DebounceConfig controls window-mutated coalescing.
type DebounceConfig struct {
	Window time.Duration `yaml:"window"`
}

// ResyncConfig controls what a coalesced mutation does.
type ResyncConfig struct {
	Mode string `yaml:"mode"` // subtree | disabled
	// FetchTimeout bounds each read from a surface (snapshots, outerHTML).
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DBConfig is a SQLite database location.
type DBConfig struct {
	Path string `yaml:"path"`
	// WatchInterval polls for writes from other processes. 0 disables.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// SourceMapConfig locates the source-map database and an optional JSON
// file imported at startup.
type SourceMapConfig struct {
	Path   string `yaml:"path"`
	Import string `yaml:"import"`
}

// HTTPConfig controls the presentation API.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables
	// TokenHash is a bcrypt hash (canvasync -hash-token). When set, every
	// request needs "Authorization: Bearer <token>".
	TokenHash string `yaml:"token_hash"`
}

// MCPConfig controls the MCP endpoint mounted on the HTTP server.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IDEConfig overrides the OS URL opener.
type IDEConfig struct {
	Opener []string `yaml:"opener"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.NavTimeout <= 0 {
		c.Browser.NavTimeout = 30 * time.Second
	}
	if c.Debounce.Window <= 0 {
		c.Debounce.Window = time.Second
	}
	if c.Resync.Mode == "" {
		c.Resync.Mode = ResyncSubtree
	}
	if c.Resync.FetchTimeout <= 0 {
		c.Resync.FetchTimeout = 5 * time.Second
	}
	if c.Settings.Path == "" {
		c.Settings.Path = "data/settings.db"
	}
	if c.Settings.WatchInterval == 0 {
		c.Settings.WatchInterval = 2 * time.Second
	}
	if c.SourceMap.Path == "" {
		c.SourceMap.Path = "data/sourcemap.db"
	}
	if c.MCP.Path == "" {
		c.MCP.Path = "/mcp"
	}
	for i := range c.Surfaces {
		if c.Surfaces[i].ID == "" {
			c.Surfaces[i].ID = fmt.Sprintf("surface-%d", i+1)
		}
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Resync.Mode {
	case ResyncSubtree, ResyncDisabled:
	default:
		return fmt.Errorf("config: resync.mode %q: want %s or %s", c.Resync.Mode, ResyncSubtree, ResyncDisabled)
	}
	seen := make(map[string]bool, len(c.Surfaces))
	for _, s := range c.Surfaces {
		if s.URL == "" {
			return fmt.Errorf("config: surface %q: url is required", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate surface id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if c.MCP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("config: mcp.enabled requires http.addr")
	}
	return nil
}
