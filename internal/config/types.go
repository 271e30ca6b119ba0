package config

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete hybridshell configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	App      AppConfig      `yaml:"app"`
	Browser  BrowserConfig  `yaml:"browser"`
	Headless HeadlessConfig `yaml:"headless"`
	State    StateConfig    `yaml:"state"`
	API      APIConfig      `yaml:"api,omitempty"`
	Plugins  []PluginEntry  `yaml:"plugins"`

	// Dir is the directory of the loaded config file. Relative paths in the
	// config resolve against it.
	Dir string `yaml:"-"`
	// Path is the absolute path of the loaded config file.
	Path string `yaml:"-"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name          string        `yaml:"name"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AppConfig describes the hybrid application being hosted.
type AppConfig struct {
	// Dir holds the www/ folder of the application.
	Dir           string            `yaml:"dir"`
	StartDocument string            `yaml:"start_document"`
	Preferences   map[string]string `yaml:"preferences,omitempty"`
}

// BrowserConfig configures the Chromium host.
type BrowserConfig struct {
	Headless   bool           `yaml:"headless"`
	ExecPath   string         `yaml:"exec_path,omitempty"`
	Width      int            `yaml:"width"`
	Height     int            `yaml:"height"`
	Flags      map[string]any `yaml:"flags,omitempty"`
	LiveReload bool           `yaml:"live_reload"`
}

// HeadlessConfig configures the embedded script host.
type HeadlessConfig struct {
	// Script is evaluated after the bridge is installed. Relative to app.dir/www.
	Script string `yaml:"script"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the development HTTP API.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// PluginEntry declares one plugin instance. Order is significant.
type PluginEntry struct {
	Service string         `yaml:"service"`
	Type    string         `yaml:"type"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "hybridshell",
			LogLevel:      "info",
			LogFormat:     "json",
			FlushInterval: 50 * time.Millisecond,
		},
		App: AppConfig{
			Dir:           "./app",
			StartDocument: "index.html",
		},
		Browser: BrowserConfig{
			Width:  1024,
			Height: 768,
		},
		Headless: HeadlessConfig{
			Script: "app.js",
		},
		State: StateConfig{
			Path: "./data/hybridshell.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
		},
	}
}

// ResolvePath resolves p against the config directory unless it is absolute.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// WWWDir returns the absolute www/ directory of the hosted application.
func (c *Config) WWWDir() string {
	return filepath.Join(c.ResolvePath(c.App.Dir), "www")
}

// StatePath returns the resolved SQLite database path.
func (c *Config) StatePath() string {
	return c.ResolvePath(c.State.Path)
}

// BoolPreference reads an app preference as a boolean. Names match
// case-insensitively; missing or unparsable values yield def.
func (a AppConfig) BoolPreference(name string, def bool) bool {
	for k, v := range a.Preferences {
		if !strings.EqualFold(k, name) {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return b
	}
	return def
}

// Preference returns a string preference, matched case-insensitively.
func (a AppConfig) Preference(name string) (string, bool) {
	for k, v := range a.Preferences {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
