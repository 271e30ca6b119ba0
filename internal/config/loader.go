package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file looked up when a directory is given.
const ConfigFileName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates a config. configPath may
// be a file or a directory containing config.yaml. If a .checksums manifest
// sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyIfLocked(filepath.Dir(absPath), filepath.Base(absPath)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.Dir = filepath.Dir(absPath)
	return cfg, nil
}

// Parse decodes config YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", ConfigFileName, absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config by checking, in order:
// $HYBRIDSHELL_CONFIG_DIR, ~/.config/hybridshell, /etc/hybridshell, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("HYBRIDSHELL_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "hybridshell")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	if _, err := os.Stat("/etc/hybridshell"); err == nil {
		return "/etc/hybridshell", nil
	}

	if _, err := os.Stat("./" + ConfigFileName); err == nil {
		return "./" + ConfigFileName, nil
	}

	return "", errors.New("no config found (checked: $HYBRIDSHELL_CONFIG_DIR, ~/.config/hybridshell, /etc/hybridshell, ./config.yaml)")
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.FlushInterval == 0 {
		cfg.Service.FlushInterval = defaults.Service.FlushInterval
	}

	if cfg.App.Dir == "" {
		cfg.App.Dir = defaults.App.Dir
	}
	if cfg.App.StartDocument == "" {
		cfg.App.StartDocument = defaults.App.StartDocument
	}

	if cfg.Browser.Width == 0 {
		cfg.Browser.Width = defaults.Browser.Width
	}
	if cfg.Browser.Height == 0 {
		cfg.Browser.Height = defaults.Browser.Height
	}

	if cfg.Headless.Script == "" {
		cfg.Headless.Script = defaults.Headless.Script
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// interpolateEnv replaces ${VAR} with its environment value. Unset variables
// are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	if cfg.Service.FlushInterval <= 0 {
		return fmt.Errorf("service.flush_interval must be positive")
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text, got %q", cfg.Service.LogFormat)
	}
	if cfg.Browser.Width < 0 || cfg.Browser.Height < 0 {
		return fmt.Errorf("browser.width and browser.height must not be negative")
	}

	for i, p := range cfg.Plugins {
		if p.Service == "" {
			return fmt.Errorf("plugins[%d]: service is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("plugins[%d] (%s): type is required", i, p.Service)
		}
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen %q: %w", cfg.API.Listen, err)
		}
		if cfg.API.Auth.APIKey == "" {
			return fmt.Errorf("api.auth.api_key is required when api is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			return fmt.Errorf("api.auth.api_key references an unset environment variable: %s", cfg.API.Auth.APIKey)
		}
	}

	return nil
}

// Warnings reports non-fatal problems: duplicate plugin services (only the
// first declaration is loaded) and unresolved ${VAR} placeholders in plugin
// config.
func (c *Config) Warnings() []string {
	var out []string
	seen := make(map[string]int, len(c.Plugins))
	for i, p := range c.Plugins {
		if first, dup := seen[p.Service]; dup {
			out = append(out, fmt.Sprintf("plugins[%d]: service %q already declared at plugins[%d], it will be skipped", i, p.Service, first))
		} else {
			seen[p.Service] = i
		}
		for k, v := range p.Config {
			if s, ok := v.(string); ok && envVarPattern.MatchString(s) {
				out = append(out, fmt.Sprintf("plugins[%d] (%s): config.%s has unresolved variable %s", i, p.Service, k, s))
			}
		}
	}
	return out
}
