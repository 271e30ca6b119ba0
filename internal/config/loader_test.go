package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
plugins:
  - service: Echo
    type: echo
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.FlushInterval != 50*time.Millisecond {
					t.Errorf("flush_interval default = %v", cfg.Service.FlushInterval)
				}
				if cfg.App.StartDocument != "index.html" {
					t.Errorf("start_document default = %q", cfg.App.StartDocument)
				}
				if cfg.State.Path != "./data/hybridshell.db" {
					t.Errorf("state.path default = %q", cfg.State.Path)
				}
				if len(cfg.Plugins) != 1 || cfg.Plugins[0].Service != "Echo" {
					t.Errorf("plugins = %+v", cfg.Plugins)
				}
			},
		},
		{
			name: "plugin order and config preserved",
			yaml: `
service:
  flush_interval: 10ms
app:
  dir: ./myapp
  start_document: main.html
  preferences:
    Fullscreen: "true"
plugins:
  - service: Device
    type: device
    config:
      model: Workstation
  - service: Echo
    type: echo
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.FlushInterval != 10*time.Millisecond {
					t.Errorf("flush_interval = %v", cfg.Service.FlushInterval)
				}
				if cfg.Plugins[0].Service != "Device" || cfg.Plugins[1].Service != "Echo" {
					t.Errorf("plugin order not preserved: %+v", cfg.Plugins)
				}
				if cfg.Plugins[0].Config["model"] != "Workstation" {
					t.Errorf("plugin config = %+v", cfg.Plugins[0].Config)
				}
				if !cfg.App.BoolPreference("fullscreen", false) {
					t.Error("BoolPreference should match case-insensitively")
				}
				if want := filepath.Join(cfg.Dir, "myapp", "www"); cfg.WWWDir() != want {
					t.Errorf("WWWDir = %q, want %q", cfg.WWWDir(), want)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${HS_TEST_DB}
api:
  enabled: true
  listen: 127.0.0.1:9000
  auth:
    api_key: ${HS_TEST_KEY}
`,
			env: map[string]string{"HS_TEST_DB": "/tmp/hs.db", "HS_TEST_KEY": "k3y"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "/tmp/hs.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				if cfg.API.Auth.APIKey != "k3y" {
					t.Errorf("api key = %q", cfg.API.Auth.APIKey)
				}
			},
		},
		{
			name: "api enabled with unset key variable",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${HS_TEST_DEFINITELY_UNSET}
`,
			wantErr: "unset environment variable",
		},
		{
			name: "api enabled without key",
			yaml: `
api:
  enabled: true
`,
			wantErr: "api_key is required",
		},
		{
			name: "plugin without type",
			yaml: `
plugins:
  - service: Echo
`,
			wantErr: "type is required",
		},
		{
			name: "bad log format",
			yaml: `
service:
  log_format: xml
`,
			wantErr: "log_format",
		},
		{
			name:    "bad yaml",
			yaml:    "plugins: [",
			wantErr: "parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "service:\n  name: shell\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir): %v", err)
	}
	if cfg.Service.Name != "shell" {
		t.Errorf("name = %q", cfg.Service.Name)
	}
	if cfg.Path != filepath.Join(dir, ConfigFileName) {
		t.Errorf("path = %q", cfg.Path)
	}

	if _, err := Load(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for directory without config.yaml")
	}
}

func TestWarnings(t *testing.T) {
	cfg, err := Parse([]byte(`
plugins:
  - service: Echo
    type: echo
  - service: Echo
    type: echo
  - service: Prefs
    type: preferences
    config:
      token: ${HS_TEST_DEFINITELY_UNSET}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	warnings := cfg.Warnings()
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v", warnings)
	}
	if !strings.Contains(warnings[0], "already declared") {
		t.Errorf("warnings[0] = %q", warnings[0])
	}
}

func TestBoolPreference(t *testing.T) {
	app := AppConfig{Preferences: map[string]string{"A": "true", "B": "0", "C": "maybe"}}
	if !app.BoolPreference("a", false) {
		t.Error("A should be true")
	}
	if app.BoolPreference("B", true) {
		t.Error("B should be false")
	}
	if !app.BoolPreference("C", true) {
		t.Error("unparsable C should fall back to default")
	}
	if app.BoolPreference("missing", false) {
		t.Error("missing should fall back to default")
	}
	if v, ok := app.Preference("c"); !ok || v != "maybe" {
		t.Errorf("Preference(c) = %q, %v", v, ok)
	}
}

func TestDiscoverConfigDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HYBRIDSHELL_CONFIG_DIR", dir)

	got, err := DiscoverConfigDir()
	if err != nil {
		t.Fatalf("DiscoverConfigDir: %v", err)
	}
	if got != dir {
		t.Errorf("got %q, want %q", got, dir)
	}
}
