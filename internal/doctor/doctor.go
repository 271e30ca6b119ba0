// Package doctor validates hybridshell configuration against the plugin
// catalog and the application directory.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/hybridshell/internal/app"
	"github.com/mattjoyce/hybridshell/internal/config"
	"github.com/mattjoyce/hybridshell/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against a plugin catalog.
type Doctor struct {
	cfg     *config.Config
	catalog *plugin.Catalog
}

func New(cfg *config.Config, catalog *plugin.Catalog) *Doctor {
	return &Doctor{cfg: cfg, catalog: catalog}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validatePluginRefs(r)
	d.validateAPIConfig(r)
	d.warnConfigWarnings(r)
	d.warnAppFiles(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Service.FlushInterval <= 0 {
		d.addError(r, "service", "service.flush_interval", "flush_interval must be positive")
	}
	if d.cfg.App.StartDocument == "" {
		d.addError(r, "app", "app.start_document", "start_document is required")
	}
}

// validatePluginRefs checks that each declared plugin has a known type and
// that its factory accepts the config.
func (d *Doctor) validatePluginRefs(r *Result) {
	for i, p := range d.cfg.Plugins {
		field := fmt.Sprintf("plugins[%d]", i)
		factory, ok := d.catalog.Lookup(p.Type)
		if !ok {
			d.addError(r, "plugins", field+".type",
				fmt.Sprintf("unknown plugin type %q for service %q (known: %s)", p.Type, p.Service, strings.Join(d.catalog.Types(), ", ")))
			continue
		}
		if _, err := factory(plugin.Spec{Service: p.Service, Type: p.Type, Config: p.Config}); err != nil {
			d.addError(r, "plugins", field+".config", fmt.Sprintf("service %q: %v", p.Service, err))
		}
	}
	if len(d.cfg.Plugins) == 0 {
		d.addWarning(r, "plugins", "plugins", "no plugins declared; every bridge call will fail with UNKNOWN_SERVICE")
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if len(d.cfg.API.Auth.APIKey) < 16 {
		d.addWarning(r, "api", "api.auth.api_key", "api_key is shorter than 16 characters")
	}
	host := d.cfg.API.Listen
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	switch host {
	case "127.0.0.1", "localhost", "[::1]":
	default:
		d.addWarning(r, "api", "api.listen", fmt.Sprintf("listen address %q is not loopback; the API can invoke any plugin", d.cfg.API.Listen))
	}
}

func (d *Doctor) warnConfigWarnings(r *Result) {
	for _, w := range d.cfg.Warnings() {
		d.addWarning(r, "plugins", "", w)
	}
}

// warnAppFiles checks that the files the hosts load exist. A start document
// given as a URL is not checked.
func (d *Doctor) warnAppFiles(r *Result) {
	www := d.cfg.WWWDir()
	if st, err := os.Stat(www); err != nil || !st.IsDir() {
		d.addWarning(r, "app", "app.dir", fmt.Sprintf("www directory %s not found", www))
		return
	}
	startURL, err := app.BuildStartupURL(www, d.cfg.App.StartDocument)
	if err == nil && startURL != d.cfg.App.StartDocument {
		if _, err := os.Stat(filepath.Join(www, d.cfg.App.StartDocument)); err != nil {
			d.addWarning(r, "app", "app.start_document", fmt.Sprintf("start document %s not found in %s", d.cfg.App.StartDocument, www))
		}
	}
	if s := d.cfg.Headless.Script; s != "" && !filepath.IsAbs(s) {
		if _, err := os.Stat(filepath.Join(www, s)); err != nil {
			d.addWarning(r, "headless", "headless.script", fmt.Sprintf("headless script %s not found in %s", s, www))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
