package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hybridshell/internal/api"
	"github.com/mattjoyce/hybridshell/internal/app"
	"github.com/mattjoyce/hybridshell/internal/config"
	"github.com/mattjoyce/hybridshell/internal/doctor"
	"github.com/mattjoyce/hybridshell/internal/events"
	"github.com/mattjoyce/hybridshell/internal/host/chrome"
	"github.com/mattjoyce/hybridshell/internal/host/headless"
	"github.com/mattjoyce/hybridshell/internal/journal"
	"github.com/mattjoyce/hybridshell/internal/lock"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/state"
	"github.com/mattjoyce/hybridshell/internal/storage"
	"github.com/mattjoyce/hybridshell/internal/tui"
	"github.com/mattjoyce/hybridshell/plugins/builtin"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "system":
		return runSystemNoun(rest)
	case "config":
		return runConfigNoun(rest)
	case "plugin":
		return runPluginNoun(rest)
	case "calls":
		return runCallsNoun(rest)

	case "start":
		return runStart(rest)
	case "version":
		fmt.Printf("hybridshell version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `hybridshell - desktop shell hosting a web application with native plugins

Usage:
  hybridshell <noun> <action> [flags]

Core Resources (Nouns):
  system    Shell lifecycle and monitoring
  config    Configuration and integrity
  plugin    Configured native plugins
  calls     Journal of bridge calls

System Commands:
  system start      Start the shell in the foreground
  system monitor    Live terminal monitor (requires api.enabled)

Config Commands:
  config check      Validate syntax, plugin types and integrity
  config lock       Write BLAKE3 integrity hashes (.checksums)
  config show       Print the resolved configuration

Plugin Commands:
  plugin list       Show configured plugins and their actions

Calls Commands:
  calls list        Show recently delivered plugin results

General:
  version           Show version information
  help              Show this help message

Use 'hybridshell <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

type action struct {
	run  func([]string) int
	help string
}

func dispatchNoun(noun string, args []string, actions map[string]action, order []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, noun, order)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, noun, order)
		return 0
	}

	name, actionArgs := args[0], args[1:]
	a, ok := actions[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, name)
		return 1
	}
	if hasHelpFlag(actionArgs) {
		fmt.Println(a.help)
		return 0
	}
	return a.run(actionArgs)
}

func runSystemNoun(args []string) int {
	return dispatchNoun("system", args, map[string]action{
		"start":   {runStart, "Usage: hybridshell system start [--config PATH] [--host chrome|headless]\nStart the shell in the foreground."},
		"monitor": {runMonitor, "Usage: hybridshell system monitor [--api-url URL] [--api-key KEY]\nAttach a live terminal monitor to a running shell."},
	}, []string{"start", "monitor"})
}

func runConfigNoun(args []string) int {
	return dispatchNoun("config", args, map[string]action{
		"check": {runConfigCheck, "Usage: hybridshell config check [--config PATH] [--strict] [--json]\nValidate configuration syntax, plugin types and integrity."},
		"lock":  {runConfigLock, "Usage: hybridshell config lock [--config PATH] [-v|--verbose]\nAuthorize the current configuration by writing .checksums."},
		"show":  {runConfigShow, "Usage: hybridshell config show [--config PATH] [--json]\nShow the resolved configuration."},
	}, []string{"check", "lock", "show"})
}

func runPluginNoun(args []string) int {
	return dispatchNoun("plugin", args, map[string]action{
		"list": {runPluginList, "Usage: hybridshell plugin list [--config PATH] [--json]\nShow configured plugins, their types and actions."},
	}, []string{"list"})
}

func runCallsNoun(args []string) int {
	return dispatchNoun("calls", args, map[string]action{
		"list": {runCallsList, "Usage: hybridshell calls list [--config PATH] [--limit N] [--json]\nShow recently delivered plugin results, newest first."},
	}, []string{"list"})
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printNounHelp(w io.Writer, noun string, actions []string) {
	fmt.Fprintf(w, "Usage: hybridshell %s <action> [flags]\n", noun)
	fmt.Fprintf(w, "Actions: %s\n", strings.Join(actions, ", "))
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	hostName := fs.String("host", "chrome", "Script host: chrome or headless")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *hostName != "chrome" && *hostName != "headless" {
		fmt.Fprintf(os.Stderr, "Unknown host %q (want chrome or headless)\n", *hostName)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("hybridshell starting", "version", version, "config", cfg.Path, "host", *hostName)
	for _, w := range cfg.Warnings() {
		logger.Warn("config warning", "warning", w)
	}

	statePath := cfg.StatePath()
	pidLockPath := getPIDLockPath(statePath)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Error("another hybridshell instance is using this state database", "path", pidLockPath, "error", err)
		} else {
			logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		}
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, statePath)
	if err != nil {
		logger.Error("failed to open database", "path", statePath, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", statePath)

	hub := events.NewHub(0)
	a := app.New(cfg, builtin.Catalog(), app.Deps{
		State:  state.NewStore(db),
		Events: hub,
		OnExit: cancel,
	})

	journalEvents, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	go func() {
		if err := journal.New(db).Consume(ctx, journalEvents); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("journal stopped", "error", err)
		}
	}()

	errCh := make(chan error, 2)
	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, a.Plugins(), a, hub, log.WithComponent("api"))
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	hostDone := make(chan error, 1)
	go func() {
		switch *hostName {
		case "headless":
			hostDone <- headless.New(a, headless.OptionsFromConfig(cfg)).Run(ctx)
		default:
			hostDone <- chrome.New(a, chrome.OptionsFromConfig(cfg)).Run(ctx)
		}
	}()

	logger.Info("hybridshell running (press Ctrl+C to stop)")

	select {
	case err := <-hostDone:
		cancel()
		if err != nil {
			logger.Error("host failed", "error", err)
			return 1
		}
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		<-hostDone
		return 1
	}

	logger.Info("hybridshell stopped")
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8765", "Base URL of the shell API")
	apiKey := fs.String("api-key", os.Getenv("HYBRIDSHELL_API_KEY"), "API key (default $HYBRIDSHELL_API_KEY)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "An API key is required (--api-key or HYBRIDSHELL_API_KEY)")
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(*apiURL, *apiKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var result *doctor.Result
	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		result = &doctor.Result{Errors: []doctor.Issue{{Category: "config", Message: err.Error()}}}
	} else {
		result = doctor.New(cfg, builtin.Catalog()).Validate()
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode result: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	var verbose bool
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verbose, "v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	report, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	if verbose {
		for name, hash := range report.Files {
			fmt.Printf("  HASH %s: %s\n", name, hash)
		}
	}
	fmt.Printf("Successfully locked configuration: %s\n", report.ChecksumPath)
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.API.Auth.APIKey != "" {
		cfg.API.Auth.APIKey = "********"
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

type pluginRow struct {
	Service string   `json:"service"`
	Type    string   `json:"type"`
	Status  string   `json:"status"`
	Actions []string `json:"actions,omitempty"`
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	catalog := builtin.Catalog()
	rows := make([]pluginRow, 0, len(cfg.Plugins))
	seen := make(map[string]bool)
	for _, p := range cfg.Plugins {
		row := pluginRow{Service: p.Service, Type: p.Type, Status: "ok"}
		factory, ok := catalog.Lookup(p.Type)
		switch {
		case seen[p.Service]:
			row.Status = "duplicate"
		case !ok:
			row.Status = "unknown type"
		default:
			inst, err := factory(plugin.Spec{Service: p.Service, Type: p.Type, Config: p.Config})
			if err != nil {
				row.Status = "error: " + err.Error()
			} else if l, ok := inst.(plugin.ActionLister); ok {
				row.Actions = l.Actions()
			}
		}
		seen[p.Service] = true
		rows = append(rows, row)
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tTYPE\tSTATUS\tACTIONS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Service, r.Type, r.Status, strings.Join(r.Actions, ","))
	}
	_ = tw.Flush()
	return 0
}

func runCallsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum entries to show")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.StatePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	entries, err := journal.New(db).List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list calls: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(entries) == 0 {
		fmt.Println("No calls recorded.")
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSERVICE\tACTION\tSTATUS\tKIND\tKEEP\tCALLBACK")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Service, e.Action, e.Status, e.Kind, e.KeepCallback, e.CallbackID)
	}
	_ = tw.Flush()
	return 0
}

func getPIDLockPath(statePath string) string {
	dir := filepath.Dir(statePath)
	base := filepath.Base(statePath)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".pid")
}
