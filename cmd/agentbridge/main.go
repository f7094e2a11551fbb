package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/agentbridge/internal/api"
	"github.com/mattjoyce/agentbridge/internal/config"
	"github.com/mattjoyce/agentbridge/internal/doctor"
	"github.com/mattjoyce/agentbridge/internal/executor"
	"github.com/mattjoyce/agentbridge/internal/log"
	"github.com/mattjoyce/agentbridge/internal/metrics"
	"github.com/mattjoyce/agentbridge/internal/protocol"
	"github.com/mattjoyce/agentbridge/internal/registry"
	"github.com/mattjoyce/agentbridge/internal/router"
	"github.com/mattjoyce/agentbridge/internal/storage"
	"github.com/mattjoyce/agentbridge/internal/tui"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		// Bare invocation with piped stdin is the classic bridge mode.
		os.Exit(runServe(nil))
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve", "start":
		os.Exit(runServe(args))
	case "tools":
		os.Exit(runTools(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "history":
		os.Exit(runHistory(args))
	case "monitor":
		os.Exit(runMonitor(args))
	case "version":
		fmt.Printf("agentbridge version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		// Anything else is a direct tool invocation:
		//   agentbridge <tool> '<jsonArguments>'
		os.Exit(runCall(cmd, args))
	}
}

func printUsage() {
	fmt.Print(`agentbridge - STDIO bridge exposing workspace agents as callable tools

Usage:
  agentbridge serve [--config PATH]        Run the stdio request loop
  agentbridge <tool> [jsonArguments]       Perform exactly one dispatch
  agentbridge tools [--config PATH] [--json]
  agentbridge doctor [--config PATH] [--json] [--strict]
  agentbridge config lock|check [--config PATH]
  agentbridge history [--config PATH] [--tool NAME] [--limit N]
  agentbridge monitor [--api URL]
  agentbridge version

STDIO mode reads one JSON record per line and answers each with one JSON
record. Both the enveloped framing (initialize, tools/list, tools/call,
health_check) and the legacy {"tool": ..., "params": ...} framing are
supported.
`)
}

// bridge bundles everything a dispatching command needs.
type bridge struct {
	cfg     *config.Config
	reg     *registry.Registry
	metrics *metrics.Registry
	router  *router.Router
	cleanup func()
}

// buildBridge loads config and wires the dispatch pipeline. withHistory
// controls whether the sqlite history store is opened.
func buildBridge(configPath string, withHistory bool) (*bridge, error) {
	if configPath == "" {
		configPath = config.DiscoverConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFile)

	reg, err := registry.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	m := metrics.NewRegistry()
	cleanup := func() {}

	var history *storage.History
	if withHistory && cfg.Metrics.IsEnabled() && cfg.State.Path != "" {
		db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("open history database: %w", err)
		}
		history = storage.NewHistory(db)
		cleanup = func() { _ = db.Close() }
	}

	rt := router.New(reg, executor.New(), m, router.Options{
		ServerInfo: protocol.ServerInfo{
			Name:        cfg.Service.Name,
			Version:     version,
			Description: "STDIO bridge exposing workspace agents as callable tools",
		},
		ValidateInputs: cfg.Security.ValidationEnabled(),
		MaxParamLength: cfg.Security.MaxParamLength,
		History:        history,
		Retention:      time.Duration(cfg.Metrics.RetentionDays) * 24 * time.Hour,
	})

	return &bridge{cfg: cfg, reg: reg, metrics: m, router: rt, cleanup: cleanup}, nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	b, err := buildBridge(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer b.cleanup()

	logger := log.WithComponent("main")
	logger.Info("agentbridge starting", "version", version, "workspace", b.cfg.Workspace.Path, "tools", len(b.reg.Names()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if b.cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: b.cfg.API.Listen}, b.metrics, b.reg, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("observability API failed", "error", err)
			}
		}()
	}

	if err := b.router.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("request loop failed", "error", err)
		return 1
	}

	logger.Info("agentbridge stopped")
	return 0
}

// runCall performs exactly one dispatch and exits with a status reflecting
// the outcome.
func runCall(tool string, args []string) int {
	var configPath string
	paramsJSON := "{}"

	// The argument layout is <tool> [jsonArguments] [--config PATH].
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	if len(rest) > 0 {
		paramsJSON = rest[0]
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		printResult(&protocol.LegacyResponse{Status: "error", Error: fmt.Sprintf("invalid JSON parameters: %v", err)})
		return 1
	}

	b, err := buildBridge(configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer b.cleanup()

	payload, derr := b.router.Dispatch(context.Background(), tool, params)
	if derr != nil {
		printResult(&protocol.LegacyResponse{Status: "error", Error: derr.Message})
		return 1
	}

	printResult(&protocol.LegacyResponse{Status: "success", Result: payload})
	return 0
}

func printResult(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode result: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func runTools(args []string) int {
	fs := flag.NewFlagSet("tools", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	b, err := buildBridge(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	defer b.cleanup()

	if *jsonOut {
		printResult(protocol.ToolsListResult{Tools: b.reg.List()})
		return 0
	}

	for _, info := range b.reg.List() {
		fmt.Printf("%-24s %s\n", info.Name, info.Description)
	}
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	b, err := buildBridge(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	defer b.cleanup()

	doc := doctor.New(b.cfg, b.reg)
	result := doc.Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
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

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: agentbridge config <lock|check> [--config PATH]")
		return 1
	}

	action := args[0]
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	dryRun := fs.Bool("dry-run", false, "Compute hashes without writing")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		path = config.DiscoverConfigPath()
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "No config file found; nothing to lock or check")
		return 1
	}

	switch action {
	case "lock":
		manifest, err := config.GenerateChecksums(path, *dryRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
			return 1
		}
		for name, hash := range manifest.Hashes {
			fmt.Printf("  HASH %s: %s\n", name, hash)
		}
		if *dryRun {
			fmt.Println("Dry run completed (no files written)")
		} else {
			fmt.Println("Successfully locked configuration")
		}
		return 0
	case "check":
		if _, err := config.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Config check FAILED: %v\n", err)
			return 1
		}
		fmt.Println("Status: Configuration check PASSED.")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	tool := fs.String("tool", "", "Filter by tool name")
	limit := fs.Int("limit", 20, "Maximum records to show")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		path = config.DiscoverConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.State.Path == "" {
		fmt.Fprintln(os.Stderr, "No state.path configured; execution history is disabled")
		return 1
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	records, err := storage.NewHistory(db).Recent(context.Background(), *tool, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(records, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	for _, rec := range records {
		errSuffix := ""
		if rec.Error != "" {
			errSuffix = "  " + rec.Error
		}
		fmt.Printf("%s  %-24s %-17s %6dms%s\n",
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Tool, rec.Outcome, rec.DurationMS, errSuffix)
	}
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8993", "Observability API base URL")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if err := tui.Run(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}
