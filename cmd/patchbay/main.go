// Patchbay is a host runtime that mediates between LLM agents and
// external capability servers.
//
// It connects to configured servers over stdio, HTTP, or WebSocket
// transports, aggregates the tools, prompts, and resources they
// advertise into a single namespace, and dispatches caller invocations
// through per-caller access policies. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	patchbay init [dir]          Create a starter config and data directory
//	patchbay serve               Start the host
//	patchbay validate            Check config and policies without starting
//	patchbay secret set <ref>    Store a secret in the vault (value read from stdin)
//	patchbay secret rm <ref>     Remove a secret from the vault
//	patchbay status              Query a running host's status endpoint
//	patchbay version             Print version and build information
//	patchbay -o json version     Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/groundloop/patchbay/internal/api"
	"github.com/groundloop/patchbay/internal/audit"
	"github.com/groundloop/patchbay/internal/buildinfo"
	"github.com/groundloop/patchbay/internal/catalog"
	"github.com/groundloop/patchbay/internal/config"
	"github.com/groundloop/patchbay/internal/connwatch"
	"github.com/groundloop/patchbay/internal/events"
	"github.com/groundloop/patchbay/internal/httpkit"
	"github.com/groundloop/patchbay/internal/metrics"
	"github.com/groundloop/patchbay/internal/mqtt"
	"github.com/groundloop/patchbay/internal/paths"
	"github.com/groundloop/patchbay/internal/policy"
	"github.com/groundloop/patchbay/internal/registry"
	"github.com/groundloop/patchbay/internal/router"
	"github.com/groundloop/patchbay/internal/supervisor"
	"github.com/groundloop/patchbay/internal/vault"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the patchbay command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all sessions and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var vaultPath string
	var addr string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-vault" && i+1 < len(args):
			vaultPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-vault="):
			vaultPath = strings.TrimPrefix(args[i], "-vault=")
		case args[i] == "-addr" && i+1 < len(args):
			addr = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-addr="):
			addr = strings.TrimPrefix(args[i], "-addr=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "validate":
		return runValidate(stdout, configPath)
	case "secret":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: patchbay secret set|rm <ref>")
		}
		return runSecret(stdout, os.Stdin, configPath, vaultPath, cmdArgs[0], cmdArgs[1])
	case "status":
		return runStatus(ctx, stdout, addr, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// patchbay is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Patchbay - Capability Host Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: patchbay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]        Create a starter config and data directory")
	fmt.Fprintln(w, "  serve             Start the host")
	fmt.Fprintln(w, "  validate          Check config and policies without starting")
	fmt.Fprintln(w, "  secret set <ref>  Store a vault secret (value read from stdin)")
	fmt.Fprintln(w, "  secret rm <ref>   Remove a vault secret")
	fmt.Fprintln(w, "  status            Query a running host's status endpoint")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -vault <path>     Vault file for secret commands (default: from config)")
	fmt.Fprintln(w, "  -addr <host:port> Host address for status (default: 127.0.0.1:7450)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./patchbay.yaml, ~/.config/patchbay/patchbay.yaml, /etc/patchbay/patchbay.yaml")
	return nil
}

// runValidate handles "patchbay validate". It loads the config, runs
// the same validation serve would, and compiles every caller policy so
// malformed glob patterns surface here instead of at startup.
func runValidate(stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}

	logger := newLogger(io.Discard, slog.LevelError, "text")
	roots := paths.New(cfg.Roots)
	if _, err := policy.New(cfg.Callers, roots, logger); err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}

	fmt.Fprintf(stdout, "%s: OK (%d servers, %d callers, %d roots)\n",
		cfgPath, len(cfg.Servers), len(cfg.Callers), len(cfg.Roots))
	return nil
}

// runSecret handles "patchbay secret set|rm <ref>". The vault location
// comes from -vault when given, otherwise from the config file. The
// master passphrase is read from the configured environment variable.
// For "set" the secret value is read from stdin so it never appears in
// argv or shell history.
func runSecret(stdout io.Writer, stdin io.Reader, configPath, vaultPath, action, ref string) error {
	passphraseEnv := "PATCHBAY_VAULT_KEY"

	if vaultPath == "" {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("no -vault flag and %w", err)
		}
		vaultPath = cfg.VaultPath()
		if cfg.Vault.PassphraseEnv != "" {
			passphraseEnv = cfg.Vault.PassphraseEnv
		}
	}

	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("environment variable %s is not set", passphraseEnv)
	}

	logger := newLogger(io.Discard, slog.LevelError, "text")
	v, err := vault.Open(vaultPath, []byte(passphrase), logger)
	if err != nil {
		return fmt.Errorf("open vault %s: %w", vaultPath, err)
	}
	defer v.Close()

	switch action {
	case "set":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read secret from stdin: %w", err)
		}
		value := strings.TrimRight(string(data), "\r\n")
		if value == "" {
			return fmt.Errorf("empty secret value on stdin")
		}
		if err := v.Set(ref, []byte(value)); err != nil {
			return fmt.Errorf("store secret: %w", err)
		}
		fmt.Fprintf(stdout, "secret %q stored in %s\n", ref, vaultPath)
		return nil
	case "rm":
		if err := v.Remove(ref); err != nil {
			return fmt.Errorf("remove secret: %w", err)
		}
		fmt.Fprintf(stdout, "secret %q removed from %s\n", ref, vaultPath)
		return nil
	default:
		return fmt.Errorf("unknown secret action: %s (expected set or rm)", action)
	}
}

// runStatus handles "patchbay status". It queries a running host's
// /v1/status endpoint and renders the result.
func runStatus(ctx context.Context, stdout io.Writer, addr, outputFmt string) error {
	if addr == "" {
		addr = "127.0.0.1:7450"
	}

	client := httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: %s: %s", addr, resp.Status,
			httpkit.ReadErrorBody(resp.Body, 4096))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read status response: %w", err)
	}

	if outputFmt == "json" {
		var pretty json.RawMessage = body
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	}

	var status struct {
		Status       string `json:"status"`
		Version      string `json:"version"`
		Uptime       string `json:"uptime"`
		Capabilities int    `json:"capabilities"`
		Clients      []struct {
			Name         string `json:"name"`
			State        string `json:"state"`
			Reason       string `json:"reason,omitempty"`
			Capabilities int    `json:"capabilities"`
		} `json:"clients"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parse status response: %w", err)
	}

	fmt.Fprintf(stdout, "%s  version=%s  uptime=%s  capabilities=%d\n",
		status.Status, status.Version, status.Uptime, status.Capabilities)
	for _, c := range status.Clients {
		line := fmt.Sprintf("  %-20s %-10s caps=%d", c.Name, c.State, c.Capabilities)
		if c.Reason != "" {
			line += "  (" + c.Reason + ")"
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

// runServe handles "patchbay serve". It is the primary operating mode:
// loads config, opens the vault and audit trail, connects all
// configured capability servers, starts the admin API, and blocks
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT availability topic flips to "offline"
//  3. Client sessions close in parallel within the shutdown grace
//  4. The HTTP server drains in-flight requests
//  5. Databases and the vault are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting patchbay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured settings.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by cfg.Validate(), so this error path
			// should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"servers", len(cfg.Servers),
		"callers", len(cfg.Callers),
	)

	// Wire signals early so every background goroutine hangs off the
	// same cancellable context.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Data directory ---
	// Persistent state (vault file, audit database, MQTT instance ID)
	// lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Credential vault ---
	// Optional: servers without credential references work without it.
	// When the passphrase is absent, servers that do declare one fail
	// registration individually without aborting the rest.
	var creds vault.Resolver
	passphraseEnv := cfg.Vault.PassphraseEnv
	if passphraseEnv == "" {
		passphraseEnv = "PATCHBAY_VAULT_KEY"
	}
	if passphrase := os.Getenv(passphraseEnv); passphrase != "" {
		v, err := vault.Open(cfg.VaultPath(), []byte(passphrase), logger)
		if err != nil {
			return fmt.Errorf("open vault %s: %w", cfg.VaultPath(), err)
		}
		defer v.Close()
		creds = v
		logger.Info("vault opened", "path", cfg.VaultPath())
	} else {
		var withCreds int
		for _, s := range cfg.Servers {
			if s.Credential.Ref != "" {
				withCreds++
			}
		}
		if withCreds > 0 {
			logger.Warn("vault locked, servers with credentials will fail to register",
				"env", passphraseEnv, "servers_needing_credentials", withCreds)
		}
	}

	// --- Event bus ---
	// Non-blocking broadcast spine. The audit trail, metrics, MQTT
	// counters, and the API WebSocket stream all hang off it.
	bus := events.New()

	// --- Client registry and capability index ---
	reg := registry.New(creds, bus, logger)
	idx := catalog.New(reg, bus, logger)

	// --- Access policy ---
	// A malformed policy is fatal for the whole host: failing open
	// would serve capabilities the operator meant to deny.
	roots := paths.New(cfg.Roots)
	pol, err := policy.New(cfg.Callers, roots, logger)
	if err != nil {
		return fmt.Errorf("compile access policy: %w", err)
	}

	// --- Audit trail ---
	auditDB, err := sql.Open("sqlite3", cfg.AuditPath())
	if err != nil {
		return fmt.Errorf("open audit database %s: %w", cfg.AuditPath(), err)
	}
	defer auditDB.Close()

	auditStore, err := audit.NewStore(auditDB, logger)
	if err != nil {
		return fmt.Errorf("create audit store: %w", err)
	}
	go auditStore.Pump(ctx, bus)
	logger.Info("audit trail opened", "path", cfg.AuditPath())

	// --- Metrics ---
	var metricsSet *metrics.Set
	if cfg.Metrics.Enabled {
		metricsSet = metrics.New()
		metricsSet.ObserveClients(func() map[string]int {
			counts := make(map[string]int)
			for _, s := range reg.List() {
				counts[s.State.String()]++
			}
			return counts
		})
		metricsSet.ObserveCapabilities(idx.Size)
		go metricsSet.Pump(ctx, bus)
		logger.Info("metrics enabled")
	}

	// --- Router ---
	rtr := router.NewRouter(logger, router.Config{
		Index:      idx,
		Backend:    reg,
		Authorizer: pol,
		Bus:        bus,
		Metrics:    metricsSet,
	})

	// --- Lifecycle supervisor ---
	// Brings configured servers up in parallel and keeps health
	// watchers on them. Individual connect failures are logged, not
	// fatal: the host serves whatever subset came up.
	watchMgr := connwatch.NewManager(logger)
	defer watchMgr.Stop()

	sup := supervisor.New(logger, supervisor.Config{
		Backend:    reg,
		Index:      idx,
		Watch:      watchMgr,
		Bus:        bus,
		Supervisor: cfg.Supervisor,
		Health:     cfg.Health,
	})
	if err := sup.StartAll(ctx, cfg.Servers); err != nil {
		logger.Warn("some clients failed to start", "error", err)
	}

	// reload re-reads the config file that was loaded at startup and
	// applies the server membership diff. Policy and listener changes
	// still require a restart.
	reload := func(rctx context.Context) (*supervisor.ReloadResult, error) {
		fresh, _, err := loadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reload config: %w", err)
		}
		if err := fresh.Validate(); err != nil {
			return nil, fmt.Errorf("reload config %s: %w", cfgPath, err)
		}
		return sup.Reload(rctx, fresh.Servers)
	}

	// --- Admin API server ---
	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		MaxConns: cfg.Listen.MaxConns,
		Router:   rtr,
		Clients:  reg,
		Index:    idx,
		Audit:    auditStore,
		Metrics:  metricsSet,
		Bus:      bus,
		Reload:   reload,
	}, logger)

	// --- MQTT publisher ---
	// Optional: publishes HA MQTT discovery messages and periodic host
	// sensor states so the host appears as a native HA device, and
	// accepts a "reload" command over the command topic.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		activity := mqtt.NewDailyActivity(nil)
		go activity.Pump(ctx, bus)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, activity, &hostStats{clients: reg, index: idx}, logger)
		mqttPub.SetCommandHandler(func(command string) {
			switch command {
			case "reload":
				rctx, rcancel := context.WithTimeout(ctx, time.Minute)
				defer rcancel()
				res, err := reload(rctx)
				if err != nil {
					logger.Error("mqtt-triggered reload failed", "error", err)
					return
				}
				logger.Info("mqtt-triggered reload applied",
					"added", len(res.Added), "removed", len(res.Removed),
					"changed", len(res.Changed), "retried", len(res.Retried))
			default:
				logger.Warn("unknown mqtt command", "command", command)
			}
		})
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		// Broker reachability shows up in the logs alongside client
		// health. No failure budget: the broker is optional.
		watchMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt-broker",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		// Close client sessions within the configured grace.
		sup.StopAll()

		_ = server.Shutdown(context.Background())
	}()

	// Start the admin API server. This blocks until the server is shut
	// down (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("patchbay stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in patchbay goes through slog; this
// helper standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// hostStats bridges the registry and capability index to the MQTT
// publisher's [mqtt.StatsSource] interface.
type hostStats struct {
	clients *registry.Registry
	index   *catalog.Catalog
}

func (h *hostStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (h *hostStats) Version() string       { return buildinfo.Version }
func (h *hostStats) Capabilities() int     { return h.index.Size() }

func (h *hostStats) ClientsReady() int    { return h.countState(registry.StateReady) }
func (h *hostStats) ClientsDegraded() int { return h.countState(registry.StateDegraded) }

func (h *hostStats) countState(want registry.State) int {
	var n int
	for _, s := range h.clients.List() {
		if s.State == want {
			n++
		}
	}
	return n
}
