package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	iofs "io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/outpostlabs/outpost/internal/auth"
	"github.com/outpostlabs/outpost/internal/bridge"
	"github.com/outpostlabs/outpost/internal/config"
	"github.com/outpostlabs/outpost/internal/hostenv"
	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/maintenance"
	"github.com/outpostlabs/outpost/internal/metrics"
	"github.com/outpostlabs/outpost/internal/models"
	"github.com/outpostlabs/outpost/internal/pi"
	"github.com/outpostlabs/outpost/internal/policy"
	"github.com/outpostlabs/outpost/internal/sandbox/docker"
	"github.com/outpostlabs/outpost/internal/session"
	"github.com/outpostlabs/outpost/internal/storage"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("outpostd %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`Outpost %s - Sandboxed Agent Session Server

Usage: outpostd [command] [options]

Commands:
  (default)    Start the server
  init         Initialize the Outpost home directory

Server Options:
  --dir <path>   Outpost home directory

Config Precedence:
  1. --dir flag
  2. OUTPOST_HOME env var
  3. ./.outpost (if initialized in current directory)
  4. ~/.outpost (default)
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Outpost home directory (default: ~/.outpost)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("outpostd %s\n", Version)
		os.Exit(0)
	}

	outpostDir := resolveOutpostDir(*dirFlag)

	cfg, err := config.Load(outpostDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := logger.Init(logDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("Outpost %s starting (home=%s)", Version, outpostDir)

	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		logger.Fatalf("Failed to open session store: %v", err)
	}
	defer func() { _ = store.Close() }()

	identity, err := auth.LoadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		logger.Fatalf("Failed to load server identity: %v", err)
	}
	logger.Info("Server identity: %s", identity.Fingerprint())

	driver, err := docker.NewDriver()
	if err != nil {
		logger.Fatalf("Failed to initialize Docker driver: %v", err)
	}
	defer func() { _ = driver.Close() }()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := driver.Ping(pingCtx); err != nil {
		cancelPing()
		logger.Fatalf("Docker is not reachable: %v", err)
	}
	cancelPing()
	logger.Info("Connected to %s", driver.Name())

	br := bridge.New()
	factory := pi.NewContainerFactory(driver, br, cfg)
	registry := pi.NewSandboxModelRegistry(driver, cfg)

	catalog := models.NewCatalog(registry)
	refreshCtx, cancelRefresh := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := catalog.Refresh(refreshCtx); err != nil {
		// Sessions still start with the default context window; the
		// maintenance scheduler retries on its cron.
		logger.Error("Initial model catalog refresh failed: %v", err)
	} else {
		logger.Info("Model catalog loaded (%d models)", len(catalog.All()))
	}
	cancelRefresh()

	if healed, err := maintenance.HealPersistedContextWindows(store, catalog); err != nil {
		logger.Error("Context window heal pass failed: %v", err)
	} else if healed > 0 {
		logger.Info("Healed context windows on %d persisted sessions", healed)
	}

	var gate policy.Gate
	if cfg.PermissionGateEnabled() {
		gate = policy.NewEngine(policy.DefaultHeuristics())
		logger.Info("Permission gate enabled")
	} else {
		logger.Info("Permission gate disabled by config")
	}

	if hostenv.ResolveExecutableOnPath("git", hostenv.BuildPath(cfg.RuntimePathEntries)) == "" {
		logger.Info("git not found on the runtime path; workspace git status will be unavailable")
	}

	runtime := session.NewRuntime(session.Options{
		Config:  cfg,
		Store:   store,
		Catalog: catalog,
		Factory: factory,
		Gate:    gate,
	})

	scheduler, err := maintenance.New(cfg, store, catalog)
	if err != nil {
		logger.Fatalf("Failed to initialize maintenance scheduler: %v", err)
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"version":         Version,
			"active_sessions": runtime.ActiveCount(),
			"identity":        identity.Fingerprint(),
		})
	})

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()
	logger.Info("Listening on http://%s", cfg.Address)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case sig := <-shutdownChan:
		logger.Info("Received signal %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	scheduler.Stop()
	runtime.Shutdown(ctx)
	br.Shutdown()
	_ = driver.Close()
	_ = store.Close()

	logger.Info("Shutdown complete")
	_ = logger.Close()
}

// resolveOutpostDir determines the outpost home directory with precedence:
// 1. Explicit flag (if provided)
// 2. OUTPOST_HOME env var
// 3. ./.outpost (current directory, if initialized)
// 4. ~/.outpost (default)
func resolveOutpostDir(flagDir string) string {
	if flagDir != "" {
		absDir, err := filepath.Abs(flagDir)
		if err != nil {
			log.Fatalf("Invalid directory: %v", err)
		}
		return absDir
	}

	if envDir := os.Getenv("OUTPOST_HOME"); envDir != "" {
		absDir, err := filepath.Abs(envDir)
		if err != nil {
			log.Fatalf("Invalid OUTPOST_HOME: %v", err)
		}
		return absDir
	}

	if cwd, err := os.Getwd(); err == nil {
		localDir := filepath.Join(cwd, ".outpost")
		if _, err := os.Stat(filepath.Join(localDir, "outpost.jsonc")); err == nil {
			return localDir
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get home directory: %v", err)
	}
	return filepath.Join(homeDir, ".outpost")
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.outpost)")
	_ = fs.Parse(args)

	var outpostDir string
	if *dirFlag != "" {
		absDir, err := filepath.Abs(*dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
			os.Exit(1)
		}
		outpostDir = absDir
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		outpostDir = filepath.Join(homeDir, ".outpost")
	}

	configPath := filepath.Join(outpostDir, "outpost.jsonc")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("%s is already initialized.\n", outpostDir)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	} else if !errors.Is(err, iofs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, dir := range []string{outpostDir, filepath.Join(outpostDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	defaultConfig := `{
  // Outpost Configuration

  "address": "127.0.0.1:8370",

  // Container image providing the pi agent
  "sandbox_image": "outpost/sandbox:latest",
  "pi_binary": "pi",

  // Model-provider endpoints; loopback URLs are bridged to the host
  "provider_base_urls": [],

  // Session admission limits
  "max_sessions_per_workspace": 3,
  "max_sessions_global": 5,

  // Idle eviction (milliseconds)
  "session_idle_timeout_ms": 600000,
  "workspace_idle_timeout_ms": 1800000,

  // Maintenance (5-field cron expressions)
  "catalog_refresh_cron": "0 * * * *",
  "session_cleanup_cron": "30 3 * * *",
  "ended_session_retention_days": 30
}
`
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", configPath, err)
		os.Exit(1)
	}

	fmt.Printf("Initialized %s\n", outpostDir)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("   1. Review %s\n", configPath)
	fmt.Println("   2. Run 'outpostd' to start the server")
}
