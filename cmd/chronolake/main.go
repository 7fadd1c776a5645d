// Package main implements the chronolake binary: it wires the catalog,
// storage, staging buffer, and SQL runtime into one process and keeps the
// runtime caches warm until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chronolake/chronolake/internal/app"
	"github.com/chronolake/chronolake/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Chronolake - Multi-Tenant Time-Series SQL Runtime\n\n")
		fmt.Fprintf(os.Stderr, "Usage: chronolake [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chronolake --data-dir /data/chronolake\n")
		fmt.Fprintf(os.Stderr, "  chronolake --config /etc/chronolake/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CHRONOLAKE_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  CHRONOLAKE_STORAGE_KIND   Storage kind (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  CHRONOLAKE_CONTEXT_TTL    SQL context cache TTL (e.g. 5m)\n")
		fmt.Fprintf(os.Stderr, "  CHRONOLAKE_CONNECTION_TTL Engine connection cache TTL\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("chronolake version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Close(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line
// flags, then resolves paths and creates directories.
func loadConfig(configFile, dataDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// printBanner prints the startup banner with a configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                      CHRONOLAKE                           ║")
	log.Printf("║        Multi-Tenant Time-Series SQL Runtime               ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Data Dir:       %s", cfg.DataDir)
	log.Printf("  Catalog:        %s", cfg.Catalog.Path)
	log.Printf("  Storage:        %s", cfg.Storage.Kind)
	log.Printf("  Context TTL:    %v", cfg.Runtime.ContextTTL)
	log.Printf("  Connection TTL: %v", cfg.Runtime.ConnectionTTL)
	log.Printf("  Staging Dir:    %s", cfg.Staging.Dir)
	log.Printf("")
}
