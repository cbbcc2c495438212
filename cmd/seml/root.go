// Command seml is the dispatch engine's CLI entrypoint: start, prepare-experiment,
// and print-command, wired against a Mongo-backed Storage Gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/slurm"
	"github.com/seml-project/seml/pkg/sources"
	"github.com/seml-project/seml/pkg/storage"
	"github.com/seml-project/seml/pkg/worker"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "seml",
	Short:         "Slurm Experiment Management Library dispatch engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to seml.yaml (default: ./seml.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading configuration")
}

// main executes the command tree. Exit code 1 (§6) covers every error a
// verb returns through cobra; prepare-experiment's 3/4 codes are raised
// directly from its RunE via os.Exit, bypassing this generic path.
//
// The context is cancelled on SIGINT so the Local Worker's run loop (spec
// §4.6.1, "SIGINT stops claiming, not the running child") sees ctx.Err()
// between jobs instead of the process dying outright.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// loadConfig loads the .env file (if any), then layers defaults, seml.yaml,
// and SEML_-prefixed environment variables into a *config.Config, mirroring
// the original implementation's SETTINGS bootstrap.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("could not load env file", "path", envFile, "error", err)
		}
	} else if fileExists(".env") {
		_ = godotenv.Load(".env")
	}

	path := cfgFile
	if path == "" {
		if def := config.DefaultConfigPath(); fileExists(def) {
			path = def
		}
	} else if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	cfg, err := config.Load(path, viper.New())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// collaborators bundles the per-invocation objects every verb wires.
type collaborators struct {
	cfg         *config.Config
	gw          *storage.Gateway
	sourceStore *sources.Store
	dispatcher  *slurm.Dispatcher
	wrk         *worker.Worker
}

// bootstrap applies pending index migrations and wires the Storage Gateway,
// Source Snapshot Store, Slurm Dispatcher, and Local Worker collaborators
// every verb needs.
func bootstrap(ctx context.Context, collectionName string) (*collaborators, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(cfg); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	gw, err := storage.New(ctx, cfg, collectionName)
	if err != nil {
		return nil, err
	}
	sourceStore := sources.New(gw.Database())
	dispatcher := slurm.New(cfg, gw, collectionName)
	wrk := worker.New(cfg, gw, sourceStore, dispatcher, collectionName)
	return &collaborators{cfg: cfg, gw: gw, sourceStore: sourceStore, dispatcher: dispatcher, wrk: wrk}, nil
}
