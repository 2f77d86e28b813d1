package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/worker"
)

// version is reported to the server and checked against its minimum
const version = 1

var (
	configPath  string
	serverURL   string
	username    string
	concurrency int
	slots       int
	elo         float64
	drawRatio   float64
	seed        uint64
	debug       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fishq-worker",
		Short: "Worker that plays leased game slices for a fishqueue server",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "Server WebSocket URL")
	rootCmd.Flags().StringVar(&username, "username", "", "Account the results are credited to")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", runtime.NumCPU(), "Cores offered to the server")
	rootCmd.Flags().IntVar(&slots, "slots", 1, "Tasks played in parallel")
	rootCmd.Flags().Float64Var(&elo, "elo", 0, "Simulated Elo difference of the test engine")
	rootCmd.Flags().Float64Var(&drawRatio, "draw-ratio", 0.4, "Simulated share of drawn games")
	rootCmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed for simulated games (0 picks one)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Config defines the fishq-worker configuration file format
type Config struct {
	Server struct {
		URL string `toml:"url"`
	} `toml:"server"`
	Worker struct {
		Username    string `toml:"username"`
		Concurrency int    `toml:"concurrency"`
		Slots       int    `toml:"slots"`
		ReportPairs int    `toml:"report_pairs"`
	} `toml:"worker"`
	Simulation struct {
		Elo       float64 `toml:"elo"`
		DrawRatio float64 `toml:"draw_ratio"`
	} `toml:"simulation"`
}

// Default config file locations (checked in order)
var defaultConfigPaths = []string{
	"/etc/fishq-worker/config.toml",
	"/etc/fishq-worker.toml",
}

func loadConfig(path string) (*Config, string, error) {
	var cfg Config
	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return &cfg, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, "", fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, path, nil
}

func applyFlags(cmd *cobra.Command, cfg *Config) {
	// CLI flags override config (only if explicitly set)
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if username != "" {
		cfg.Worker.Username = username
	}
	if cmd.Flags().Changed("concurrency") || cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = concurrency
	}
	if cmd.Flags().Changed("slots") || cfg.Worker.Slots == 0 {
		cfg.Worker.Slots = slots
	}
	if cmd.Flags().Changed("elo") {
		cfg.Simulation.Elo = elo
	}
	if cmd.Flags().Changed("draw-ratio") || cfg.Simulation.DrawRatio == 0 {
		cfg.Simulation.DrawRatio = drawRatio
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	level := "info"
	if debug {
		level = "debug"
	}
	logger := logging.New(os.Stderr, level, "text")
	if path != "" {
		logger.Info("loaded config", "path", path)
	}

	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	player := worker.NewSimulatedPlayer(cfg.Simulation.Elo, cfg.Simulation.DrawRatio, seed)

	w, err := worker.New(worker.Config{
		ServerURL:   cfg.Server.URL,
		Username:    cfg.Worker.Username,
		Concurrency: cfg.Worker.Concurrency,
		Slots:       cfg.Worker.Slots,
		Version:     version,
		ReportPairs: cfg.Worker.ReportPairs,
	}, player, logger)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker",
		"server", cfg.Server.URL,
		"worker", w.Info().String(),
		"slots", cfg.Worker.Slots)

	// Run with automatic reconnection (blocks until stopped)
	err = w.Run(ctx)
	logger.Info("worker stopped", "games", w.GamesPlayed(), "tasks", w.TasksCompleted())
	return err
}
