// ============================================================================
// EDF-Supervisor CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based entry point wiring the runtime, registry, and the
//          three supervisory subsystems together
//
// Command structure:
//   edf-supervisor                 # Root command
//   ├── run                        # Start the supervision demos
//   │   ├── --demo                 # edf | failover | watchdog | all
//   │   └── --config, -c           # YAML config file
//   ├── --version
//   └── --help
//
// Configuration:
//   YAML file (default: configs/default.yaml); every section has built-in
//   defaults taken from the reference demo, so the system runs without a
//   config file at all. Durations are plain millisecond integers.
//
// run command:
//   1. Load config (file over defaults)
//   2. Create the goroutine runtime and the job registry
//   3. Start the Prometheus endpoint when enabled
//   4. Start the selected subsystems
//   5. Block on SIGINT/SIGTERM, then stop everything in order
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/edf-supervisor/internal/edf"
	"github.com/ChuLiYu/edf-supervisor/internal/failover"
	"github.com/ChuLiYu/edf-supervisor/internal/metrics"
	"github.com/ChuLiYu/edf-supervisor/internal/registry"
	"github.com/ChuLiYu/edf-supervisor/internal/sched"
	"github.com/ChuLiYu/edf-supervisor/internal/watchdog"
	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

var log = slog.Default()

// Config maps the YAML configuration file. All durations are milliseconds.
type Config struct {
	EDF struct {
		IntervalMs int `yaml:"interval_ms"`
		Jobs       []struct {
			Name     string `yaml:"name"`
			PeriodMs int    `yaml:"period_ms"`
		} `yaml:"jobs"`
	} `yaml:"edf"`

	Failover struct {
		MonitorIntervalMs int    `yaml:"monitor_interval_ms"`
		Handoff           string `yaml:"handoff"`
		OverrunOneIn      int    `yaml:"overrun_one_in"`
		Units             []struct {
			Name             string `yaml:"name"`
			PeriodMs         int    `yaml:"period_ms"`
			DeadlineWindowMs int    `yaml:"deadline_window_ms"`
		} `yaml:"units"`
	} `yaml:"failover"`

	Watchdog struct {
		WindowMs      int `yaml:"window_ms"`
		MissThreshold int `yaml:"miss_threshold"`
		Workers       []struct {
			Name     string `yaml:"name"`
			PeriodMs int    `yaml:"period_ms"`
		} `yaml:"workers"`
	} `yaml:"watchdog"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the reference demo parameters: three EDF jobs, two
// fault-tolerant units, two heartbeat workers.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.EDF.IntervalMs = 50
	cfg.EDF.Jobs = []struct {
		Name     string `yaml:"name"`
		PeriodMs int    `yaml:"period_ms"`
	}{
		{Name: "edf-a", PeriodMs: 500},
		{Name: "edf-b", PeriodMs: 1000},
		{Name: "edf-c", PeriodMs: 1500},
	}

	cfg.Failover.MonitorIntervalMs = 5000
	cfg.Failover.Handoff = string(failover.HandoffPhase)
	cfg.Failover.Units = []struct {
		Name             string `yaml:"name"`
		PeriodMs         int    `yaml:"period_ms"`
		DeadlineWindowMs int    `yaml:"deadline_window_ms"`
	}{
		{Name: "job-a", PeriodMs: 500, DeadlineWindowMs: 800},
		{Name: "job-b", PeriodMs: 700, DeadlineWindowMs: 1000},
	}

	cfg.Watchdog.WindowMs = 100
	cfg.Watchdog.MissThreshold = 2
	cfg.Watchdog.Workers = []struct {
		Name     string `yaml:"name"`
		PeriodMs int    `yaml:"period_ms"`
	}{
		{Name: "worker-1", PeriodMs: 100},
		{Name: "worker-2", PeriodMs: 100},
	}

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	return cfg
}

// loadConfig reads path over the defaults. A missing file is an error; an
// empty path yields the defaults unchanged.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edf-supervisor",
		Short: "edf-supervisor: supervisory policies for periodic real-time jobs",
		Long: `edf-supervisor layers three supervisory policies on a priority scheduler:
- EDF priority control: the job with the nearest deadline runs first
- Primary/backup fault tolerance: backups cover failed or overrun cycles
- Heartbeat watchdog: unresponsive workers are destroyed and re-created`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults built in)")

	rootCmd.AddCommand(buildRunCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var demo string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervision demos",
		Long:  "Run one of the supervisory subsystems, or all of them together",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(demo)
		},
	}

	cmd.Flags().StringVar(&demo, "demo", "all", "Subsystem to run: edf, failover, watchdog, all")

	return cmd
}

func runSystem(demo string) error {
	switch demo {
	case "edf", "failover", "watchdog", "all":
	default:
		return fmt.Errorf("unknown demo %q (want edf, failover, watchdog, or all)", demo)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := sched.NewGoRuntime(ctx)
	reg := registry.New(jobCount(cfg))

	var mx *metrics.Collector
	if cfg.Metrics.Enabled {
		// A dedicated registry per run keeps runSystem re-entrant: a second
		// invocation in the same process never collides on registration.
		promReg := prometheus.NewRegistry()
		mx = metrics.NewCollector(promReg)
		go func() {
			log.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, promReg); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	var ftSup *failover.Supervisor
	var wdSup *watchdog.Supervisor

	if demo == "edf" || demo == "all" {
		if err := startEDF(gctx, g, cfg, rt, reg, mx); err != nil {
			return err
		}
	}

	if demo == "failover" || demo == "all" {
		ftSup, err = buildFailover(cfg, rt, reg, mx)
		if err != nil {
			return err
		}
		if err := ftSup.Start(); err != nil {
			return fmt.Errorf("failed to start fault-tolerant supervisor: %w", err)
		}
	}

	if demo == "watchdog" || demo == "all" {
		wdSup, err = buildWatchdog(cfg, rt, reg, mx)
		if err != nil {
			return err
		}
		if err := wdSup.Start(); err != nil {
			return fmt.Errorf("failed to start watchdog: %w", err)
		}
	}

	log.Info("system started", "demo", demo, "jobs", reg.Len())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("received shutdown signal, stopping")
	cancel()
	_ = g.Wait()

	if ftSup != nil {
		ftSup.Stop()
	}
	if wdSup != nil {
		wdSup.Stop()
	}
	rt.Shutdown()

	log.Info("system stopped")
	return nil
}

// startEDF spawns the demo's periodic jobs, tracks them, and runs the loop
// flavor of the controller as its own job.
func startEDF(ctx context.Context, g *errgroup.Group, cfg *Config, rt sched.Runtime, reg *registry.Registry, mx *metrics.Collector) error {
	ctrl := edf.NewController(rt, reg, mx, ms(cfg.EDF.IntervalMs))

	for i, jc := range cfg.EDF.Jobs {
		spec := types.JobSpec{
			ID:       types.JobID(jc.Name),
			Name:     jc.Name,
			Period:   ms(jc.PeriodMs),
			Priority: types.Priority(len(cfg.EDF.Jobs) - i),
		}
		h, err := rt.Spawn(spec, ctrl.JobLoop(spec.ID, spec.Period))
		if err != nil {
			return fmt.Errorf("failed to spawn EDF job %s: %w", jc.Name, err)
		}
		if _, err := reg.Register(spec, h); err != nil {
			return fmt.Errorf("failed to register EDF job %s: %w", jc.Name, err)
		}
		if err := ctrl.Track(spec.ID); err != nil {
			return fmt.Errorf("failed to track EDF job %s: %w", jc.Name, err)
		}
	}

	g.Go(func() error { return ctrl.Run(ctx) })
	return nil
}

func buildFailover(cfg *Config, rt sched.Runtime, reg *registry.Registry, mx *metrics.Collector) (*failover.Supervisor, error) {
	fcfg := failover.Config{
		MonitorInterval: ms(cfg.Failover.MonitorIntervalMs),
		OverrunOneIn:    cfg.Failover.OverrunOneIn,
	}
	for _, uc := range cfg.Failover.Units {
		fcfg.Units = append(fcfg.Units, failover.UnitConfig{
			Name:    uc.Name,
			Period:  ms(uc.PeriodMs),
			Window:  ms(uc.DeadlineWindowMs),
			Handoff: failover.HandoffMode(cfg.Failover.Handoff),
		})
	}

	sup, err := failover.New(rt, reg, mx, fcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build fault-tolerant supervisor: %w", err)
	}
	return sup, nil
}

func buildWatchdog(cfg *Config, rt sched.Runtime, reg *registry.Registry, mx *metrics.Collector) (*watchdog.Supervisor, error) {
	wcfg := watchdog.Config{
		Window:        ms(cfg.Watchdog.WindowMs),
		MissThreshold: cfg.Watchdog.MissThreshold,
	}
	for _, wc := range cfg.Watchdog.Workers {
		wcfg.Workers = append(wcfg.Workers, watchdog.WorkerConfig{
			Name:   wc.Name,
			Period: ms(wc.PeriodMs),
		})
	}

	sup, err := watchdog.New(rt, reg, mx, wcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build watchdog: %w", err)
	}
	return sup, nil
}

// jobCount sizes the registry for every job the selected config can create.
func jobCount(cfg *Config) int {
	// EDF jobs + per-unit primary/backup + failover monitor + watchdog
	// supervisor + workers. Restart replaces handles in place, so restarts
	// need no extra capacity.
	return len(cfg.EDF.Jobs) +
		2*len(cfg.Failover.Units) + 1 +
		len(cfg.Watchdog.Workers) + 1
}
