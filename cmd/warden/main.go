package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/warden/pkg/bus"
	"github.com/cuemby/warden/pkg/cli"
	"github.com/cuemby/warden/pkg/graph"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/scheduler"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/subscriptions"
	"github.com/cuemby/warden/pkg/taskhandler"
	"github.com/cuemby/warden/pkg/workqueue"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "warden",
	Short:   "Warden - task orchestration core for cloud resource governance",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("warden version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./warden-data", "Data directory for persisted state")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// system is the set of long-lived collaborators shared by `serve` and
// `run`: the bus, subscription and task handlers, persistence, the
// resource graph and the worker queue, plus the CLI engine that closes
// the ExecuteCommand↔pipeline loop between taskhandler and cli.
type system struct {
	store  *storage.Store
	b      *bus.Bus
	subs   *subscriptions.Handler
	tasks  *taskhandler.Handler
	g      graph.Store
	workQ  *workqueue.Queue
	sched  *scheduler.Scheduler
	engine *cli.Engine
}

func newSystem(dataDir string) (*system, error) {
	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	b := bus.New()
	subs := subscriptions.New(b)
	tasks := taskhandler.New(b, subs, store)
	g := graph.NewMemStore()
	workQ := workqueue.New(workqueue.Config{BackoffBase: time.Second})
	sched := scheduler.New(tasks, b)

	engine := cli.New(&cli.Env{
		Graph:     g,
		WorkQueue: workQ,
		Tasks:     tasks,
		Store:     store,
		Bus:       b,
		Logger:    log.WithComponent("cli"),
	})
	tasks.SetExecutor(engine)

	return &system{
		store:  store,
		b:      b,
		subs:   subs,
		tasks:  tasks,
		g:      g,
		workQ:  workQ,
		sched:  sched,
		engine: engine,
	}, nil
}

func (s *system) start(ctx context.Context) error {
	if err := s.tasks.Recover(ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if err := s.tasks.Start(ctx); err != nil {
		return fmt.Errorf("start task handler: %w", err)
	}
	s.sched.Start()
	return nil
}

func (s *system) stop() {
	s.sched.Stop()
	s.tasks.Stop()
	s.workQ.Close()
	if err := s.store.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("failed to close storage")
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task handler, scheduler and worker queue as a long-lived service",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		sys, err := newSystem(dataDir)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := sys.start(ctx); err != nil {
			return err
		}

		go metrics.ServeDefault(metricsAddr)

		log.Logger.Info().Str("data_dir", dataDir).Str("metrics_addr", metricsAddr).Msg("warden serving")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		sys.stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
}

var runCmd = &cobra.Command{
	Use:   "run [command line]",
	Short: "Compile and execute a single CLI pipeline command line against a transient system",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		sys, err := newSystem(dataDir)
		if err != nil {
			return err
		}
		defer sys.stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := sys.start(ctx); err != nil {
			return err
		}

		line := joinArgs(args)
		values, err := sys.engine.ExecuteForOutput(ctx, line)
		if err != nil {
			return err
		}
		for _, v := range values {
			fmt.Printf("%v\n", v)
		}
		return nil
	},
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
