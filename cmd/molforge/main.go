package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/molforge/molforge/pkg/api"
	"github.com/molforge/molforge/pkg/auth"
	"github.com/molforge/molforge/pkg/config"
	"github.com/molforge/molforge/pkg/datasets"
	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/drivers"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/managers"
	"github.com/molforge/molforge/pkg/metrics"
	"github.com/molforge/molforge/pkg/molecules"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/services"
	"github.com/molforge/molforge/pkg/specs"
	"github.com/molforge/molforge/pkg/tasks"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "molforge",
	Short: "Molforge - computational chemistry record server",
	Long: `Molforge orchestrates multi-stage molecular computations: it
stores deduplicated records, queues atomic tasks for remote compute
managers and iterates multi-stage services (NEB, torsion drives, grid
optimizations, manybody expansions, reactions) to completion.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Molforge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringP("config", "c", "", "Path to molforge.yaml")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the molforge server",
	Long: `Start the API server together with the service runner, the
manager liveness monitor and the metrics collector.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(cfg.LogConfig())

		database, err := db.Connect(&cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		broker := events.NewBroker()
		specStore := specs.NewStore(database)
		molStore := molecules.NewStore(database)
		recordStore := records.NewStore(database, specStore, molStore, broker)
		taskQueue := tasks.NewQueue(database, recordStore, broker)
		datasetStore := datasets.NewStore(database, recordStore, broker)
		authStore := auth.NewStore(database, cfg.JWTSecret)

		managerStore := managers.NewStore(database, recordStore, broker)
		managerStore.HeartbeatInterval = cfg.Managers.HeartbeatInterval
		managerStore.HeartbeatMaxMissed = cfg.Managers.HeartbeatMaxMissed

		drivers.RegisterDefaults()
		runner := services.NewRunner(database, recordStore, broker)
		runner.ServiceLimit = cfg.Services.Limit
		runner.Interval = cfg.Services.Interval

		collector := metrics.NewCollector(database, broker)
		server := api.NewServer(authStore, recordStore, taskQueue, datasetStore, managerStore)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go runner.Run(ctx)
		go managerStore.Monitor(ctx)
		collector.Start()
		defer collector.Stop()

		if err := server.Run(ctx, cfg.Listen); err != nil {
			return err
		}
		log.Info("Server shut down")
		return nil
	},
}
