package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/molforge/molforge/pkg/client"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/worker"
)

// workerFile mirrors the command-line flags as a YAML document. Flags
// that are set explicitly override file values.
type workerFile struct {
	Server      string   `yaml:"server"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Name        string   `yaml:"name"`
	Cluster     string   `yaml:"cluster"`
	Programs    []string `yaml:"programs"`
	Tags        []string `yaml:"tags"`
	Concurrency int      `yaml:"concurrency"`
	Exec        []string `yaml:"exec"`
	LogLevel    string   `yaml:"log_level"`
}

func loadWorkerFile(path string) (*workerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}
	var wf workerFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	return &wf, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "molforge-worker",
	Short: "Molforge compute worker",
	Long: `A compute manager that claims tasks from a molforge server,
executes them through an external program and returns the results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		name, _ := cmd.Flags().GetString("name")
		cluster, _ := cmd.Flags().GetString("cluster")
		programs, _ := cmd.Flags().GetStringSlice("programs")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		execCommand, _ := cmd.Flags().GetStringSlice("exec")
		logLevel, _ := cmd.Flags().GetString("log-level")

		if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
			wf, err := loadWorkerFile(configFile)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("server") && wf.Server != "" {
				server = wf.Server
			}
			if !cmd.Flags().Changed("username") && wf.Username != "" {
				username = wf.Username
			}
			if !cmd.Flags().Changed("password") && wf.Password != "" {
				password = wf.Password
			}
			if !cmd.Flags().Changed("name") && wf.Name != "" {
				name = wf.Name
			}
			if !cmd.Flags().Changed("cluster") && wf.Cluster != "" {
				cluster = wf.Cluster
			}
			if !cmd.Flags().Changed("programs") && len(wf.Programs) > 0 {
				programs = wf.Programs
			}
			if !cmd.Flags().Changed("tags") && len(wf.Tags) > 0 {
				tags = wf.Tags
			}
			if !cmd.Flags().Changed("concurrency") && wf.Concurrency > 0 {
				concurrency = wf.Concurrency
			}
			if !cmd.Flags().Changed("exec") && len(wf.Exec) > 0 {
				execCommand = wf.Exec
			}
			if !cmd.Flags().Changed("log-level") && wf.LogLevel != "" {
				logLevel = wf.LogLevel
			}
		}

		log.Init(log.Config{Level: log.Level(logLevel)})

		if name == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return err
			}
			name = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		}

		w, err := worker.New(worker.Config{
			Name:        name,
			ClusterName: cluster,
			Programs:    programs,
			Tags:        tags,
			Concurrency: concurrency,
		}, client.New(server, username, password), &worker.CommandExecutor{Command: execCommand})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err = w.Start(startCtx)
		cancel()
		if err != nil {
			return err
		}

		<-ctx.Done()
		fmt.Println("Shutting down...")
		w.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.Flags().StringP("config", "f", "", "YAML config file (flags override)")
	rootCmd.Flags().String("server", "http://localhost:8080", "Server base URL")
	rootCmd.Flags().String("username", "", "Username for authentication")
	rootCmd.Flags().String("password", "", "Password for authentication")
	rootCmd.Flags().String("name", "", "Manager name (default: hostname-pid)")
	rootCmd.Flags().String("cluster", "", "Cluster name reported to the server")
	rootCmd.Flags().StringSlice("programs", nil, "Programs this worker can run")
	rootCmd.Flags().StringSlice("tags", []string{"*"}, "Queue tags to claim from")
	rootCmd.Flags().Int("concurrency", 1, "Tasks to execute at once")
	rootCmd.Flags().StringSlice("exec", nil, "Command that executes one task")
	rootCmd.Flags().String("log-level", "info", "Log level")
}
