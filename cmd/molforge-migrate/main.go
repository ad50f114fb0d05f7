package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/molforge/molforge/pkg/auth"
	"github.com/molforge/molforge/pkg/config"
	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/log"
)

var (
	configPath    = flag.String("config", "", "Path to molforge.yaml")
	adminUser     = flag.String("admin-user", "", "Create an admin user with this username")
	adminPassword = flag.String("admin-password", "", "Password for the admin user")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.LogConfig())

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	database, err := db.Connect(&cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.ApplySchema(ctx); err != nil {
		return err
	}
	fmt.Println("✓ Schema applied")

	authStore := auth.NewStore(database, cfg.JWTSecret)
	if err := authStore.SeedRoles(ctx, nil); err != nil {
		return err
	}
	fmt.Println("✓ Default roles seeded")

	if *adminUser != "" {
		if *adminPassword == "" {
			return fmt.Errorf("admin-password must be set when admin-user is given")
		}
		if _, err := authStore.Register(ctx, nil, *adminUser, *adminPassword, "admin"); err != nil {
			return err
		}
		fmt.Printf("✓ Admin user %s created\n", *adminUser)
	}
	return nil
}
