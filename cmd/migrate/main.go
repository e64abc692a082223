package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/cobra-client-platform/config"
	"github.com/cobra-client-platform/internal/database"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, status")
		timeout = flag.Duration("timeout", 30*time.Second, "Operation timeout")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dbConfig := cfg.DatabaseConnection()
	dbConfig.MaxOpenConns = 1
	dbConfig.MaxIdleConns = 1

	conn, err := database.NewConnection(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	migrations, err := database.Migrations()
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	manager := database.NewMigrationManager(conn)

	switch *command {
	case "up":
		applied, err := manager.Up(ctx, migrations)
		if err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		for _, m := range applied {
			fmt.Printf("applied %04d_%s\n", m.Version, m.Name)
		}
		fmt.Printf("%d migration(s) applied\n", len(applied))

	case "down":
		rolledBack, err := manager.Down(ctx, migrations)
		if err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Printf("rolled back %04d_%s\n", rolledBack.Version, rolledBack.Name)

	case "status":
		statuses, err := manager.Status(ctx, migrations)
		if err != nil {
			log.Fatalf("Migration status failed: %v", err)
		}
		applied := color.New(color.FgGreen).SprintFunc()
		pending := color.New(color.FgYellow).SprintFunc()
		for _, s := range statuses {
			state := pending("pending")
			if s.Applied {
				state = applied("applied")
			}
			fmt.Printf("%04d_%-40s %s\n", s.Migration.Version, s.Migration.Name, state)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		fmt.Fprintf(os.Stderr, "Available commands: up, down, status\n")
		os.Exit(1)
	}
}
