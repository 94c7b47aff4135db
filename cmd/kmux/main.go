package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kmux/internal/app"
	"kmux/internal/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "validate" {
		os.Exit(runValidate(os.Args[2:]))
	}

	configPath := flag.String("config", "kmux.yml", "path to kmux.yml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("kmux: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("kmux: invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(cfg)
	if err != nil {
		log.Fatalf("kmux: bootstrap: %v", err)
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("kmux: %v", err)
	}
}

// runValidate implements `kmux validate`: load and schema-validate a
// kmux.yml without connecting to Kafka.
func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "kmux.yml", "path to kmux.yml")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmux validate: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "kmux validate: %v\n", err)
		return 1
	}
	fmt.Printf("kmux validate: %s ok (schema %s)\n", *configPath, cfg.SchemaVersion)
	return 0
}
