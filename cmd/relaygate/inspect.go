package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/relaygate/internal/inspect"
	"github.com/mattjoyce/relaygate/internal/queue"
	"github.com/mattjoyce/relaygate/internal/steplog"
	"github.com/mattjoyce/relaygate/internal/storage"
	"github.com/mattjoyce/relaygate/internal/store"
)

func runDeliveryInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("delivery inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one delivery reference is required")
		return 1
	}
	ref := fs.Arg(0)

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	src := inspect.Sources{
		Store: store.New(db),
		Queue: queue.New(db),
		Steps: steplog.New(db),
	}

	var out string
	if jsonOut {
		out, err = inspect.BuildJSONReport(ctx, src, ref)
	} else {
		out, err = inspect.BuildReport(ctx, src, ref)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Println(strings.TrimRight(out, "\n"))
	return 0
}
