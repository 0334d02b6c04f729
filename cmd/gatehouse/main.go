package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gatehouse/internal/app"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a gatehouse config file (.toml/.yaml/.yml/.json). If empty, use $GATEHOUSE_CONFIG or auto-detect gatehouse.toml > gatehouse.yaml > gatehouse.yml > gatehouse.json; otherwise run with the built-in routing table")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, *configPath); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
