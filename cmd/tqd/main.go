package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dutu/throttled-queue/internal/app"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "how long to wait for running jobs on shutdown")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	fatal := a.Err()

	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	if err := a.Stop(sctx); err != nil {
		fmt.Println("stop:", err)
	}
	if fatal != nil {
		fmt.Println("fatal:", fatal)
		os.Exit(1)
	}
}
