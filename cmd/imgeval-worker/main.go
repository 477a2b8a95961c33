// Command imgeval-worker runs the Temporal worker that executes generation
// and evaluation workflows.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-imgeval/internal/config"
	"github.com/ahrav/go-imgeval/internal/platform/logger"
	"github.com/ahrav/go-imgeval/internal/worker"
	"github.com/ahrav/go-imgeval/pkg/events"
)

func main() {
	configPath := flag.String("config", os.Getenv("IMGEVAL_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()

	c, err := worker.Dial(ctx, cfg.Temporal, log, time.Minute)
	if err != nil {
		return err
	}
	defer c.Close()

	deps, err := worker.NewDeps(ctx, cfg, log, c)
	if err != nil {
		return err
	}
	defer deps.Close()

	w := sdkworker.New(c, cfg.Temporal.TaskQueue, sdkworker.Options{})
	worker.RegisterAll(w, worker.ActivityDeps{
		Store:   deps.Store,
		Cache:   deps.Cache,
		Clients: deps.Providers,
		Trigger: deps.Dispatcher,
		Sink:    events.NewLogEventSink(log),
	})

	log.Info("Worker starting", "task_queue", cfg.Temporal.TaskQueue)
	return w.Run(sdkworker.InterruptCh())
}
