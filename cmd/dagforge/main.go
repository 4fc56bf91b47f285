package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/dagforge/dagforge/internal/executors"
	"github.com/dagforge/dagforge/pkg/dagforge"
)

func main() {

	//you may do your own logger setup here or use this default one with slog
	dagforge.SetupLogger()

	app, err := dagforge.New()
	if err != nil {
		slog.Error("Engine failed to start", "error", err)
		return
	}
	defer app.Close()

	app.Registry.Register("http.get", executors.NewHTTPGetExecutor())
	app.Registry.Register("log.message", &executors.LogMessageExecutor{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		slog.Error("Engine exited with error", "error", err)
	}
}
