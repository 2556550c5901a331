package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/taskboard/internal/bootstrap"
	"github.com/Tyrowin/taskboard/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/samber/do"
	"go.uber.org/zap"
)

func main() {
	gin.SetMode(gin.ReleaseMode)

	inj := bootstrap.BuildContainer(nil)

	cfg, err := do.Invoke[*config.Config](inj)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := do.Invoke[*zap.Logger](inj)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	app, err := bootstrap.NewApp(inj)
	if err != nil {
		log.Sugar().Fatalw("failed to initialize", "err", err)
	}
	if err := app.Start(context.Background()); err != nil {
		log.Sugar().Fatalw("failed to start", "err", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Sugar().Infow("shutting down", "signal", sig.String())
	case err := <-app.Err():
		log.Sugar().Errorw("server stopped unexpectedly", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Sugar().Errorw("shutdown finished with errors", "err", err)
	}
}
