package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordon-sec/cordon/internal/app"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "rotate-master" {
		if err := runRotateMaster(args[1:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := serve(); err != nil {
		log.Fatal(err)
	}
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Documents.LoadAll(ctx); err != nil {
		return err
	}
	go func() {
		if err := a.Documents.Watch(ctx); err != nil && ctx.Err() == nil {
			a.Log.Error("document watcher stopped", "error", err)
		}
	}()

	srv := app.BuildServer(cfg, a.Handler())
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	a.Log.Info("listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
