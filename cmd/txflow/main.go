// Package main is the txflow daemon. It loads the configuration, wires the
// ledger adapter and the example asset procedures, and either serves the
// metrics and event endpoints or runs the demo flow.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/txflow/internal/config"
)

const usage = `usage: txflow [-config path] <command>

commands:
  serve       serve /metrics, /healthz, /events and /procedures
  demo        run issue-and-distribute on the simulated ledger
  procedures  list registered procedures
`

func main() {
	configPath := flag.String("config", "", "Path to config file (default "+config.DefaultPath+" when present)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if err := run(*configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "txflow: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	if len(args) != 1 {
		flag.Usage()
		return errors.New("expected exactly one command")
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOrDefault()
	}
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "serve":
		return serve(ctx, a)
	case "demo":
		return runDemo(ctx, a, os.Stdout)
	case "procedures":
		for _, name := range a.registry.Names() {
			fmt.Println(name)
		}
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func serve(ctx context.Context, a *app) error {
	server := a.newServer()
	errCh := make(chan error, 1)
	go func() {
		a.logger.WithFields(map[string]interface{}{"addr": server.Addr}).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Entry().Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
