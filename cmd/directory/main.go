// Command directory runs the node directory HTTP service.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/riftveil/onionmesh/directory"
)

func main() {
	app := &cli.App{
		Name:  "directory",
		Usage: "run the node directory service",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: directory.DefaultPort,
				Usage: "TCP port to listen on",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	srv := &directory.Server{
		Addr:   fmt.Sprintf("0.0.0.0:%d", c.Int("port")),
		Logger: logger,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("directory exited", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		_ = srv.Close()
	}
	return nil
}
