// Command node runs a relay node: it accepts inbound circuit-extension
// connections and registers itself with a directory so clients can find it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/riftveil/onionmesh/directory"
	"github.com/riftveil/onionmesh/node"
)

const (
	registerRetries = 5
	registerBackoff = 2 * time.Second
)

func main() {
	app := &cli.App{
		Name:  "node",
		Usage: "run a relay node",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   0,
				Usage:   "TCP port to listen on (0 = ephemeral)",
			},
			&cli.StringFlag{
				Name:  "directory",
				Value: "http://127.0.0.1:30000",
				Usage: "directory base URL to register with",
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

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.Int("port")))
	if err != nil {
		logger.Error("listen failed", "error", err)
		os.Exit(1)
	}

	dirAddr := stripScheme(c.String("directory"))
	go registerWithRetry(logger, dirAddr, ln.Addr().String())

	srv := &node.Server{
		Addr:   ln.Addr().String(),
		Logger: logger,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("node exited", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		_ = srv.Close()
	}
	return nil
}

// registerWithRetry announces this node's address to the directory,
// retrying a few times since the directory may not be up yet.
func registerWithRetry(logger *slog.Logger, dirAddr, nodeAddr string) {
	for attempt := 0; attempt < registerRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := directory.AddNode(ctx, dirAddr, nodeAddr)
		cancel()
		if err == nil {
			logger.Info("registered with directory", "directory", dirAddr, "addr", nodeAddr)
			return
		}
		logger.Warn("directory registration failed, retrying", "attempt", attempt, "error", err)
		time.Sleep(registerBackoff)
	}
	logger.Error("giving up on directory registration", "directory", dirAddr)
}

func stripScheme(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[i+3:]
	}
	return addr
}
