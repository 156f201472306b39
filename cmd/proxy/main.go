// Command proxy runs a SOCKS5 front door that builds a fresh onion circuit
// per connection using nodes registered with a directory.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/riftveil/onionmesh/socksingress"
)

func main() {
	app := &cli.App{
		Name:  "proxy",
		Usage: "run the SOCKS5 ingress proxy",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: 1080,
				Usage: "TCP port to listen on",
			},
			&cli.StringFlag{
				Name:  "directory",
				Value: "http://127.0.0.1:30000",
				Usage: "directory base URL to select nodes from",
			},
			&cli.IntFlag{
				Name:  "hops",
				Value: 3,
				Usage: "number of relay hops per circuit",
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

	srv := &socksingress.Server{
		DirectoryAddr: stripScheme(c.String("directory")),
		Hops:          c.Int("hops"),
		Logger:        logger,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("ready", "addr", ln.Addr().String())
	select {
	case err := <-errCh:
		logger.Error("proxy exited", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		_ = srv.Close()
	}
	return nil
}

func stripScheme(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[i+3:]
	}
	return addr
}
