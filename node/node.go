// Package node implements the relay side of an onion circuit: one inbound
// TCP connection driven through a relay.Manager, extending a forward
// connection to the learned successor once the circuit reaches this hop.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/riftveil/onionmesh/protoerr"
	"github.com/riftveil/onionmesh/relay"
	"github.com/riftveil/onionmesh/wire"
)

const (
	maxConns     = 256
	channelDepth = 10
	rawChunkSize = 1024
)

// Server accepts inbound circuit-extension connections and relays each one.
type Server struct {
	Addr   string
	Logger *slog.Logger

	ln  net.Listener
	sem chan struct{}
}

// ListenAndServe opens Addr and serves until Accept fails.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("node: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on an already-open listener.
func (s *Server) Serve(ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("node listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("node: accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// handleConn drives one inbound circuit connection end to end: the
// handshake, the connect-to that opens the forward socket, and then
// bidirectional relaying until either side closes or a protocol violation
// aborts the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	backReader := wire.NewReader(conn)
	backWriter := wire.NewWriter(conn)

	backChan := make(chan wire.TorMessage, channelDepth)
	go readFramedLoop(ctx, cancel, backReader, backChan)

	var mgr relay.Manager
	var fwdChan chan wire.TorMessage
	var forwardConn net.Conn
	var forwardWriter *wire.Writer // framed, relay successor only
	var rawWriter *wire.Writer     // unframed, server successor only

	defer func() {
		if forwardConn != nil {
			_ = forwardConn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause != nil {
				s.Logger.Warn("circuit aborted", "remote", conn.RemoteAddr(), "error", cause)
			}
			return

		case msg, ok := <-backChan:
			if !ok {
				return
			}
			result, err := mgr.HandleForward(msg)
			if err != nil {
				s.Logger.Warn("forward message rejected", "remote", conn.RemoteAddr(), "error", err)
				return
			}
			if result.Backward != nil {
				if err := backWriter.WriteMessage(*result.Backward); err != nil {
					s.Logger.Warn("write backward reply failed", "error", err)
					return
				}
			}
			if result.Forward == nil {
				continue
			}
			switch result.Forward.Kind {
			case relay.KindConnectTo:
				if forwardConn != nil {
					s.Logger.Warn("duplicate connect-to", "remote", conn.RemoteAddr())
					return
				}
				next := result.Forward.ConnectTo
				fc, err := net.Dial("tcp", next.Addr)
				if err != nil {
					s.Logger.Warn("dial forward failed", "addr", next.Addr, "error", err)
					return
				}
				forwardConn = fc
				fwdChan = make(chan wire.TorMessage, channelDepth)
				if next.IsServer {
					rawWriter = wire.NewWriter(fc)
					go readRawLoop(ctx, cancel, fc, fwdChan)
				} else {
					forwardWriter = wire.NewWriter(fc)
					go readFramedLoop(ctx, cancel, wire.NewReader(fc), fwdChan)
				}

			case relay.KindTorMessage:
				if forwardWriter == nil {
					s.Logger.Warn("tor message with no forward writer", "remote", conn.RemoteAddr())
					return
				}
				if err := forwardWriter.WriteMessage(result.Forward.TorMsg); err != nil {
					s.Logger.Warn("forward write failed", "error", err)
					return
				}

			case relay.KindServerMessage:
				if rawWriter == nil {
					s.Logger.Warn("server message with no forward connection", "remote", conn.RemoteAddr())
					return
				}
				if err := rawWriter.WriteRaw(result.Forward.ServerData); err != nil {
					s.Logger.Warn("forward raw write failed", "error", err)
					return
				}
			}

		case msg, ok := <-fwdChan:
			if !ok {
				fwdChan = nil
				continue
			}
			back, err := mgr.HandleBackward(msg)
			if err != nil {
				s.Logger.Warn("backward message rejected", "remote", conn.RemoteAddr(), "error", err)
				return
			}
			if err := backWriter.WriteMessage(back); err != nil {
				s.Logger.Warn("write backward failed", "error", err)
				return
			}
		}
	}
}

// readFramedLoop reads length-prefixed TorMessage values and pushes them
// onto out until the reader errors or ctx is cancelled.
func readFramedLoop(ctx context.Context, cancel context.CancelCauseFunc, r *wire.Reader, out chan<- wire.TorMessage) {
	defer close(out)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			cancelOnReadErr(cancel, err)
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// readRawLoop reads up to rawChunkSize bytes at a time from a raw
// (unframed) connection — the terminal hop's link to the destination
// server — and pushes each chunk as a NotForYou TorMessage.
func readRawLoop(ctx context.Context, cancel context.CancelCauseFunc, conn net.Conn, out chan<- wire.TorMessage) {
	defer close(out)
	buf := make([]byte, rawChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case out <- wire.NotForYou(chunk):
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			cancelOnReadErr(cancel, err)
			return
		}
	}
}

func cancelOnReadErr(cancel context.CancelCauseFunc, err error) {
	if errors.Is(err, io.EOF) {
		cancel(nil)
		return
	}
	cancel(fmt.Errorf("node: %w: %v", protoerr.ErrTransport, err))
}
