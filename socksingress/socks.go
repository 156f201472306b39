// Package socksingress implements a minimal SOCKS5 CONNECT proxy that
// bridges a local client socket to an onion circuit dialed per connection.
package socksingress

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/riftveil/onionmesh/clientcircuit"
	"github.com/riftveil/onionmesh/pathselect"
)

const maxConns = 256

// handshakeDeadline bounds the SOCKS5 negotiation and circuit build phase;
// it is cleared once data relay begins.
const handshakeDeadline = 2 * time.Minute

// Server is a SOCKS5 proxy server that routes traffic through onion
// circuits built per connection from the directory's live node set.
type Server struct {
	Addr          string
	DirectoryAddr string
	Hops          int
	Logger        *slog.Logger

	ln  net.Listener
	sem chan struct{}
}

// ListenAndServe starts the SOCKS5 server.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("socksingress: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on an already-open listener.
func (s *Server) Serve(ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Hops <= 0 {
		s.Hops = 2
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("SOCKS5 proxy listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("socksingress: accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops the SOCKS5 server.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(handshakeDeadline))

	if err := doHandshake(conn); err != nil {
		s.Logger.Debug("SOCKS5 handshake failed", "error", err)
		return
	}

	target, err := readConnect(conn)
	if err != nil {
		s.Logger.Debug("SOCKS5 CONNECT request failed", "error", err)
		return
	}
	s.Logger.Info("SOCKS5 CONNECT", "target", target)

	ctx, cancel := context.WithTimeout(context.Background(), handshakeDeadline)
	defer cancel()

	path, err := pathselect.SelectPath(ctx, s.DirectoryAddr, target, s.Hops)
	if err != nil {
		s.Logger.Error("path selection failed", "error", err)
		sendReply(conn, 0x01)
		return
	}

	circ, err := clientcircuit.Dial(ctx, path, target)
	if err != nil {
		s.Logger.Error("circuit dial failed", "error", err)
		sendReply(conn, 0x04)
		return
	}
	defer func() { _ = circ.Close() }()

	sendReply(conn, 0x00)
	_ = conn.SetDeadline(time.Time{})

	relayCtx, stop := context.WithCancelCause(context.Background())
	defer stop(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(circ, conn)
		stop(err)
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(conn, circ)
		stop(err)
	}()

	// Either direction ending tears down both sockets so the other copy
	// returns instead of blocking on a peer that will not send again.
	<-relayCtx.Done()
	_ = conn.Close()
	_ = circ.Close()
	wg.Wait()
}

func doHandshake(conn net.Conn) error {
	var buf [258]byte
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if buf[0] != 0x05 {
		return fmt.Errorf("unsupported SOCKS version: %d", buf[0])
	}
	nMethods := int(buf[1])
	if nMethods == 0 {
		return fmt.Errorf("no methods offered")
	}
	if _, err := io.ReadFull(conn, buf[:nMethods]); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	found := false
	for i := 0; i < nMethods; i++ {
		if buf[i] == 0x00 {
			found = true
			break
		}
	}
	if !found {
		_, _ = conn.Write([]byte{0x05, 0xFF})
		return fmt.Errorf("client does not offer no-auth method")
	}

	_, err := conn.Write([]byte{0x05, 0x00})
	return err
}

func readConnect(conn net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != 0x05 {
		return "", fmt.Errorf("bad version: %d", hdr[0])
	}
	if hdr[1] != 0x01 {
		sendReply(conn, 0x07)
		return "", fmt.Errorf("unsupported command: %d", hdr[1])
	}

	var host string
	switch hdr[3] {
	case 0x01: // IPv4
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", err
		}
		host = net.IP(addr[:]).String()
	case 0x03: // domain name
		var lenBuf [1]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return "", err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", err
		}
		host = string(domain)
		if host == "" {
			return "", fmt.Errorf("empty domain name")
		}
	case 0x04: // IPv6
		sendReply(conn, 0x08)
		return "", fmt.Errorf("IPv6 not supported")
	default:
		return "", fmt.Errorf("unknown address type: %d", hdr[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func sendReply(conn net.Conn, rep byte) {
	reply := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(reply)
}
