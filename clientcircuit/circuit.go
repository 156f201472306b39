// Package clientcircuit builds a k-hop onion circuit out of an ordered
// path of node addresses and a destination, then exposes it as a
// bidirectional byte stream.
package clientcircuit

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/riftveil/onionmesh/onion"
	"github.com/riftveil/onionmesh/protoerr"
	"github.com/riftveil/onionmesh/torcrypto"
	"github.com/riftveil/onionmesh/wire"
)

// handshakeTimeout bounds each per-hop handshake round trip during build;
// the circuit itself has no overall build deadline.
const handshakeTimeout = 15 * time.Second

// Circuit is a live k-hop onion circuit. The zero value is not usable;
// construct one with Dial.
type Circuit struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer
	hops   []onion.Hop

	buf []byte
}

var _ io.ReadWriteCloser = (*Circuit)(nil)

// Dial opens a TCP connection to addrs[0] and extends a circuit through
// addrs[1:] to destination, one hop at a time. addrs must be non-empty.
func Dial(ctx context.Context, addrs []string, destination string) (*Circuit, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("clientcircuit: dial: %w: empty node path", protoerr.ErrConfig)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addrs[0])
	if err != nil {
		return nil, fmt.Errorf("clientcircuit: dial %s: %w: %v", addrs[0], protoerr.ErrTransport, err)
	}

	hops := make([]onion.Hop, len(addrs))
	for i := 1; i < len(addrs); i++ {
		hops[i-1].Next = wire.NodeNext(addrs[i])
	}
	hops[len(hops)-1].Next = wire.ServerNext(destination)

	c := &Circuit{
		conn:   conn,
		reader: wire.NewReader(conn),
		writer: wire.NewWriter(conn),
		hops:   hops,
	}

	if err := c.extend(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// extend runs the stepwise handshake/connect-to extension for every hop in
// order: a fresh keypair and handshake for hop i, then a connect-to
// directive telling hop i its successor.
func (c *Circuit) extend() error {
	for i := range c.hops {
		if err := c.conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
			return fmt.Errorf("clientcircuit: set deadline: %w", err)
		}

		kp, err := torcrypto.NewKeypair()
		if err != nil {
			return fmt.Errorf("clientcircuit: hop %d: new keypair: %w", i, err)
		}

		outer, err := onion.WrapHandshake(c.hops, kp.PublicBytes())
		if err != nil {
			return fmt.Errorf("clientcircuit: hop %d: wrap handshake: %w", i, err)
		}
		if err := c.writer.WriteMessage(outer); err != nil {
			return fmt.Errorf("clientcircuit: hop %d: send handshake: %w: %v", i, protoerr.ErrTransport, err)
		}

		resp, err := c.reader.ReadMessage()
		if err != nil {
			return fmt.Errorf("clientcircuit: hop %d: read handshake reply: %w: %v", i, protoerr.ErrTransport, err)
		}
		established := make([]*torcrypto.Encryptor, i)
		for j := 0; j < i; j++ {
			established[j] = c.hops[j].Encryptor
		}
		inner, err := onion.UnwrapLayers(established, resp)
		if err != nil {
			return fmt.Errorf("clientcircuit: hop %d: unwrap handshake reply: %w", i, err)
		}
		if inner.Kind != wire.KindHandshake {
			return fmt.Errorf("clientcircuit: hop %d: %w: expected handshake reply, got kind %d", i, protoerr.ErrProtocol, inner.Kind)
		}

		enc, err := kp.Handshake(inner.Pubkey)
		if err != nil {
			return fmt.Errorf("clientcircuit: hop %d: derive encryptor: %w", i, err)
		}
		c.hops[i].Encryptor = enc

		connectTo, err := onion.WrapConnectTo(c.hops, i)
		if err != nil {
			return fmt.Errorf("clientcircuit: hop %d: wrap connect-to: %w", i, err)
		}
		if err := c.writer.WriteMessage(connectTo); err != nil {
			return fmt.Errorf("clientcircuit: hop %d: send connect-to: %w: %v", i, protoerr.ErrTransport, err)
		}
	}
	return c.conn.SetDeadline(time.Time{})
}

// WritePacket onion-wraps payload under every hop and sends it as a single
// framed message to the first hop.
func (c *Circuit) WritePacket(payload []byte) error {
	wrapped, err := onion.WrapPacket(c.hops, payload)
	if err != nil {
		return fmt.Errorf("clientcircuit: wrap packet: %w", err)
	}
	if err := c.writer.WriteMessage(wrapped); err != nil {
		return fmt.Errorf("clientcircuit: write packet: %w: %v", protoerr.ErrTransport, err)
	}
	return nil
}

// ReadPacket reads one framed message and unwraps it through every hop,
// returning the terminal server payload.
func (c *Circuit) ReadPacket() ([]byte, error) {
	msg, err := c.reader.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("clientcircuit: read packet: %w: %v", protoerr.ErrTransport, err)
	}

	encryptors := make([]*torcrypto.Encryptor, len(c.hops))
	for i, h := range c.hops {
		encryptors[i] = h.Encryptor
	}
	inner, err := onion.UnwrapLayers(encryptors, msg)
	if err != nil {
		return nil, fmt.Errorf("clientcircuit: unwrap packet: %w", err)
	}
	if inner.Kind != wire.KindNotForYou {
		return nil, fmt.Errorf("clientcircuit: %w: expected server payload, got kind %d", protoerr.ErrProtocol, inner.Kind)
	}
	return inner.Data, nil
}

// Write implements io.Writer by sending p as a single onion packet. It
// never splits p across more than one circuit message.
func (c *Circuit) Write(p []byte) (int, error) {
	if err := c.WritePacket(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read implements io.Reader, buffering leftover bytes from a packet larger
// than the caller's buffer across calls.
func (c *Circuit) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		data, err := c.ReadPacket()
		if err != nil {
			return 0, err
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Close tears down the underlying TCP connection. The circuit cannot be
// reused afterward.
func (c *Circuit) Close() error {
	return c.conn.Close()
}
