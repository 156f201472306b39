// Package protoerr defines the sentinel error kinds shared across the
// circuit protocol layers. An error raised while building or driving a
// circuit that falls into one of the kinds below wraps the matching sentinel
// with fmt.Errorf's %w verb, so callers can classify it with errors.Is
// without caring which package raised it. Errors outside these kinds, such
// as a failed read from the system random source or a second handshake on
// an already-consumed keypair, carry no sentinel.
package protoerr

import "errors"

var (
	// ErrTransport covers socket read/write failure and EOF mid-frame.
	ErrTransport = errors.New("transport error")

	// ErrDecode covers a malformed frame or binary payload.
	ErrDecode = errors.New("decode error")

	// ErrCrypto covers AEAD authentication failure, too-short ciphertext,
	// or a DH failure.
	ErrCrypto = errors.New("crypto error")

	// ErrProtocol covers a circuit-manager state-machine violation.
	ErrProtocol = errors.New("protocol error")

	// ErrConfig covers caller-supplied configuration mistakes, such as an
	// empty node path handed to the client circuit builder.
	ErrConfig = errors.New("config error")
)
