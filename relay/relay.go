// Package relay implements the per-connection node state machine that
// peels and adds onion layers as a circuit is built and used.
package relay

import (
	"fmt"

	"github.com/riftveil/onionmesh/protoerr"
	"github.com/riftveil/onionmesh/torcrypto"
	"github.com/riftveil/onionmesh/wire"
)

// NetworkMessageKind discriminates NetworkMessage, the internal directive a
// Manager hands back to the node pipeline for the forward direction.
type NetworkMessageKind int

const (
	// KindConnectTo asks the pipeline to open the forward socket.
	KindConnectTo NetworkMessageKind = iota
	// KindTorMessage asks the pipeline to frame-write TorMsg to the
	// already-open forward socket.
	KindTorMessage
	// KindServerMessage asks the pipeline to raw-write ServerData to the
	// forward socket (only once the successor is the destination server).
	KindServerMessage
)

// NetworkMessage is internal to a node: it tells the pipeline what to do
// with a message once the circuit manager has peeled it.
type NetworkMessage struct {
	Kind NetworkMessageKind

	ConnectTo  wire.Next
	TorMsg     wire.TorMessage
	ServerData []byte
}

// ForwardResult is the outcome of handling one forward-direction message.
// Exactly one of Backward or Forward is set. A handshake produces an
// immediate Backward reply; every other forward message produces a Forward
// directive for the pipeline.
type ForwardResult struct {
	Backward *wire.TorMessage
	Forward  *NetworkMessage
}

// Manager is the per-connection circuit manager state: an optional
// encryptor (set once a handshake completes) and an optional successor
// (set once a NextNode directive is decrypted). It has no internal
// synchronization; the owning pipeline serializes all calls onto it.
type Manager struct {
	encryptor *torcrypto.Encryptor
	next      *wire.Next
}

// HandleForward advances the state machine on a message that arrived
// traveling toward the server (from the back link): handshake once,
// next-node once after handshake, and NotForYou relayed once both are
// established.
func (m *Manager) HandleForward(msg wire.TorMessage) (ForwardResult, error) {
	switch msg.Kind {
	case wire.KindHandshake:
		if m.encryptor != nil {
			return ForwardResult{}, fmt.Errorf("relay: %w: duplicate handshake", protoerr.ErrProtocol)
		}
		enc, myPub, err := torcrypto.FromPublic(msg.Pubkey)
		if err != nil {
			return ForwardResult{}, fmt.Errorf("relay: handshake: %w", err)
		}
		m.encryptor = enc
		reply := wire.Handshake(myPub)
		return ForwardResult{Backward: &reply}, nil

	case wire.KindNextNode:
		if m.encryptor == nil {
			return ForwardResult{}, fmt.Errorf("relay: %w: next-node before handshake", protoerr.ErrProtocol)
		}
		if m.next != nil {
			return ForwardResult{}, fmt.Errorf("relay: %w: successor already established", protoerr.ErrProtocol)
		}
		plain, err := m.encryptor.Decrypt(msg.Data)
		if err != nil {
			return ForwardResult{}, fmt.Errorf("relay: decrypt next: %w", err)
		}
		next, err := wire.DecodeNext(plain)
		if err != nil {
			return ForwardResult{}, fmt.Errorf("relay: decode next: %w", err)
		}
		m.next = &next
		return ForwardResult{Forward: &NetworkMessage{Kind: KindConnectTo, ConnectTo: next}}, nil

	case wire.KindNotForYou:
		if m.encryptor == nil {
			return ForwardResult{}, fmt.Errorf("relay: %w: not-for-you before handshake", protoerr.ErrProtocol)
		}
		if m.next == nil {
			return ForwardResult{}, fmt.Errorf("relay: %w: not-for-you before successor known", protoerr.ErrProtocol)
		}
		peeled, err := m.encryptor.Decrypt(msg.Data)
		if err != nil {
			return ForwardResult{}, fmt.Errorf("relay: decrypt: %w", err)
		}
		if m.next.IsServer {
			return ForwardResult{Forward: &NetworkMessage{Kind: KindServerMessage, ServerData: peeled}}, nil
		}
		inner, err := wire.DecodeTorMessage(peeled)
		if err != nil {
			return ForwardResult{}, fmt.Errorf("relay: decode inner message: %w", err)
		}
		return ForwardResult{Forward: &NetworkMessage{Kind: KindTorMessage, TorMsg: inner}}, nil

	default:
		return ForwardResult{}, fmt.Errorf("relay: %w: unexpected message kind %d", protoerr.ErrProtocol, msg.Kind)
	}
}

// HandleBackward advances the state machine on a message that arrived
// traveling toward the client (from the forward link), wrapping it one
// layer deeper for the back link.
func (m *Manager) HandleBackward(msg wire.TorMessage) (wire.TorMessage, error) {
	if m.encryptor == nil {
		return wire.TorMessage{}, fmt.Errorf("relay: %w: backward message before handshake", protoerr.ErrProtocol)
	}
	cipher, err := m.encryptor.Encrypt(msg.Encode())
	if err != nil {
		return wire.TorMessage{}, fmt.Errorf("relay: encrypt backward: %w", err)
	}
	return wire.NotForYou(cipher), nil
}

// HasSuccessor reports whether this manager's NextNode directive has
// already been processed, i.e. whether the pipeline should have an open
// forward socket for this connection.
func (m *Manager) HasSuccessor() bool {
	return m.next != nil
}
