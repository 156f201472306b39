// Package onion implements layering and un-layering a message across an
// ordered list of circuit hops.
package onion

import (
	"fmt"

	"github.com/riftveil/onionmesh/protoerr"
	"github.com/riftveil/onionmesh/torcrypto"
	"github.com/riftveil/onionmesh/wire"
)

// Hop is one entry of a client-side circuit: the shared encryptor for that
// hop (nil until its handshake completes) and its successor.
type Hop struct {
	Encryptor *torcrypto.Encryptor
	Next      wire.Next
}

// WrapPacket layers payload under every hop's encryptor, innermost first,
// producing the TorMessage the client sends to hops[0]. Every hop must
// already have an established encryptor.
func WrapPacket(hops []Hop, payload []byte) (wire.TorMessage, error) {
	if len(hops) == 0 {
		return wire.TorMessage{}, fmt.Errorf("onion: wrap packet: %w: empty hop list", protoerr.ErrConfig)
	}
	last := hops[len(hops)-1]
	if last.Encryptor == nil {
		return wire.TorMessage{}, fmt.Errorf("onion: wrap packet: %w: terminal hop has no encryptor", protoerr.ErrProtocol)
	}

	innerCipher, err := last.Encryptor.Encrypt(payload)
	if err != nil {
		return wire.TorMessage{}, fmt.Errorf("onion: encrypt payload: %w", err)
	}
	innermost := wire.NotForYou(innerCipher)

	layers := make([]*torcrypto.Encryptor, len(hops)-1)
	for i := 0; i < len(hops)-1; i++ {
		if hops[i].Encryptor == nil {
			return wire.TorMessage{}, fmt.Errorf("onion: wrap packet: %w: hop %d has no encryptor", protoerr.ErrProtocol, i)
		}
		layers[i] = hops[i].Encryptor
	}
	return foldWrap(layers, innermost)
}

// WrapHandshake builds the outermost TorMessage for a Handshake(pubkey)
// directed at the first hop without an established encryptor — the node
// currently being extended to. Only the already-established prefix of hops
// contributes encryption layers.
func WrapHandshake(hops []Hop, pubkey [32]byte) (wire.TorMessage, error) {
	innermost := wire.Handshake(pubkey)

	var layers []*torcrypto.Encryptor
	for _, h := range hops {
		if h.Encryptor == nil {
			break
		}
		layers = append(layers, h.Encryptor)
	}
	return foldWrap(layers, innermost)
}

// WrapConnectTo builds the outermost TorMessage carrying the NextNode
// directive for hop i, encrypted under hop i's own (just-established)
// encryptor and then layered by hops 0..i-1.
func WrapConnectTo(hops []Hop, i int) (wire.TorMessage, error) {
	if i < 0 || i >= len(hops) {
		return wire.TorMessage{}, fmt.Errorf("onion: wrap connect-to: %w: hop index %d out of range", protoerr.ErrConfig, i)
	}
	target := hops[i]
	if target.Encryptor == nil {
		return wire.TorMessage{}, fmt.Errorf("onion: wrap connect-to: %w: hop %d has no encryptor yet", protoerr.ErrProtocol, i)
	}

	nextBytes, err := target.Next.Encode()
	if err != nil {
		return wire.TorMessage{}, fmt.Errorf("onion: encode next: %w", err)
	}
	nextCipher, err := target.Encryptor.Encrypt(nextBytes)
	if err != nil {
		return wire.TorMessage{}, fmt.Errorf("onion: encrypt next: %w", err)
	}
	innermost := wire.NextNodeMsg(nextCipher)

	layers := make([]*torcrypto.Encryptor, i)
	for j := 0; j < i; j++ {
		if hops[j].Encryptor == nil {
			return wire.TorMessage{}, fmt.Errorf("onion: wrap connect-to: %w: hop %d has no encryptor", protoerr.ErrProtocol, j)
		}
		layers[j] = hops[j].Encryptor
	}
	return foldWrap(layers, innermost)
}

// foldWrap encrypts innermost under layers from the last layer to the
// first, each time serializing the previous result and wrapping it in a
// NotForYou message.
func foldWrap(layers []*torcrypto.Encryptor, innermost wire.TorMessage) (wire.TorMessage, error) {
	msg := innermost
	for i := len(layers) - 1; i >= 0; i-- {
		plain := msg.Encode()
		cipher, err := layers[i].Encrypt(plain)
		if err != nil {
			return wire.TorMessage{}, fmt.Errorf("onion: encrypt layer %d: %w", i, err)
		}
		msg = wire.NotForYou(cipher)
	}
	return msg, nil
}

// UnwrapLayers peels one layer per encryptor, in order, from an incoming
// TorMessage. Every intermediate result must be a NotForYou message; the
// final returned value is whatever the innermost layer contained (another
// NotForYou during normal traffic, or a Handshake during circuit build).
func UnwrapLayers(encryptors []*torcrypto.Encryptor, msg wire.TorMessage) (wire.TorMessage, error) {
	current := msg
	for i, enc := range encryptors {
		if current.Kind != wire.KindNotForYou {
			return wire.TorMessage{}, fmt.Errorf("onion: unwrap layer %d: %w: expected NotForYou, got kind %d", i, protoerr.ErrProtocol, current.Kind)
		}
		plain, err := enc.Decrypt(current.Data)
		if err != nil {
			return wire.TorMessage{}, fmt.Errorf("onion: decrypt layer %d: %w", i, err)
		}
		next, err := wire.DecodeTorMessage(plain)
		if err != nil {
			return wire.TorMessage{}, fmt.Errorf("onion: decode layer %d: %w", i, err)
		}
		current = next
	}
	return current, nil
}
