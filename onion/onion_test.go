package onion

import (
	"bytes"
	"testing"

	"github.com/riftveil/onionmesh/torcrypto"
	"github.com/riftveil/onionmesh/wire"
)

func mustEncryptor(t *testing.T) *torcrypto.Encryptor {
	t.Helper()
	alice, err := torcrypto.NewKeypair()
	if err != nil {
		t.Fatalf("new keypair: %v", err)
	}
	bob, err := torcrypto.NewKeypair()
	if err != nil {
		t.Fatalf("new keypair: %v", err)
	}
	enc, err := alice.Handshake(bob.PublicBytes())
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return enc
}

func buildHops(t *testing.T, n int) []Hop {
	t.Helper()
	hops := make([]Hop, n)
	for i := range hops {
		hops[i] = Hop{Encryptor: mustEncryptor(t), Next: wire.NodeNext("10.0.0.1:9001")}
	}
	return hops
}

func TestWrapPacketUnwrapLayersRoundTrip(t *testing.T) {
	hops := buildHops(t, 3)
	payload := []byte("hello through three hops")

	wrapped, err := WrapPacket(hops, payload)
	if err != nil {
		t.Fatalf("wrap packet: %v", err)
	}

	encryptors := []*torcrypto.Encryptor{hops[0].Encryptor, hops[1].Encryptor, hops[2].Encryptor}
	inner, err := UnwrapLayers(encryptors, wrapped)
	if err != nil {
		t.Fatalf("unwrap layers: %v", err)
	}
	if inner.Kind != wire.KindNotForYou {
		t.Fatalf("expected innermost kind NotForYou, got %v", inner.Kind)
	}
	if !bytes.Equal(inner.Data, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", inner.Data, payload)
	}
}

func TestWrapPacketSingleHop(t *testing.T) {
	hops := buildHops(t, 1)
	payload := []byte("single hop")

	wrapped, err := WrapPacket(hops, payload)
	if err != nil {
		t.Fatalf("wrap packet: %v", err)
	}
	inner, err := UnwrapLayers([]*torcrypto.Encryptor{hops[0].Encryptor}, wrapped)
	if err != nil {
		t.Fatalf("unwrap layers: %v", err)
	}
	if !bytes.Equal(inner.Data, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", inner.Data, payload)
	}
}

func TestWrapPacketEmptyHopsFails(t *testing.T) {
	if _, err := WrapPacket(nil, []byte("x")); err == nil {
		t.Fatal("expected error wrapping with no hops")
	}
}

func TestWrapPacketMissingEncryptorFails(t *testing.T) {
	hops := buildHops(t, 2)
	hops[0].Encryptor = nil
	if _, err := WrapPacket(hops, []byte("x")); err == nil {
		t.Fatal("expected error wrapping with an unestablished hop")
	}
}

func TestWrapHandshakePartialHops(t *testing.T) {
	established := buildHops(t, 2)
	pending := Hop{Next: wire.NodeNext("10.0.0.2:9001")}
	hops := append(established, pending)

	pubkey := [32]byte{9, 9, 9}
	wrapped, err := WrapHandshake(hops, pubkey)
	if err != nil {
		t.Fatalf("wrap handshake: %v", err)
	}

	encryptors := []*torcrypto.Encryptor{hops[0].Encryptor, hops[1].Encryptor}
	inner, err := UnwrapLayers(encryptors, wrapped)
	if err != nil {
		t.Fatalf("unwrap layers: %v", err)
	}
	if inner.Kind != wire.KindHandshake {
		t.Fatalf("expected innermost kind Handshake, got %v", inner.Kind)
	}
	if inner.Pubkey != pubkey {
		t.Fatalf("pubkey mismatch: got %v, want %v", inner.Pubkey, pubkey)
	}
}

func TestWrapHandshakeFirstHop(t *testing.T) {
	pending := Hop{Next: wire.NodeNext("10.0.0.1:9001")}
	pubkey := [32]byte{1, 2, 3}

	wrapped, err := WrapHandshake([]Hop{pending}, pubkey)
	if err != nil {
		t.Fatalf("wrap handshake: %v", err)
	}
	if wrapped.Kind != wire.KindHandshake {
		t.Fatalf("expected unwrapped kind Handshake for first hop, got %v", wrapped.Kind)
	}
	if wrapped.Pubkey != pubkey {
		t.Fatalf("pubkey mismatch: got %v, want %v", wrapped.Pubkey, pubkey)
	}
}

func TestWrapConnectTo(t *testing.T) {
	hops := buildHops(t, 3)
	hops[1].Next = wire.NodeNext("192.168.0.5:9001")

	wrapped, err := WrapConnectTo(hops, 1)
	if err != nil {
		t.Fatalf("wrap connect-to: %v", err)
	}

	encryptors := []*torcrypto.Encryptor{hops[0].Encryptor}
	inner, err := UnwrapLayers(encryptors, wrapped)
	if err != nil {
		t.Fatalf("unwrap layers: %v", err)
	}
	if inner.Kind != wire.KindNextNode {
		t.Fatalf("expected innermost kind NextNode, got %v", inner.Kind)
	}

	plain, err := hops[1].Encryptor.Decrypt(inner.Data)
	if err != nil {
		t.Fatalf("decrypt next: %v", err)
	}
	gotNext, err := wire.DecodeNext(plain)
	if err != nil {
		t.Fatalf("decode next: %v", err)
	}
	if gotNext != hops[1].Next {
		t.Fatalf("next mismatch: got %+v, want %+v", gotNext, hops[1].Next)
	}
}

func TestWrapConnectToFirstHopNoLayers(t *testing.T) {
	hops := buildHops(t, 1)
	wrapped, err := WrapConnectTo(hops, 0)
	if err != nil {
		t.Fatalf("wrap connect-to: %v", err)
	}
	if wrapped.Kind != wire.KindNextNode {
		t.Fatalf("expected kind NextNode for the only hop, got %v", wrapped.Kind)
	}
}

func TestWrapConnectToOutOfRange(t *testing.T) {
	hops := buildHops(t, 2)
	if _, err := WrapConnectTo(hops, 5); err == nil {
		t.Fatal("expected error for out-of-range hop index")
	}
	if _, err := WrapConnectTo(hops, -1); err == nil {
		t.Fatal("expected error for negative hop index")
	}
}

func TestUnwrapLayersWrongKindFails(t *testing.T) {
	enc := mustEncryptor(t)
	// A bare Handshake message was never wrapped in a NotForYou layer.
	msg := wire.Handshake([32]byte{1})
	if _, err := UnwrapLayers([]*torcrypto.Encryptor{enc}, msg); err == nil {
		t.Fatal("expected error unwrapping a non-NotForYou message with a layer present")
	}
}

func TestUnwrapLayersTamperedCiphertextFails(t *testing.T) {
	hops := buildHops(t, 2)
	wrapped, err := WrapPacket(hops, []byte("payload"))
	if err != nil {
		t.Fatalf("wrap packet: %v", err)
	}
	tampered := append([]byte(nil), wrapped.Data...)
	tampered[len(tampered)-1] ^= 0xFF
	wrapped.Data = tampered

	encryptors := []*torcrypto.Encryptor{hops[0].Encryptor, hops[1].Encryptor}
	if _, err := UnwrapLayers(encryptors, wrapped); err == nil {
		t.Fatal("expected error unwrapping tampered ciphertext")
	}
}

func TestUnwrapLayersZeroLayers(t *testing.T) {
	msg := wire.NotForYou([]byte("unwrapped as-is"))
	got, err := UnwrapLayers(nil, msg)
	if err != nil {
		t.Fatalf("unwrap layers: %v", err)
	}
	if !bytes.Equal(got.Data, msg.Data) {
		t.Fatalf("expected passthrough with zero layers, got %+v", got)
	}
}
