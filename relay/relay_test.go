package relay

import (
	"bytes"
	"errors"
	"testing"

	"github.com/riftveil/onionmesh/protoerr"
	"github.com/riftveil/onionmesh/torcrypto"
	"github.com/riftveil/onionmesh/wire"
)

func TestHandshakeEstablishesEncryptor(t *testing.T) {
	client, err := torcrypto.NewKeypair()
	if err != nil {
		t.Fatalf("new keypair: %v", err)
	}

	var m Manager
	result, err := m.HandleForward(wire.Handshake(client.PublicBytes()))
	if err != nil {
		t.Fatalf("handle forward: %v", err)
	}
	if result.Forward != nil {
		t.Fatalf("expected no forward directive for handshake, got %+v", result.Forward)
	}
	if result.Backward == nil || result.Backward.Kind != wire.KindHandshake {
		t.Fatalf("expected backward handshake reply, got %+v", result.Backward)
	}

	if _, err := client.Handshake(result.Backward.Pubkey); err != nil {
		t.Fatalf("client-side handshake: %v", err)
	}

	// Successor is not yet known, so a NotForYou at this point is a
	// protocol violation, not a relay.
	if _, err := m.HandleForward(wire.NotForYou([]byte("too early"))); err == nil {
		t.Fatal("expected error relaying before successor is known")
	}
}

func TestDuplicateHandshakeFails(t *testing.T) {
	kp, _ := torcrypto.NewKeypair()
	var m Manager
	if _, err := m.HandleForward(wire.Handshake(kp.PublicBytes())); err != nil {
		t.Fatalf("first handshake: %v", err)
	}

	kp2, _ := torcrypto.NewKeypair()
	_, err := m.HandleForward(wire.Handshake(kp2.PublicBytes()))
	if err == nil {
		t.Fatal("expected error on duplicate handshake")
	}
	if !errors.Is(err, protoerr.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestNotHandshakenRejectsEarlyMessages(t *testing.T) {
	var m Manager
	if _, err := m.HandleForward(wire.NotForYou([]byte("x"))); err == nil {
		t.Fatal("expected error for NotForYou before handshake")
	}
	if _, err := m.HandleForward(wire.NextNodeMsg([]byte("x"))); err == nil {
		t.Fatal("expected error for NextNode before handshake")
	}
}

func setupHandshakenManager(t *testing.T) (*Manager, *torcrypto.Encryptor) {
	t.Helper()
	client, err := torcrypto.NewKeypair()
	if err != nil {
		t.Fatalf("new keypair: %v", err)
	}
	var m Manager
	result, err := m.HandleForward(wire.Handshake(client.PublicBytes()))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	clientEnc, err := client.Handshake(result.Backward.Pubkey)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	return &m, clientEnc
}

func TestNextNodeEstablishesSuccessorAndConnectTo(t *testing.T) {
	m, clientEnc := setupHandshakenManager(t)

	next := wire.NodeNext("10.0.0.2:9001")
	nextBytes, err := next.Encode()
	if err != nil {
		t.Fatalf("encode next: %v", err)
	}
	cipher, err := clientEnc.Encrypt(nextBytes)
	if err != nil {
		t.Fatalf("encrypt next: %v", err)
	}

	result, err := m.HandleForward(wire.NextNodeMsg(cipher))
	if err != nil {
		t.Fatalf("handle forward next-node: %v", err)
	}
	if result.Backward != nil {
		t.Fatalf("expected no backward reply for next-node, got %+v", result.Backward)
	}
	if result.Forward == nil || result.Forward.Kind != KindConnectTo {
		t.Fatalf("expected ConnectTo directive, got %+v", result.Forward)
	}
	if result.Forward.ConnectTo != next {
		t.Fatalf("connect-to mismatch: got %+v, want %+v", result.Forward.ConnectTo, next)
	}
	if !m.HasSuccessor() {
		t.Fatal("expected HasSuccessor true after next-node")
	}
}

func TestSecondNextNodeFails(t *testing.T) {
	m, clientEnc := setupHandshakenManager(t)
	next := wire.NodeNext("10.0.0.2:9001")
	nextBytes, _ := next.Encode()
	cipher, _ := clientEnc.Encrypt(nextBytes)
	if _, err := m.HandleForward(wire.NextNodeMsg(cipher)); err != nil {
		t.Fatalf("first next-node: %v", err)
	}
	cipher2, _ := clientEnc.Encrypt(nextBytes)
	if _, err := m.HandleForward(wire.NextNodeMsg(cipher2)); err == nil {
		t.Fatal("expected error on second next-node")
	}
}

func TestRelayForwardToServerSuccessor(t *testing.T) {
	m, clientEnc := setupHandshakenManager(t)
	next := wire.ServerNext("192.168.1.1:80")
	nextBytes, _ := next.Encode()
	cipher, _ := clientEnc.Encrypt(nextBytes)
	if _, err := m.HandleForward(wire.NextNodeMsg(cipher)); err != nil {
		t.Fatalf("next-node: %v", err)
	}

	payload := []byte("http request bytes")
	payloadCipher, err := clientEnc.Encrypt(payload)
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}
	result, err := m.HandleForward(wire.NotForYou(payloadCipher))
	if err != nil {
		t.Fatalf("relay not-for-you: %v", err)
	}
	if result.Forward == nil || result.Forward.Kind != KindServerMessage {
		t.Fatalf("expected ServerMessage, got %+v", result.Forward)
	}
	if !bytes.Equal(result.Forward.ServerData, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", result.Forward.ServerData, payload)
	}
}

func TestRelayForwardToNodeSuccessor(t *testing.T) {
	m, clientEnc := setupHandshakenManager(t)
	next := wire.NodeNext("10.0.0.2:9001")
	nextBytes, _ := next.Encode()
	cipher, _ := clientEnc.Encrypt(nextBytes)
	if _, err := m.HandleForward(wire.NextNodeMsg(cipher)); err != nil {
		t.Fatalf("next-node: %v", err)
	}

	inner := wire.NotForYou([]byte("deeper onion layer"))
	innerCipher, err := clientEnc.Encrypt(inner.Encode())
	if err != nil {
		t.Fatalf("encrypt inner: %v", err)
	}
	result, err := m.HandleForward(wire.NotForYou(innerCipher))
	if err != nil {
		t.Fatalf("relay not-for-you: %v", err)
	}
	if result.Forward == nil || result.Forward.Kind != KindTorMessage {
		t.Fatalf("expected TorMessage directive, got %+v", result.Forward)
	}
	if !bytes.Equal(result.Forward.TorMsg.Data, inner.Data) {
		t.Fatalf("inner payload mismatch: got %q, want %q", result.Forward.TorMsg.Data, inner.Data)
	}
}

func TestRelayNotForYouBeforeSuccessorFails(t *testing.T) {
	m, clientEnc := setupHandshakenManager(t)
	cipher, _ := clientEnc.Encrypt([]byte("premature"))
	if _, err := m.HandleForward(wire.NotForYou(cipher)); err == nil {
		t.Fatal("expected error for NotForYou before next-node")
	}
}

func TestHandleBackwardWrapsOneLayer(t *testing.T) {
	m, clientEnc := setupHandshakenManager(t)
	inner := wire.NotForYou([]byte("response from deeper hop"))

	wrapped, err := m.HandleBackward(inner)
	if err != nil {
		t.Fatalf("handle backward: %v", err)
	}
	if wrapped.Kind != wire.KindNotForYou {
		t.Fatalf("expected wrapped kind NotForYou, got %v", wrapped.Kind)
	}

	plain, err := clientEnc.Decrypt(wrapped.Data)
	if err != nil {
		t.Fatalf("client decrypt: %v", err)
	}
	got, err := wire.DecodeTorMessage(plain)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Data, inner.Data) {
		t.Fatalf("mismatch: got %q, want %q", got.Data, inner.Data)
	}
}

func TestHandleBackwardBeforeHandshakeFails(t *testing.T) {
	var m Manager
	if _, err := m.HandleBackward(wire.NotForYou([]byte("x"))); err == nil {
		t.Fatal("expected error handling backward message before handshake")
	}
}
