// Package torcrypto implements the per-hop key agreement and authenticated
// encryption used to build and carry traffic over an onion circuit.
package torcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/riftveil/onionmesh/protoerr"
)

// KeyLen is the size in bytes of a public key and a shared secret.
const KeyLen = 32

const nonceLen = 12

// Keypair is an ephemeral X25519 private/public keypair. It is consumed
// exactly once by Handshake.
type Keypair struct {
	priv [KeyLen]byte
	pub  [KeyLen]byte
	used bool
}

// NewKeypair generates a fresh ephemeral keypair from the system CSPRNG.
func NewKeypair() (*Keypair, error) {
	var priv [KeyLen]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute public key: %w", err)
	}

	kp := &Keypair{priv: priv}
	copy(kp.pub[:], pub)
	return kp, nil
}

// PublicBytes returns the 32-byte public key to send to the peer.
func (kp *Keypair) PublicBytes() [KeyLen]byte {
	return kp.pub
}

// Handshake consumes the keypair, performs a Diffie-Hellman exchange with
// otherPublic, and derives an Encryptor from the shared secret. A keypair
// must be used exactly once; calling Handshake twice returns an error.
func (kp *Keypair) Handshake(otherPublic [KeyLen]byte) (*Encryptor, error) {
	if kp.used {
		return nil, fmt.Errorf("torcrypto: keypair already used for a handshake")
	}
	kp.used = true
	defer clear(kp.priv[:])

	shared, err := curve25519.X25519(kp.priv[:], otherPublic[:])
	if err != nil {
		return nil, fmt.Errorf("torcrypto: diffie-hellman: %w: %v", protoerr.ErrCrypto, err)
	}

	return newEncryptor(shared)
}

// FromPublic is a convenience combining keypair generation and handshake:
// it generates a fresh ephemeral keypair, performs the DH exchange against
// otherPublic, and returns the resulting Encryptor along with the local
// public key bytes that must be sent back to the peer.
func FromPublic(otherPublic [KeyLen]byte) (enc *Encryptor, myPublic [KeyLen]byte, err error) {
	kp, err := NewKeypair()
	if err != nil {
		return nil, myPublic, err
	}
	myPublic = kp.PublicBytes()

	enc, err = kp.Handshake(otherPublic)
	if err != nil {
		return nil, myPublic, err
	}
	return enc, myPublic, nil
}

// Encryptor holds one AES-256-GCM key derived from a single DH exchange. It
// is immutable after construction and safe to share by value across
// goroutines, since all of its operations are read-only with respect to the
// key material.
type Encryptor struct {
	aead cipher.AEAD
}

func newEncryptor(sharedSecret []byte) (*Encryptor, error) {
	key := sha256.Sum256(sharedSecret)
	defer clear(key[:])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext under a freshly drawn random nonce and returns
// nonce ‖ ciphertext‖tag.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// ErrInvalidCipher is returned by Decrypt when the input is too short to
// contain a nonce, or when AEAD authentication fails. It wraps
// protoerr.ErrCrypto.
var ErrInvalidCipher = fmt.Errorf("torcrypto: invalid ciphertext: %w", protoerr.ErrCrypto)

// Decrypt opens a blob produced by Encrypt. It fails with ErrInvalidCipher
// if the input is shorter than the nonce or the authentication tag does not
// verify.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, ErrInvalidCipher
	}
	nonce, sealed := ciphertext[:nonceLen], ciphertext[nonceLen:]
	plain, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCipher
	}
	return plain, nil
}
