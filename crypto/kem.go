package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

// Kyber-768 sizes re-exported for payload validation.
const (
	KemPublicKeySize  = kyber768.PublicKeySize
	KemPrivateKeySize = kyber768.PrivateKeySize
	KemCiphertextSize = kyber768.CiphertextSize
	KemSharedKeySize  = kyber768.SharedKeySize
)

// KemKeypair is an ephemeral Kyber keypair in packed form. A fresh one is
// generated per handshake; nothing is persisted.
type KemKeypair struct {
	Public  []byte
	Private []byte
}

// GenerateKemKeypair creates a fresh Kyber-768 keypair.
func GenerateKemKeypair() (*KemKeypair, error) {
	pk, sk, err := kyber768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	pkBuf := make([]byte, kyber768.PublicKeySize)
	skBuf := make([]byte, kyber768.PrivateKeySize)
	pk.Pack(pkBuf)
	sk.Pack(skBuf)
	return &KemKeypair{Public: pkBuf, Private: skBuf}, nil
}

// Encapsulate produces a ciphertext envelope for publicKey and the shared
// secret it conveys.
func Encapsulate(publicKey []byte) (envelope, shared []byte, err error) {
	if len(publicKey) != kyber768.PublicKeySize {
		return nil, nil, errors.New("crypto: bad KEM public key length")
	}
	var pk kyber768.PublicKey
	pk.Unpack(publicKey)
	envelope = make([]byte, kyber768.CiphertextSize)
	shared = make([]byte, kyber768.SharedKeySize)
	seed := make([]byte, kyber768.EncapsulationSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, err
	}
	pk.EncapsulateTo(envelope, shared, seed)
	return envelope, shared, nil
}

// Decapsulate recovers the shared secret from an envelope. Kyber decapsulation
// is implicit-rejection: a corrupt envelope yields a garbage secret rather
// than an error, and the handshake fails later at AEAD verification.
func Decapsulate(privateKey, envelope []byte) ([]byte, error) {
	if len(privateKey) != kyber768.PrivateKeySize {
		return nil, errors.New("crypto: bad KEM private key length")
	}
	if len(envelope) != kyber768.CiphertextSize {
		return nil, errors.New("crypto: bad KEM envelope length")
	}
	var sk kyber768.PrivateKey
	sk.Unpack(privateKey)
	shared := make([]byte, kyber768.SharedKeySize)
	sk.DecapsulateTo(shared, envelope)
	return shared, nil
}
