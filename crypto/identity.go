package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Dilithium mode3 sizes re-exported so callers never import circl directly.
const (
	SignPublicKeySize  = mode3.PublicKeySize
	SignPrivateKeySize = mode3.PrivateKeySize
	SignatureSize      = mode3.SignatureSize
)

// SignKeypair is a Dilithium identity keypair in packed form.
type SignKeypair struct {
	Public  []byte
	Private []byte
}

// GenerateSignKeypair creates a fresh Dilithium mode3 identity.
func GenerateSignKeypair() (*SignKeypair, error) {
	pk, sk, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var pkBuf [mode3.PublicKeySize]byte
	var skBuf [mode3.PrivateKeySize]byte
	pk.Pack(&pkBuf)
	sk.Pack(&skBuf)
	return &SignKeypair{Public: pkBuf[:], Private: skBuf[:]}, nil
}

// Sign produces a detached Dilithium signature over msg.
func Sign(privateKey, msg []byte) ([]byte, error) {
	if len(privateKey) != mode3.PrivateKeySize {
		return nil, errors.New("crypto: bad signing key length")
	}
	var skBuf [mode3.PrivateKeySize]byte
	copy(skBuf[:], privateKey)
	var sk mode3.PrivateKey
	sk.Unpack(&skBuf)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(&sk, msg, sig)
	return sig, nil
}

// Verify checks a detached Dilithium signature over msg.
func Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != mode3.PublicKeySize || len(sig) != mode3.SignatureSize {
		return false
	}
	var pkBuf [mode3.PublicKeySize]byte
	copy(pkBuf[:], publicKey)
	var pk mode3.PublicKey
	pk.Unpack(&pkBuf)
	return mode3.Verify(&pk, msg, sig)
}
