package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/term"
)

// DPK1 is the on-disk envelope for the server's encrypted secret key:
//
//	magic "DPK1"(4) | plaintext_len u32le(4) | salt(16) | nonce(24) |
//	ciphertext(plaintext_len) | tag(16)
//
// AEAD is XChaCha20-Poly1305 with associated data "DPK1"; the key is
// Argon2id(passphrase, salt, t=2, m=65536 KiB, out=32).
var dpk1Magic = []byte("DPK1")

const (
	dpk1SaltSize  = 16
	dpk1NonceSize = chacha20poly1305.NonceSizeX
	dpk1TagSize   = chacha20poly1305.Overhead
	dpk1Header    = 4 + 4 + dpk1SaltSize + dpk1NonceSize
)

// ErrKeyfileFormat reports a file that is not a DPK1 envelope. Unencrypted
// server secret keys are rejected with it on load.
var ErrKeyfileFormat = errors.New("crypto: server secret key is not a DPK1 envelope")

func dpk1Key(passphrase *memguard.LockedBuffer, salt []byte) []byte {
	return argon2.IDKey(passphrase.Bytes(), salt, ArgonTime, ArgonMemory, ArgonThreads, KeySize)
}

// SealKeyFile wraps a secret key in a fresh DPK1 envelope.
func SealKeyFile(secret []byte, passphrase *memguard.LockedBuffer) ([]byte, error) {
	if passphrase == nil || passphrase.Size() == 0 {
		return nil, errors.New("crypto: empty passphrase not allowed")
	}
	salt := make([]byte, dpk1SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, dpk1NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	key := dpk1Key(passphrase, salt)
	defer memguard.WipeBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, dpk1Header+len(secret)+dpk1TagSize)
	out = append(out, dpk1Magic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(secret)))
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, secret, dpk1Magic), nil
}

// OpenKeyFile decrypts a DPK1 envelope. Anything that is not a well-formed
// envelope is rejected; a wrong passphrase fails at tag verification.
func OpenKeyFile(data []byte, passphrase *memguard.LockedBuffer) ([]byte, error) {
	if len(data) < dpk1Header+dpk1TagSize || !bytes.Equal(data[:4], dpk1Magic) {
		return nil, ErrKeyfileFormat
	}
	plainLen := binary.LittleEndian.Uint32(data[4:8])
	salt := data[8 : 8+dpk1SaltSize]
	nonce := data[8+dpk1SaltSize : dpk1Header]
	box := data[dpk1Header:]
	if uint32(len(box)) != plainLen+dpk1TagSize {
		return nil, ErrKeyfileFormat
	}
	if passphrase == nil || passphrase.Size() == 0 {
		return nil, errors.New("crypto: passphrase required to decrypt secret key")
	}
	key := dpk1Key(passphrase, salt)
	defer memguard.WipeBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, box, dpk1Magic)
	if err != nil {
		return nil, fmt.Errorf("crypto: secret key decryption failed: %w", err)
	}
	return plain, nil
}

// PromptPassword prompts on the controlling terminal, optionally confirming.
// The passphrase lives in a locked buffer for its whole lifetime.
func PromptPassword(prompt string, confirm bool) (*memguard.LockedBuffer, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	buf := memguard.NewBufferFromBytes(pass)
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		again, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			buf.Destroy()
			return nil, err
		}
		match := bytes.Equal(buf.Bytes(), again)
		memguard.WipeBytes(again)
		if !match {
			buf.Destroy()
			return nil, errors.New("crypto: passphrases do not match")
		}
	}
	return buf, nil
}
