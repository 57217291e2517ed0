package crypto

import (
	"hash"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

// Transcript accumulates handshake messages into the digest every key
// derivation binds to. The order of Append calls is part of the protocol.
type Transcript struct {
	parts [][]byte
}

// Append adds one handshake blob to the transcript.
func (t *Transcript) Append(b []byte) {
	t.parts = append(t.parts, append([]byte(nil), b...))
}

// Digest returns the BLAKE2b-512 digest over the appended blobs.
func (t *Transcript) Digest() []byte {
	h, _ := blake2b.New512(nil)
	for _, p := range t.parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// DirectionKeys is one direction's traffic key and nonce prefix.
type DirectionKeys struct {
	Key    [KeySize]byte
	Prefix [PrefixSize]byte
}

// SessionKeys is the output of the handshake key schedule from the client's
// perspective; the server mirrors the two halves.
type SessionKeys struct {
	ClientToServer DirectionKeys
	ServerToClient DirectionKeys
	TrafficSecret  [TrafficSecretSize]byte
}

// DeriveSessionKeys runs the Argon2id key schedule.
//
// The shared secret and transcript digest are concatenated as the password
// (x/crypto's Argon2id has no associated-data input; folding the transcript
// into the password preserves the binding), the two nonce prefixes form the
// 32-byte salt. The first 32 output bytes key the client→server direction,
// the next 32 the server→client direction; prefixes are the client-chosen
// random values carried in KEM_ENV.
func DeriveSessionKeys(shared, transcript, c2sPrefix, s2cPrefix []byte) *SessionKeys {
	password := make([]byte, 0, len(shared)+len(transcript))
	password = append(password, shared...)
	password = append(password, transcript...)
	salt := make([]byte, 0, len(c2sPrefix)+len(s2cPrefix))
	salt = append(salt, c2sPrefix...)
	salt = append(salt, s2cPrefix...)

	km := argon2.IDKey(password, salt, ArgonTime, ArgonMemory, ArgonThreads, SessionKeyMaterial)

	keys := &SessionKeys{}
	copy(keys.ClientToServer.Key[:], km[:KeySize])
	copy(keys.ServerToClient.Key[:], km[KeySize:])
	copy(keys.ClientToServer.Prefix[:], c2sPrefix)
	copy(keys.ServerToClient.Prefix[:], s2cPrefix)
	keys.TrafficSecret = blake2b.Sum256(km)
	return keys
}

// DeriveRekey expands the traffic secret into the two directional key+prefix
// pairs for a new epoch. Both sides compute it identically from the epoch
// bytes carried in RekeyReq/RekeyAck.
func DeriveRekey(trafficSecret, epochBytes []byte) (c2s, s2c DirectionKeys) {
	c2s = deriveDirection(trafficSecret, LabelClientToServer, epochBytes)
	s2c = deriveDirection(trafficSecret, LabelServerToClient, epochBytes)
	return c2s, s2c
}

func deriveDirection(trafficSecret []byte, label string, epochBytes []byte) DirectionKeys {
	h, _ := blake2b.New384(nil)
	h.Write(trafficSecret)
	h.Write([]byte(label))
	h.Write(epochBytes)
	out := h.Sum(nil)

	var dk DirectionKeys
	copy(dk.Key[:], out[:KeySize])
	copy(dk.Prefix[:], out[KeySize:KeySize+PrefixSize])
	return dk
}

// NewFileDigest returns a fresh BLAKE2b-256 hasher for per-file checksums.
// Hashers are per-file and never reset between files.
func NewFileDigest() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}
