package crypto

const (
	// KeySize is the length of one directional traffic key.
	KeySize = 32

	// PrefixSize is the length of one directional nonce prefix.
	PrefixSize = 16

	// SessionKeyMaterial is the Argon2id output split into the two
	// directional keys.
	SessionKeyMaterial = 2 * KeySize

	// TrafficSecretSize is the rekey root secret length.
	TrafficSecretSize = 32

	// Argon2id parameters for the session key schedule and the DPK1
	// envelope. Both sides must agree on all three for identical output.
	ArgonTime    = 2
	ArgonMemory  = 64 * 1024 // KiB
	ArgonThreads = 1

	// Directional labels for rekey derivation.
	LabelClientToServer = "c2s"
	LabelServerToClient = "s2c"
)
