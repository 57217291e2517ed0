package main

import "time"

const (
	// Protocol version carried in hellos and bound into the transcript.
	protocolVersion = 1

	// The only negotiable cipher suite.
	cipherKyberXChaCha = "kyber-xchacha20"

	// Download-ack feature; both hellos must carry it.
	featureDlAckV1 = "dlAckV1"

	// Default TCP port.
	defaultPort = 60006

	// Upload/download chunk size.
	fileChunkSize = 1 << 20

	// Target flush size for listing chunks.
	listChunkTarget = 64 * 1024

	// Staging suffix; a destination is visible only after the rename.
	partSuffix = ".part"

	// Receive deadline per record.
	defaultIOTimeout = 120 * time.Second

	// Rekey proposal interval at file boundaries.
	defaultRekeyInterval = 15 * time.Minute
)
