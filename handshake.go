package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"net"

	"github.com/depot-sh/depot/crypto"
	"github.com/depot-sh/depot/protocol"
)

// clientHello is the first handshake message. The marshalled bytes are bound
// into the transcript verbatim.
type clientHello struct {
	Version    int      `json:"version"`
	Ciphers    []string `json:"ciphers"`
	PSK        bool     `json:"psk"`
	ClientAuth bool     `json:"clientAuth"`
	Features   []string `json:"features"`
}

// serverHello answers with the selected cipher and the server's policy bits.
type serverHello struct {
	Version           int      `json:"version"`
	Cipher            string   `json:"cipher"`
	RequirePSK        bool     `json:"requirePsk"`
	RequireClientAuth bool     `json:"requireClientAuth"`
	Features          []string `json:"features"`
	Sandbox           bool     `json:"sandbox"`
}

func hasFeature(features []string, name string) bool {
	for _, f := range features {
		if f == name {
			return true
		}
	}
	return false
}

func hasCipher(ciphers []string, name string) bool {
	for _, c := range ciphers {
		if c == name {
			return true
		}
	}
	return false
}

// sendHsError reports a handshake failure to the peer before closing. Best
// effort: the peer may already be gone.
func sendHsError(conn net.Conn, code protocol.ErrorCode) {
	_ = protocol.WriteFrame(conn, protocol.TypeHsError, []byte{byte(code)})
}

// readHsFrame reads one handshake frame of the expected type, surfacing a
// peer-reported ERROR frame as the typed error it carries.
func readHsFrame(conn net.Conn, want byte) ([]byte, error) {
	typ, payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if typ == protocol.TypeHsError {
		return nil, &protocol.Error{Code: protocol.DecodeErrorCode(payload)}
	}
	if typ != want {
		return nil, &protocol.Error{Code: protocol.EcProtocol}
	}
	return payload, nil
}

// handshakeTranscript assembles the digest every session key binds to:
// version ‖ server_hello ‖ client_hello ‖ server_sign_pk ‖ kyber_pk ‖
// envelope ‖ c2s_prefix ‖ s2c_prefix ‖ [psk].
func handshakeTranscript(serverHelloBytes, clientHelloBytes, serverSignPK, kyberPK, envelope, c2sPrefix, s2cPrefix, psk []byte) []byte {
	var t crypto.Transcript
	t.Append([]byte{protocolVersion})
	t.Append(serverHelloBytes)
	t.Append(clientHelloBytes)
	t.Append(serverSignPK)
	t.Append(kyberPK)
	t.Append(envelope)
	t.Append(c2sPrefix)
	t.Append(s2cPrefix)
	if len(psk) > 0 {
		t.Append(psk)
	}
	return t.Digest()
}

// performClientHandshake dials the protocol from the client side: hello
// exchange, server identity pinning, KEM, optional client authentication, and
// the session key schedule.
func performClientHandshake(conn net.Conn, cfg *clientConfig, store *identityStore) (*Session, error) {
	hello := clientHello{
		Version:    protocolVersion,
		Ciphers:    []string{cipherKyberXChaCha},
		PSK:        len(cfg.PSK) > 0,
		ClientAuth: true,
		Features:   []string{featureDlAckV1},
	}
	helloBytes, err := json.Marshal(hello)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(conn, protocol.TypeClientHello, helloBytes); err != nil {
		return nil, err
	}

	srvHelloBytes, err := readHsFrame(conn, protocol.TypeServerHello)
	if err != nil {
		return nil, err
	}
	var srvHello serverHello
	if err := json.Unmarshal(srvHelloBytes, &srvHello); err != nil {
		return nil, &protocol.Error{Code: protocol.EcProtocol, Cause: err}
	}
	if srvHello.Version != protocolVersion || srvHello.Cipher != cipherKyberXChaCha ||
		!hasFeature(srvHello.Features, featureDlAckV1) {
		sendHsError(conn, protocol.EcCompat)
		return nil, &protocol.Error{Code: protocol.EcCompat}
	}
	if srvHello.RequirePSK && len(cfg.PSK) == 0 {
		sendHsError(conn, protocol.EcAuth)
		return nil, &protocol.Error{Code: protocol.EcAuth}
	}

	// SERVER_ID: pin on first use, byte-equality ever after.
	serverPK, err := readHsFrame(conn, protocol.TypeServerID)
	if err != nil {
		return nil, err
	}
	if len(serverPK) != crypto.SignPublicKeySize {
		sendHsError(conn, protocol.EcProtocol)
		return nil, &protocol.Error{Code: protocol.EcProtocol}
	}
	pinned, havePin, err := store.pinnedServerKey(cfg.RemoteID)
	if err != nil {
		return nil, err
	}
	if havePin {
		if !bytes.Equal(pinned, serverPK) {
			sendHsError(conn, protocol.EcAuth)
			return nil, &protocol.Error{Code: protocol.EcAuth, Path: cfg.RemoteID}
		}
	} else if err := store.pinServerKey(cfg.RemoteID, serverPK); err != nil {
		return nil, err
	}

	// KEM_PK: Kyber public key signed by the server identity.
	kemPayload, err := readHsFrame(conn, protocol.TypeKemPK)
	if err != nil {
		return nil, err
	}
	if len(kemPayload) != crypto.KemPublicKeySize+crypto.SignatureSize {
		sendHsError(conn, protocol.EcProtocol)
		return nil, &protocol.Error{Code: protocol.EcProtocol}
	}
	kyberPK := kemPayload[:crypto.KemPublicKeySize]
	kemSig := kemPayload[crypto.KemPublicKeySize:]
	if !crypto.Verify(serverPK, kyberPK, kemSig) {
		sendHsError(conn, protocol.EcAuth)
		return nil, &protocol.Error{Code: protocol.EcAuth}
	}

	// KEM_ENV: encapsulation plus the client-chosen nonce prefixes.
	envelope, shared, err := crypto.Encapsulate(kyberPK)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.EcProtocol, Cause: err}
	}
	c2sPrefix := make([]byte, crypto.PrefixSize)
	s2cPrefix := make([]byte, crypto.PrefixSize)
	if _, err := rand.Read(c2sPrefix); err != nil {
		return nil, err
	}
	if _, err := rand.Read(s2cPrefix); err != nil {
		return nil, err
	}
	env := make([]byte, 0, len(envelope)+2*crypto.PrefixSize)
	env = append(env, envelope...)
	env = append(env, c2sPrefix...)
	env = append(env, s2cPrefix...)
	if err := protocol.WriteFrame(conn, protocol.TypeKemEnv, env); err != nil {
		return nil, err
	}

	var psk []byte
	if hello.PSK && srvHello.RequirePSK {
		psk = []byte(cfg.PSK)
	}
	transcript := handshakeTranscript(srvHelloBytes, helloBytes, serverPK, kyberPK, envelope, c2sPrefix, s2cPrefix, psk)

	if srvHello.RequireClientAuth {
		id, err := store.clientIdentity()
		if err != nil {
			sendHsError(conn, protocol.EcConfig)
			return nil, err
		}
		sig, err := crypto.Sign(id.Private, transcript)
		if err != nil {
			return nil, err
		}
		auth := make([]byte, 0, len(id.Public)+len(sig))
		auth = append(auth, id.Public...)
		auth = append(auth, sig...)
		if err := protocol.WriteFrame(conn, protocol.TypeClientAuth, auth); err != nil {
			return nil, err
		}
	}

	keys := crypto.DeriveSessionKeys(shared, transcript, c2sPrefix, s2cPrefix)
	session, err := newSession(conn, keys, true, cfg.RekeyInterval, cfg.IOTimeout)
	if err != nil {
		return nil, err
	}
	session.serverSandboxed = srvHello.Sandbox
	session.features[featureDlAckV1] = true
	return session, nil
}

// performServerHandshake answers the client handshake: policy checks, lazy
// identity initialization, the KEM challenge, and optional client
// authentication against the allowlist.
func performServerHandshake(conn net.Conn, srv *server) (*Session, error) {
	helloBytes, err := readHsFrame(conn, protocol.TypeClientHello)
	if err != nil {
		return nil, err
	}
	var hello clientHello
	if err := json.Unmarshal(helloBytes, &hello); err != nil {
		sendHsError(conn, protocol.EcProtocol)
		return nil, &protocol.Error{Code: protocol.EcProtocol, Cause: err}
	}
	if hello.Version != protocolVersion || !hasCipher(hello.Ciphers, cipherKyberXChaCha) ||
		!hasFeature(hello.Features, featureDlAckV1) {
		sendHsError(conn, protocol.EcCompat)
		return nil, &protocol.Error{Code: protocol.EcCompat}
	}
	if srv.cfg.RequirePSK && !hello.PSK {
		sendHsError(conn, protocol.EcAuth)
		return nil, &protocol.Error{Code: protocol.EcAuth}
	}
	if srv.cfg.RequireClientAuth && !hello.ClientAuth {
		sendHsError(conn, protocol.EcAuth)
		return nil, &protocol.Error{Code: protocol.EcAuth}
	}

	srvHello := serverHello{
		Version:           protocolVersion,
		Cipher:            cipherKyberXChaCha,
		RequirePSK:        srv.cfg.RequirePSK,
		RequireClientAuth: srv.cfg.RequireClientAuth,
		Features:          []string{featureDlAckV1},
		Sandbox:           srv.cfg.Sandbox,
	}
	srvHelloBytes, err := json.Marshal(srvHello)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(conn, protocol.TypeServerHello, srvHelloBytes); err != nil {
		return nil, err
	}

	identity, err := srv.identity()
	if err != nil {
		sendHsError(conn, protocol.EcConfig)
		return nil, err
	}
	if err := protocol.WriteFrame(conn, protocol.TypeServerID, identity.Public); err != nil {
		return nil, err
	}

	kem, err := crypto.GenerateKemKeypair()
	if err != nil {
		return nil, err
	}
	kemSig, err := crypto.Sign(identity.Private, kem.Public)
	if err != nil {
		return nil, err
	}
	kemMsg := make([]byte, 0, len(kem.Public)+len(kemSig))
	kemMsg = append(kemMsg, kem.Public...)
	kemMsg = append(kemMsg, kemSig...)
	if err := protocol.WriteFrame(conn, protocol.TypeKemPK, kemMsg); err != nil {
		return nil, err
	}

	envPayload, err := readHsFrame(conn, protocol.TypeKemEnv)
	if err != nil {
		return nil, err
	}
	if len(envPayload) != crypto.KemCiphertextSize+2*crypto.PrefixSize {
		sendHsError(conn, protocol.EcProtocol)
		return nil, &protocol.Error{Code: protocol.EcProtocol}
	}
	envelope := envPayload[:crypto.KemCiphertextSize]
	c2sPrefix := envPayload[crypto.KemCiphertextSize : crypto.KemCiphertextSize+crypto.PrefixSize]
	s2cPrefix := envPayload[crypto.KemCiphertextSize+crypto.PrefixSize:]
	shared, err := crypto.Decapsulate(kem.Private, envelope)
	if err != nil {
		sendHsError(conn, protocol.EcProtocol)
		return nil, &protocol.Error{Code: protocol.EcProtocol, Cause: err}
	}

	var psk []byte
	if hello.PSK && srv.cfg.RequirePSK {
		psk = []byte(srv.cfg.PSK)
	}
	transcript := handshakeTranscript(srvHelloBytes, helloBytes, identity.Public, kem.Public, envelope, c2sPrefix, s2cPrefix, psk)

	if srv.cfg.RequireClientAuth {
		authPayload, err := readHsFrame(conn, protocol.TypeClientAuth)
		if err != nil {
			return nil, err
		}
		if len(authPayload) != crypto.SignPublicKeySize+crypto.SignatureSize {
			sendHsError(conn, protocol.EcProtocol)
			return nil, &protocol.Error{Code: protocol.EcProtocol}
		}
		clientPK := authPayload[:crypto.SignPublicKeySize]
		clientSig := authPayload[crypto.SignPublicKeySize:]
		if !srv.clients.allowed(clientPK) || !crypto.Verify(clientPK, transcript, clientSig) {
			sendHsError(conn, protocol.EcAuth)
			return nil, &protocol.Error{Code: protocol.EcAuth}
		}
	}

	keys := crypto.DeriveSessionKeys(shared, transcript, c2sPrefix, s2cPrefix)
	session, err := newSession(conn, keys, false, srv.cfg.RekeyInterval, srv.cfg.IOTimeout)
	if err != nil {
		return nil, err
	}
	session.serverSandboxed = srv.cfg.Sandbox
	session.features[featureDlAckV1] = true
	return session, nil
}
