package main

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/require"

	"github.com/depot-sh/depot/crypto"
	"github.com/depot-sh/depot/protocol"
)

// testEnv runs one live server on a loopback listener.
type testEnv struct {
	t           *testing.T
	srv         *server
	root        string
	serverStore *identityStore
	clientDir   string
	host        string
	port        int
}

func startTestServer(t *testing.T, mut func(*serverConfig)) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := serverConfig{
		Listen:        "127.0.0.1:0",
		Root:          root,
		Sandbox:       true,
		RekeyInterval: defaultRekeyInterval,
		IOTimeout:     5 * time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	store := newIdentityStore(t.TempDir())
	pass := memguard.NewBufferFromBytes([]byte("test server passphrase"))
	t.Cleanup(pass.Destroy)

	srv, err := newServer(cfg, store, pass)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", cfg.Listen)
	require.NoError(t, err)
	go func() { _ = srv.run(ln) }()
	t.Cleanup(func() { ln.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &testEnv{
		t:           t,
		srv:         srv,
		root:        root,
		serverStore: store,
		clientDir:   t.TempDir(),
		host:        host,
		port:        port,
	}
}

func (env *testEnv) clientCfg(mut func(*clientConfig)) clientConfig {
	cfg := clientConfig{
		RemoteID:      "testsrv",
		Host:          env.host,
		Port:          env.port,
		RekeyInterval: defaultRekeyInterval,
		IOTimeout:     5 * time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	return cfg
}

func (env *testEnv) dial(mut func(*clientConfig)) (*client, error) {
	return dialDepot(env.clientCfg(mut), newIdentityStore(env.clientDir))
}

func (env *testEnv) mustDial(mut func(*clientConfig)) *client {
	env.t.Helper()
	cl, err := env.dial(mut)
	require.NoError(env.t, err)
	env.t.Cleanup(cl.close)
	return cl
}

// rawSession hands the test direct control of the record channel.
func (env *testEnv) rawSession(mut func(*clientConfig)) (*Session, error) {
	cfg := env.clientCfg(mut)
	conn, err := net.Dial("tcp", cfg.Addr())
	if err != nil {
		return nil, err
	}
	sess, err := performClientHandshake(conn, &cfg, newIdentityStore(env.clientDir))
	if err != nil {
		conn.Close()
		return nil, err
	}
	env.t.Cleanup(func() { sess.Close() })
	return sess, nil
}

// TestHandshakeEstablishesSession: a plain handshake yields a sandboxed
// session at epoch zero.
func TestHandshakeEstablishesSession(t *testing.T) {
	env := startTestServer(t, nil)
	cl := env.mustDial(nil)
	require.True(t, cl.session.serverSandboxed)
	require.Equal(t, uint32(0), cl.session.epoch)
	require.True(t, cl.session.features[featureDlAckV1])
}

// TestHandshakePinsOnFirstUse: the first connect writes the pin; the pin
// matches the server's public identity.
func TestHandshakePinsOnFirstUse(t *testing.T) {
	env := startTestServer(t, nil)
	env.mustDial(nil)

	st := newIdentityStore(env.clientDir)
	pinned, have, err := st.pinnedServerKey("testsrv")
	require.NoError(t, err)
	require.True(t, have)

	id, err := env.srv.identity()
	require.NoError(t, err)
	require.Equal(t, id.Public, pinned)
}

// TestHandshakePinMismatchFails: a corrupted pin refuses the server identity
// with ecAuth before any data flows.
func TestHandshakePinMismatchFails(t *testing.T) {
	env := startTestServer(t, nil)
	env.mustDial(nil)

	st := newIdentityStore(env.clientDir)
	bogus := make([]byte, crypto.SignPublicKeySize)
	require.NoError(t, st.pinServerKey("testsrv", bogus))

	_, err := env.dial(nil)
	require.Equal(t, protocol.EcAuth, protocol.CodeOf(err))
}

// TestHandshakePSKRequiredButAbsent fails ecAuth without deriving keys.
func TestHandshakePSKRequiredButAbsent(t *testing.T) {
	env := startTestServer(t, func(cfg *serverConfig) {
		cfg.RequirePSK = true
		cfg.PSK = "s3cret"
	})
	_, err := env.dial(nil)
	require.Equal(t, protocol.EcAuth, protocol.CodeOf(err))
}

// TestHandshakePSKMatch: both sides bind the same PSK and traffic flows.
func TestHandshakePSKMatch(t *testing.T) {
	env := startTestServer(t, func(cfg *serverConfig) {
		cfg.RequirePSK = true
		cfg.PSK = "s3cret"
	})
	cl := env.mustDial(func(cfg *clientConfig) { cfg.PSK = "s3cret" })
	entries, err := cl.list(".")
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestHandshakePSKMismatch: the channel never authenticates when the PSKs
// differ, because the transcripts disagree.
func TestHandshakePSKMismatch(t *testing.T) {
	env := startTestServer(t, func(cfg *serverConfig) {
		cfg.RequirePSK = true
		cfg.PSK = "s3cret"
	})
	cl, err := env.dial(func(cfg *clientConfig) { cfg.PSK = "wrong" })
	require.NoError(t, err) // handshake has no explicit confirmation step
	t.Cleanup(cl.close)
	_, err = cl.list(".")
	require.Error(t, err)
}

// TestClientAuthAllowlisted: an allowlisted client identity authenticates.
func TestClientAuthAllowlisted(t *testing.T) {
	env := startTestServer(t, func(cfg *serverConfig) { cfg.RequireClientAuth = true })

	clientStore := newIdentityStore(env.clientDir)
	id, err := clientStore.clientIdentity()
	require.NoError(t, err)
	require.NoError(t, writeFileAtomic(
		env.serverStore.trustPath(filepath.Join("clients", "tester.pk")), id.Public, 0o644))
	keys, err := env.srv.store.loadAllowedClients()
	require.NoError(t, err)
	env.srv.clients.replace(keys)

	cl := env.mustDial(nil)
	entries, err := cl.list(".")
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestClientAuthRejected: an unknown client key fails ecAuth on first use of
// the channel.
func TestClientAuthRejected(t *testing.T) {
	env := startTestServer(t, func(cfg *serverConfig) { cfg.RequireClientAuth = true })
	cl, err := env.dial(nil)
	require.NoError(t, err)
	t.Cleanup(cl.close)
	_, err = cl.list(".")
	require.Equal(t, protocol.EcAuth, protocol.CodeOf(err))
}

// TestHandshakeLazyServerInit: the server generates its identity during the
// first handshake; nothing exists on disk beforehand.
func TestHandshakeLazyServerInit(t *testing.T) {
	env := startTestServer(t, nil)
	skPath := env.serverStore.idPath("server_dilithium.sk")
	_, err := os.Stat(skPath)
	require.True(t, os.IsNotExist(err))

	env.mustDial(nil)
	_, err = os.Stat(skPath)
	require.NoError(t, err)
}
