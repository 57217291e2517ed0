package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/require"

	"github.com/depot-sh/depot/crypto"
	"github.com/depot-sh/depot/protocol"
)

// TestServerIdentityLazyInit generates and persists the identity on first
// load, with the secret sealed in a DPK1 envelope.
func TestServerIdentityLazyInit(t *testing.T) {
	st := newIdentityStore(t.TempDir())
	pass := memguard.NewBufferFromBytes([]byte("depot test pass"))
	defer pass.Destroy()

	keys, err := st.serverIdentity(pass)
	require.NoError(t, err)
	require.Len(t, keys.Public, crypto.SignPublicKeySize)

	onDisk, err := os.ReadFile(st.idPath("server_dilithium.sk"))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(onDisk, []byte("DPK1")))

	again, err := st.serverIdentity(pass)
	require.NoError(t, err)
	require.Equal(t, keys.Public, again.Public)
	require.Equal(t, keys.Private, again.Private)
}

// TestServerIdentityNeedsPassphrase: lazy init without a passphrase is a
// configuration error.
func TestServerIdentityNeedsPassphrase(t *testing.T) {
	st := newIdentityStore(t.TempDir())
	_, err := st.serverIdentity(nil)
	require.Equal(t, protocol.EcConfig, protocol.CodeOf(err))
}

// TestServerIdentityRejectsPlaintext: an unencrypted secret key on disk is
// refused on load.
func TestServerIdentityRejectsPlaintext(t *testing.T) {
	st := newIdentityStore(t.TempDir())
	keys, err := crypto.GenerateSignKeypair()
	require.NoError(t, err)
	require.NoError(t, writeFileAtomic(st.idPath("server_dilithium.sk"), keys.Private, 0o600))
	require.NoError(t, writeFileAtomic(st.idPath("server_dilithium.pk"), keys.Public, 0o644))

	pass := memguard.NewBufferFromBytes([]byte("pw"))
	defer pass.Destroy()
	_, err = st.serverIdentity(pass)
	require.Equal(t, protocol.EcConfig, protocol.CodeOf(err))
}

// TestClientIdentityStable generates once and reloads the same keypair.
func TestClientIdentityStable(t *testing.T) {
	st := newIdentityStore(t.TempDir())
	a, err := st.clientIdentity()
	require.NoError(t, err)
	b, err := st.clientIdentity()
	require.NoError(t, err)
	require.Equal(t, a.Public, b.Public)
	require.Equal(t, a.Private, b.Private)
}

// TestPinFirstUse: first observation pins; later reads return the same bytes.
func TestPinFirstUse(t *testing.T) {
	st := newIdentityStore(t.TempDir())

	_, have, err := st.pinnedServerKey("backup")
	require.NoError(t, err)
	require.False(t, have)

	pk := bytes.Repeat([]byte{0x5A}, crypto.SignPublicKeySize)
	require.NoError(t, st.pinServerKey("backup", pk))

	got, have, err := st.pinnedServerKey("backup")
	require.NoError(t, err)
	require.True(t, have)
	require.Equal(t, pk, got)

	// No temp residue from the atomic write.
	entries, err := os.ReadDir(filepath.Join(st.dir, "trust"))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}

// TestPinRejectsBadRemoteID keeps hostile remote ids out of the trust dir.
func TestPinRejectsBadRemoteID(t *testing.T) {
	st := newIdentityStore(t.TempDir())
	for _, id := range []string{"", "../evil", "a/b", ".hidden"} {
		_, _, err := st.pinnedServerKey(id)
		require.Equal(t, protocol.EcBadRemote, protocol.CodeOf(err), id)
		require.Equal(t, protocol.EcBadRemote, protocol.CodeOf(st.pinServerKey(id, []byte{1})), id)
	}
}

// TestAllowedClients loads every *.pk and matches byte-equal keys only.
func TestAllowedClients(t *testing.T) {
	st := newIdentityStore(t.TempDir())
	k1 := bytes.Repeat([]byte{1}, 32)
	k2 := bytes.Repeat([]byte{2}, 32)
	require.NoError(t, writeFileAtomic(st.trustPath(filepath.Join("clients", "one.pk")), k1, 0o644))
	require.NoError(t, writeFileAtomic(st.trustPath(filepath.Join("clients", "two.pk")), k2, 0o644))
	require.NoError(t, writeFileAtomic(st.trustPath(filepath.Join("clients", "ignored.txt")), []byte{9}, 0o644))

	keys, err := st.loadAllowedClients()
	require.NoError(t, err)
	require.Len(t, keys, 2)

	store := &allowedClientStore{}
	store.replace(keys)
	require.True(t, store.allowed(k1))
	require.True(t, store.allowed(k2))
	require.False(t, store.allowed(bytes.Repeat([]byte{3}, 32)))
}
