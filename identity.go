package main

import (
	"bytes"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"syscall"

	"github.com/awnumar/memguard"

	"github.com/depot-sh/depot/crypto"
	"github.com/depot-sh/depot/protocol"
)

// identityStore is the on-disk key and trust material:
//
//	<config>/id/server_dilithium.{pk,sk}   server identity (sk is DPK1)
//	<config>/id/client_dilithium.{pk,sk}   client identity
//	<config>/trust/<remote-id>.pk          pinned server keys (TOFU)
//	<config>/trust/clients/*.pk            allowed client public keys
type identityStore struct {
	dir string
}

func newIdentityStore(dir string) *identityStore {
	return &identityStore{dir: dir}
}

func (st *identityStore) idPath(name string) string    { return filepath.Join(st.dir, "id", name) }
func (st *identityStore) trustPath(name string) string { return filepath.Join(st.dir, "trust", name) }

var remoteIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// writeFileAtomic writes via a temp file and rename so readers never observe
// a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// serverIdentity loads the server keypair, lazily generating and persisting
// it on first use. The secret key is only ever stored inside a DPK1
// envelope; a plaintext secret on disk is rejected, and generation without a
// passphrase fails with ecConfig.
func (st *identityStore) serverIdentity(passphrase *memguard.LockedBuffer) (*crypto.SignKeypair, error) {
	pkPath := st.idPath("server_dilithium.pk")
	skPath := st.idPath("server_dilithium.sk")

	skData, err := os.ReadFile(skPath)
	switch {
	case err == nil:
		if passphrase == nil || passphrase.Size() == 0 {
			return nil, &protocol.Error{Code: protocol.EcConfig, Path: skPath}
		}
		secret, err := crypto.OpenKeyFile(skData, passphrase)
		if err != nil {
			if errors.Is(err, crypto.ErrKeyfileFormat) {
				return nil, &protocol.Error{Code: protocol.EcConfig, Path: skPath, Cause: err}
			}
			return nil, &protocol.Error{Code: protocol.EcAuth, Path: skPath, Cause: err}
		}
		pub, err := os.ReadFile(pkPath)
		if err != nil {
			return nil, protocol.OSError(err, protocol.EcConfig, pkPath)
		}
		return &crypto.SignKeypair{Public: pub, Private: secret}, nil
	case os.IsNotExist(err):
		if passphrase == nil || passphrase.Size() == 0 {
			return nil, &protocol.Error{Code: protocol.EcConfig, Path: skPath}
		}
		keys, err := crypto.GenerateSignKeypair()
		if err != nil {
			return nil, err
		}
		sealed, err := crypto.SealKeyFile(keys.Private, passphrase)
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(skPath, sealed, 0o600); err != nil {
			return nil, protocol.OSError(err, protocol.EcConfig, skPath)
		}
		if err := writeFileAtomic(pkPath, keys.Public, 0o644); err != nil {
			return nil, protocol.OSError(err, protocol.EcConfig, pkPath)
		}
		return keys, nil
	default:
		return nil, protocol.OSError(err, protocol.EcConfig, skPath)
	}
}

// clientIdentity loads the client keypair, generating one on first use.
func (st *identityStore) clientIdentity() (*crypto.SignKeypair, error) {
	pkPath := st.idPath("client_dilithium.pk")
	skPath := st.idPath("client_dilithium.sk")

	priv, err := os.ReadFile(skPath)
	if err == nil {
		pub, err := os.ReadFile(pkPath)
		if err != nil {
			return nil, protocol.OSError(err, protocol.EcConfig, pkPath)
		}
		return &crypto.SignKeypair{Public: pub, Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, protocol.OSError(err, protocol.EcConfig, skPath)
	}
	keys, err := crypto.GenerateSignKeypair()
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(skPath, keys.Private, 0o600); err != nil {
		return nil, protocol.OSError(err, protocol.EcConfig, skPath)
	}
	if err := writeFileAtomic(pkPath, keys.Public, 0o644); err != nil {
		return nil, protocol.OSError(err, protocol.EcConfig, pkPath)
	}
	return keys, nil
}

// pinnedServerKey returns the pinned identity for a remote, if any.
func (st *identityStore) pinnedServerKey(remoteID string) ([]byte, bool, error) {
	if !remoteIDPattern.MatchString(remoteID) {
		return nil, false, &protocol.Error{Code: protocol.EcBadRemote, Path: remoteID}
	}
	data, err := os.ReadFile(st.trustPath(remoteID + ".pk"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, protocol.OSError(err, protocol.EcConfig, remoteID)
	}
	return data, true, nil
}

// pinServerKey records a first-observed server identity (trust on first use).
func (st *identityStore) pinServerKey(remoteID string, pk []byte) error {
	if !remoteIDPattern.MatchString(remoteID) {
		return &protocol.Error{Code: protocol.EcBadRemote, Path: remoteID}
	}
	return writeFileAtomic(st.trustPath(remoteID+".pk"), pk, 0o644)
}

// allowedClientStore holds the allowlist of client public keys behind an
// atomically swappable value so SIGUSR1 can reload it without a lock.
type allowedClientStore struct {
	value atomic.Value // [][]byte
}

func (s *allowedClientStore) get() [][]byte {
	keys, _ := s.value.Load().([][]byte)
	return keys
}

func (s *allowedClientStore) replace(keys [][]byte) {
	s.value.Store(keys)
}

// allowed reports whether pk is byte-equal to any allowlisted key.
func (s *allowedClientStore) allowed(pk []byte) bool {
	for _, k := range s.get() {
		if bytes.Equal(k, pk) {
			return true
		}
	}
	return false
}

// loadAllowedClients reads every *.pk under trust/clients.
func (st *identityStore) loadAllowedClients() ([][]byte, error) {
	dir := st.trustPath("clients")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, protocol.OSError(err, protocol.EcConfig, dir)
	}
	var keys [][]byte
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pk" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, protocol.OSError(err, protocol.EcConfig, e.Name())
		}
		keys = append(keys, data)
	}
	return keys, nil
}

// watchAllowedClientReload re-reads the allowlist on SIGUSR1, as servers
// commonly rotate client keys without restarting.
func watchAllowedClientReload(store *allowedClientStore, st *identityStore) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	for range sigCh {
		keys, err := st.loadAllowedClients()
		if err != nil {
			serverLog.Errorf("client allowlist reload failed: %v", err)
			continue
		}
		store.replace(keys)
		serverLog.Noticef("client allowlist reloaded (%d keys)", len(keys))
	}
}
