package main

import (
	"net"
	"os"

	"github.com/awnumar/memguard"
	cli "github.com/urfave/cli/v2"

	"github.com/depot-sh/depot/crypto"
)

// runServerCommand wires config, identity store and listener together.
func runServerCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	sc := cfg.Server
	if v := c.String("listen"); v != "" {
		sc.Listen = v
	}
	if v := c.String("root"); v != "" {
		sc.Root = v
	}
	if c.Bool("no-sandbox") {
		sc.Sandbox = false
	}
	if c.Bool("overwrite") {
		sc.Overwrite = true
	}
	if c.Bool("require-psk") {
		sc.RequirePSK = true
	}
	if c.Bool("require-client-auth") {
		sc.RequireClientAuth = true
	}
	if sc.Root == "" {
		return exitWithExample("server requires a share root (--root or [server] root)", exampleServer)
	}
	if sc.RequirePSK && sc.PSK == "" {
		return exitWithExample("require_psk is set but no psk is configured", exampleServer)
	}

	store, err := resolveStore(c, sc.ConfigDir)
	if err != nil {
		return err
	}
	passphrase := serverPassphrase()
	srv, err := newServer(sc, store, passphrase)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		return err
	}
	return srv.run(ln)
}

// serverPassphrase reads the key passphrase from the environment. Lazy
// identity generation fails with a config error when it is absent.
func serverPassphrase() *memguard.LockedBuffer {
	if v := os.Getenv("DEPOT_PASSPHRASE"); v != "" {
		return memguard.NewBufferFromBytes([]byte(v))
	}
	return nil
}

// runGenKeyCommand pre-generates identities instead of relying on lazy init.
func runGenKeyCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	store, err := resolveStore(c, cfg.Server.ConfigDir)
	if err != nil {
		return err
	}
	if !c.Bool("server") {
		id, err := store.clientIdentity()
		if err != nil {
			return err
		}
		clientLog.Noticef("client identity ready (%d-byte public key) under %s", len(id.Public), store.dir)
		return nil
	}
	passphrase := serverPassphrase()
	if passphrase == nil {
		passphrase, err = crypto.PromptPassword("Enter passphrase for the server secret key: ", true)
		if err != nil {
			return err
		}
	}
	defer passphrase.Destroy()
	id, err := store.serverIdentity(passphrase)
	if err != nil {
		return err
	}
	serverLog.Noticef("server identity ready (%d-byte public key) under %s", len(id.Public), store.dir)
	return nil
}
