package main

import (
	"fmt"
	"strconv"
	"strings"

	cli "github.com/urfave/cli/v2"

	"github.com/depot-sh/depot/protocol"
)

// remoteTarget is a parsed "<remote-id>@host[:port][/remote-dir]" argument.
type remoteTarget struct {
	remoteID  string
	host      string
	port      int
	remoteDir string
}

// parseRemoteTarget splits the remote specification. The remote directory
// part is only meaningful for send.
func parseRemoteTarget(arg string) (remoteTarget, error) {
	var t remoteTarget
	trimmed := strings.TrimSpace(arg)
	at := strings.Index(trimmed, "@")
	if at <= 0 {
		return t, fmt.Errorf("remote %q must look like id@host[:port]", arg)
	}
	t.remoteID = trimmed[:at]
	rest := trimmed[at+1:]
	if slash := strings.Index(rest, "/"); slash != -1 {
		t.remoteDir = strings.Trim(rest[slash+1:], "/")
		rest = rest[:slash]
	}
	if colon := strings.Index(rest, ":"); colon != -1 {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil || port <= 0 {
			return t, fmt.Errorf("remote %q has an invalid port", arg)
		}
		t.port = port
		rest = rest[:colon]
	}
	t.host = rest
	if t.host == "" {
		return t, fmt.Errorf("remote %q is missing a host", arg)
	}
	return t, nil
}

// buildClientConfig merges the parsed target over the configured defaults.
func buildClientConfig(c *cli.Context, target remoteTarget) (clientConfig, *identityStore, error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return clientConfig{}, nil, err
	}
	cc := cfg.Client
	cc.RemoteID = target.remoteID
	cc.Host = target.host
	if target.port > 0 {
		cc.Port = target.port
	}
	if c.Bool("skip-existing") {
		cc.SkipExisting = true
	}
	if c.Bool("overwrite") {
		cc.Overwrite = true
	}
	store, err := resolveStore(c, cc.ConfigDir)
	if err != nil {
		return clientConfig{}, nil, err
	}
	return cc, store, nil
}

// runSendCommand uploads every local argument to the remote base directory.
func runSendCommand(c *cli.Context) error {
	if c.NArg() < 2 {
		return exitWithExample("send requires at least one local path and a remote target", exampleSend)
	}
	args := c.Args().Slice()
	target, err := parseRemoteTarget(args[len(args)-1])
	if err != nil {
		return exitWithExample(err.Error(), exampleSend)
	}
	cc, store, err := buildClientConfig(c, target)
	if err != nil {
		return err
	}
	cl, err := dialDepot(cc, store)
	if err != nil {
		return err
	}
	defer cl.close()
	if err := cl.sendMany(args[:len(args)-1], target.remoteDir); err != nil {
		return err
	}
	return cl.report()
}

// runRecvCommand downloads each remote path into the local destination.
func runRecvCommand(c *cli.Context) error {
	if c.NArg() < 3 {
		return exitWithExample("recv requires a remote target, remote paths, and a destination", exampleRecv)
	}
	args := c.Args().Slice()
	target, err := parseRemoteTarget(args[0])
	if err != nil {
		return exitWithExample(err.Error(), exampleRecv)
	}
	cc, store, err := buildClientConfig(c, target)
	if err != nil {
		return err
	}
	cl, err := dialDepot(cc, store)
	if err != nil {
		return err
	}
	defer cl.close()
	dest := args[len(args)-1]
	if err := cl.recvMany(args[1:len(args)-1], dest); err != nil {
		return err
	}
	return cl.report()
}

// runListCommand prints a non-recursive remote listing.
func runListCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return exitWithExample("ls requires a remote target", exampleList)
	}
	target, err := parseRemoteTarget(c.Args().First())
	if err != nil {
		return exitWithExample(err.Error(), exampleList)
	}
	remotePath := "."
	if c.NArg() > 1 {
		remotePath = c.Args().Get(1)
	}
	cc, store, err := buildClientConfig(c, target)
	if err != nil {
		return err
	}
	cl, err := dialDepot(cc, store)
	if err != nil {
		return err
	}
	defer cl.close()
	entries, err := cl.list(remotePath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Kind == protocol.EntryDir {
			fmt.Printf("%12s  %s/\n", "-", e.Path)
		} else {
			fmt.Printf("%12d  %s\n", e.Size, e.Path)
		}
	}
	return nil
}

// report summarizes a batch and sets the exit code when anything failed.
func (c *client) report() error {
	t := c.tally
	clientLog.Noticef("done: %d sent, %d received, %d skipped, %d failed", t.sent, t.received, t.skipped, t.failed)
	if t.failed > 0 {
		return cli.Exit(fmt.Sprintf("%d item(s) failed", t.failed), 1)
	}
	return nil
}
