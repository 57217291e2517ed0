package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	cli "github.com/urfave/cli/v2"
)

const (
	exampleServer = "depot server --root /srv/share"
	exampleSend   = "depot send ./alpha.bin backup@203.0.113.10"
	exampleRecv   = "depot recv backup@203.0.113.10 beta.dat ./downloads"
	exampleList   = "depot ls backup@203.0.113.10 mixdir"
	exampleGenKey = "depot genkey --server"
)

// main dispatches between server mode and the client subcommands.
func main() {
	memguard.CatchInterrupt()
	app := &cli.App{
		Name:  "depot",
		Usage: "Point-to-point secure file transfer with post-quantum authentication",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the INI configuration file"},
			&cli.StringFlag{Name: "config-dir", Usage: "override the identity/trust directory"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Run the depot server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "listen address (default :60006)"},
					&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Usage: "share root directory"},
					&cli.BoolFlag{Name: "no-sandbox", Usage: "disable share-root containment"},
					&cli.BoolFlag{Name: "overwrite", Usage: "allow uploads to replace existing files"},
					&cli.BoolFlag{Name: "require-psk", Usage: "require a pre-shared key"},
					&cli.BoolFlag{Name: "require-client-auth", Usage: "require an allowlisted client identity"},
				},
				Action: runServerCommand,
			},
			{
				Name:      "send",
				Usage:     "Upload files or directories to a depot server",
				ArgsUsage: "<local>... <remote-id>@host[:port][/remote-dir]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "skip-existing", Usage: "count existing remote files as skipped"},
				},
				Action: runSendCommand,
			},
			{
				Name:      "recv",
				Usage:     "Download files or directories from a depot server",
				ArgsUsage: "<remote-id>@host[:port] <remote-path>... <local-dest>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "skip-existing", Usage: "skip files that already exist locally"},
					&cli.BoolFlag{Name: "overwrite", Usage: "replace a local file that appears while it is being received (files that already exist are skipped)"},
				},
				Action: runRecvCommand,
			},
			{
				Name:      "ls",
				Usage:     "List a remote file or the immediate children of a remote directory",
				ArgsUsage: "<remote-id>@host[:port] [remote-path]",
				Action:    runListCommand,
			},
			{
				Name:  "genkey",
				Usage: "Generate an identity keypair",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "server", Usage: "generate the server identity (passphrase-protected)"},
				},
				Action: runGenKeyCommand,
			},
		},
		Before: func(c *cli.Context) error {
			setupLogging(c.Bool("verbose"))
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitWithExample formats an error message with a usage example.
func exitWithExample(message, example string) error {
	return cli.Exit(fmt.Sprintf("%s\nExample: %s", message, example), 1)
}

// resolveStore builds the identity store from flags, config, or platform
// convention, in that order.
func resolveStore(c *cli.Context, configured string) (*identityStore, error) {
	dir := c.String("config-dir")
	if dir == "" {
		dir = configured
	}
	if dir == "" {
		var err error
		dir, err = defaultConfigDir()
		if err != nil {
			return nil, err
		}
	}
	return newIdentityStore(dir), nil
}
