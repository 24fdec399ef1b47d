package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"sealchat/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "sealchat",
		Usage: "end-to-end encrypted direct messages over Nostr relays",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "directory holding the identity, configuration and cache",
				Value:   DefaultDataDir(),
				EnvVars: []string{"SEALCHAT_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "passphrase",
				Usage:   "passphrase protecting the identity",
				EnvVars: []string{"SEALCHAT_PASSPHRASE"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
		},
		Before: func(cctx *cli.Context) error {
			if lvl := cctx.String("log-level"); lvl != "" {
				return logging.Setup(lvl)
			}
			return nil
		},
		Commands: []*cli.Command{
			initCmd,
			pubkeyCmd,
			sendCmd,
			retryCmd,
			listenCmd,
			historyCmd,
			conversationsCmd,
			relaysCmd,
			contactsCmd,
			profileCmd,
			verifyCmd,
			wipeCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
