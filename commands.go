package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"sealchat/internal/keys"
	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/protocol"
)

// connect opens the data dir and unlocks the identity. The log level
// flag wins over the configured one.
func connect(cctx *cli.Context) (*App, error) {
	app := NewApp(cctx.String("data-dir"))
	if err := app.Connect(cctx.String("passphrase")); err != nil {
		return nil, err
	}
	if lvl := cctx.String("log-level"); lvl != "" {
		if err := logging.Setup(lvl); err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printMessage(m protocol.Message) {
	who := "<"
	if m.Mine {
		who = ">"
	}
	peer, err := keys.EncodePublic(m.Peer)
	if err != nil {
		peer = m.Peer
	}
	fmt.Printf("%s %s %s [%s] %s: %s\n",
		time.Unix(m.CreatedAt, 0).Format(time.DateTime), who, shortID(m.ID), m.Status, shortID(peer), m.Content)
}

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "create (or import) the identity and write a default configuration",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "import",
			Usage: "existing secret key, nsec or hex",
		},
		&cli.StringSliceFlag{
			Name:  "relay",
			Usage: "relay to read and write; repeatable",
		},
	},
	Action: func(cctx *cli.Context) error {
		app := NewApp(cctx.String("data-dir"))
		kp, err := app.Init(cctx.String("passphrase"), cctx.String("import"), cctx.StringSlice("relay"))
		if err != nil {
			return err
		}
		fmt.Println("identity created")
		fmt.Println("npub:", kp.Npub)
		fmt.Println("hex: ", kp.Public)
		return nil
	},
}

var pubkeyCmd = &cli.Command{
	Name:      "pubkey",
	Usage:     "print a public key as both npub and hex; without argument, our own",
	ArgsUsage: "[npub|hex]",
	Action: func(cctx *cli.Context) error {
		var pub string
		if cctx.Args().Present() {
			var err error
			if pub, err = keys.NormalizePublic(cctx.Args().First()); err != nil {
				return err
			}
		} else {
			app, err := connect(cctx)
			if err != nil {
				return err
			}
			defer app.Close()
			pub = app.Engine().Identity().Public
		}
		npub, err := keys.EncodePublic(pub)
		if err != nil {
			return err
		}
		fmt.Println("npub:", npub)
		fmt.Println("hex: ", pub)
		return nil
	},
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "send a direct message",
	ArgsUsage: "<npub|hex> <text...>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 2 {
			return xerrors.New("usage: send <npub|hex> <text...>")
		}
		app, err := connect(cctx)
		if err != nil {
			return err
		}
		defer app.Close()

		text := strings.Join(cctx.Args().Slice()[1:], " ")
		res, err := app.SendMessage(cctx.Context, cctx.Args().First(), text)
		if res.Message.ID != "" {
			fmt.Printf("message %s %s (inbox relays %s, acks %d)\n",
				res.Message.ID, res.Message.Status, strings.Join(res.InboxRelays, ", "), res.Recipient.Acks)
		}
		return err
	},
}

var retryCmd = &cli.Command{
	Name:      "retry",
	Usage:     "send a failed message again",
	ArgsUsage: "<message id>",
	Action: func(cctx *cli.Context) error {
		if !cctx.Args().Present() {
			return xerrors.New("usage: retry <message id>")
		}
		app, err := connect(cctx)
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.Engine().Retry(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		fmt.Printf("message %s %s (acks %d)\n", res.Message.ID, res.Message.Status, res.Recipient.Acks)
		return nil
	},
}

var listenCmd = &cli.Command{
	Name:  "listen",
	Usage: "receive messages until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve prometheus metrics on this address",
		},
	},
	Action: func(cctx *cli.Context) error {
		app, err := connect(cctx)
		if err != nil {
			return err
		}
		defer app.Close()

		addr := cctx.String("metrics-addr")
		if addr == "" {
			addr = app.Config().MetricsAddr
		}
		if addr != "" {
			srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("metrics server: %v", err)
				}
			}()
			defer srv.Close() //nolint:errcheck
			log.Infof("metrics on http://%s/metrics", addr)
		}

		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng := app.Engine()
		eng.OnNewMessage = printMessage
		n, err := eng.Listen(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d new messages while away, listening as %s\n", n, eng.Identity().Npub)
		<-ctx.Done()
		return nil
	},
}

var historyCmd = &cli.Command{
	Name:      "history",
	Usage:     "print the stored conversation with a peer",
	ArgsUsage: "<npub|hex>",
	Action: func(cctx *cli.Context) error {
		if !cctx.Args().Present() {
			return xerrors.New("usage: history <npub|hex>")
		}
		app, err := connect(cctx)
		if err != nil {
			return err
		}
		defer app.Close()

		list, err := app.GetHistory(cctx.Args().First())
		if err != nil {
			return err
		}
		for _, m := range list {
			printMessage(m)
		}
		return nil
	},
}

var conversationsCmd = &cli.Command{
	Name:  "conversations",
	Usage: "backfill from relays and list conversations, newest first",
	Action: func(cctx *cli.Context) error {
		app, err := connect(cctx)
		if err != nil {
			return err
		}
		defer app.Close()

		eng := app.Engine()
		if _, err := eng.Listen(cctx.Context); err != nil {
			return err
		}
		eng.StopListening()
		for _, c := range eng.Conversations() {
			peer, _ := keys.EncodePublic(c.Peer)
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content
			}
			fmt.Printf("%s  unread %d  %s\n", peer, c.UnreadCount, last)
		}
		return nil
	},
}

// announceRelays republishes our inbox relay list after an edit.
func announceRelays(cctx *cli.Context, app *App) {
	if len(app.Config().Relays) == 0 {
		fmt.Println("no relays left; nobody can find our inbox")
		return
	}
	res, err := app.Engine().PublishInboxRelays(cctx.Context)
	if err != nil {
		log.Warnf("inbox relay list not announced: %v", err)
		return
	}
	fmt.Printf("inbox relay list announced on %d relays\n", res.Acks)
}

var relaysCmd = &cli.Command{
	Name:  "relays",
	Usage: "relay health, inbox lookup and our own relay set",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "add a relay to our own set and announce it",
			ArgsUsage: "<url>",
			Action: func(cctx *cli.Context) error {
				if !cctx.Args().Present() {
					return xerrors.New("usage: relays add <url>")
				}
				app, err := connect(cctx)
				if err != nil {
					return err
				}
				defer app.Close()

				u, err := app.AddRelay(cctx.Args().First())
				if err != nil {
					return err
				}
				fmt.Println("added", u)
				announceRelays(cctx, app)
				return nil
			},
		},
		{
			Name:      "remove",
			Usage:     "drop a relay from our own set and announce the rest",
			ArgsUsage: "<url>",
			Action: func(cctx *cli.Context) error {
				if !cctx.Args().Present() {
					return xerrors.New("usage: relays remove <url>")
				}
				app, err := connect(cctx)
				if err != nil {
					return err
				}
				defer app.Close()

				u, err := app.RemoveRelay(cctx.Args().First())
				if err != nil {
					return err
				}
				fmt.Println("removed", u)
				announceRelays(cctx, app)
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "check the configured relays and print their health",
			Action: func(cctx *cli.Context) error {
				app, err := connect(cctx)
				if err != nil {
					return err
				}
				defer app.Close()

				// looking up our own inbox list touches every lookup relay once
				ctx, cancel := context.WithTimeout(cctx.Context, app.Config().QueryTimeout.Std())
				defer cancel()
				if _, err := app.Engine().FetchInboxRelays(ctx, app.Engine().Identity().Public); err != nil {
					log.Debugf("own inbox lookup: %v", err)
				}

				for _, r := range app.Registry().List() {
					line := fmt.Sprintf("%-40s %-12s errors %d  publishes %d/%d",
						r.URL, r.Status, r.ErrorCount, r.PublishSuccesses, r.PublishAttempts)
					if !r.CooldownUntil.IsZero() && r.InCooldown(time.Now()) {
						line += "  cooldown until " + r.CooldownUntil.Format(time.TimeOnly)
					}
					if r.LastError != "" {
						line += "  last error: " + r.LastError
					}
					fmt.Println(line)
				}
				return nil
			},
		},
		{
			Name:      "inbox",
			Usage:     "resolve where a key receives direct messages",
			ArgsUsage: "<npub|hex>",
			Action: func(cctx *cli.Context) error {
				if !cctx.Args().Present() {
					return xerrors.New("usage: relays inbox <npub|hex>")
				}
				app, err := connect(cctx)
				if err != nil {
					return err
				}
				defer app.Close()

				urls, err := app.Engine().FetchInboxRelays(cctx.Context, cctx.Args().First())
				if err != nil {
					return err
				}
				for _, u := range urls {
					fmt.Println(u)
				}
				return nil
			},
		},
	},
}

var profileCmd = &cli.Command{
	Name:  "profile",
	Usage: "read or publish kind 0 metadata",
	Subcommands: []*cli.Command{
		{
			Name:      "get",
			Usage:     "fetch a profile; without argument, our own",
			ArgsUsage: "[npub|hex]",
			Action: func(cctx *cli.Context) error {
				app, err := connect(cctx)
				if err != nil {
					return err
				}
				defer app.Close()

				who := app.Engine().Identity().Public
				if cctx.Args().Present() {
					who = cctx.Args().First()
				}
				p, err := app.Engine().FetchProfile(cctx.Context, who)
				if err != nil {
					return err
				}
				fmt.Println("name:   ", p.Label())
				if p.About != "" {
					fmt.Println("about:  ", p.About)
				}
				if p.Nip05 != "" {
					ok, err := app.Engine().VerifyIdentity(cctx.Context, p.Nip05, p.PubKey)
					if err != nil {
						log.Debugf("nip05 %s: %v", p.Nip05, err)
					}
					fmt.Printf("nip05:   %s (verified %t)\n", p.Nip05, ok)
				}
				if p.Picture != "" {
					fmt.Println("picture:", p.Picture)
				}
				return nil
			},
		},
		{
			Name:  "set",
			Usage: "publish our profile",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name"},
				&cli.StringFlag{Name: "display-name"},
				&cli.StringFlag{Name: "about"},
				&cli.StringFlag{Name: "picture"},
				&cli.StringFlag{Name: "nip05"},
				&cli.StringFlag{Name: "lud16"},
			},
			Action: func(cctx *cli.Context) error {
				app, err := connect(cctx)
				if err != nil {
					return err
				}
				defer app.Close()

				res, err := app.Engine().PublishProfile(cctx.Context, protocol.Profile{
					Name:        cctx.String("name"),
					DisplayName: cctx.String("display-name"),
					About:       cctx.String("about"),
					Picture:     cctx.String("picture"),
					Nip05:       cctx.String("nip05"),
					Lud16:       cctx.String("lud16"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("profile published to %d relays\n", res.Acks)
				return nil
			},
		},
	},
}

var contactsCmd = &cli.Command{
	Name:  "contacts",
	Usage: "saved peers",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "save a peer, optionally with a name",
			ArgsUsage: "<npub|hex> [name]",
			Action: func(cctx *cli.Context) error {
				if !cctx.Args().Present() {
					return xerrors.New("usage: contacts add <npub|hex> [name]")
				}
				app, err := connect(cctx)
				if err != nil {
					return err
				}
				defer app.Close()

				peer := strings.TrimPrefix(cctx.Args().First(), "nostr:")
				name := strings.Join(cctx.Args().Tail(), " ")
				pk, err := app.AddContact(peer, name)
				if err != nil {
					return err
				}
				npub, _ := keys.EncodePublic(pk)
				fmt.Println("saved", npub)
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "print saved peers, most recently added first",
			Action: func(cctx *cli.Context) error {
				app, err := connect(cctx)
				if err != nil {
					return err
				}
				defer app.Close()

				list, err := app.Contacts()
				if err != nil {
					return err
				}
				for _, c := range list {
					npub, _ := keys.EncodePublic(c.PubKey)
					fmt.Printf("%s  %-20s added %s\n", npub, c.Name, c.AddedAt.Format(time.DateTime))
				}
				return nil
			},
		},
	},
}

var verifyCmd = &cli.Command{
	Name:      "verify",
	Usage:     "check a NIP-05 identifier against a public key",
	ArgsUsage: "<name@domain> <npub|hex>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("usage: verify <name@domain> <npub|hex>")
		}
		app, err := connect(cctx)
		if err != nil {
			return err
		}
		defer app.Close()

		ok, err := app.Engine().VerifyIdentity(cctx.Context, cctx.Args().Get(0), cctx.Args().Get(1))
		if err != nil {
			return err
		}
		if !ok {
			return xerrors.Errorf("%s does not belong to that key", cctx.Args().Get(0))
		}
		fmt.Println("verified")
		return nil
	},
}

var wipeCmd = &cli.Command{
	Name:  "wipe",
	Usage: "delete all locally stored messages and profiles",
	Action: func(cctx *cli.Context) error {
		app, err := connect(cctx)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.WipeData(); err != nil {
			return err
		}
		fmt.Println("local history wiped")
		return nil
	},
}
