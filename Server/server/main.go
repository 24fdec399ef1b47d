// Command server runs the development relay: a NIP-01 websocket endpoint
// backed by sqlite.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/relayd"
)

var log = logging.Logger("server")

func main() {
	app := &cli.App{
		Name:  "sealchat-relay",
		Usage: "development Nostr relay for sealchat",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "address to serve websocket clients on",
				Value: ":8080",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory holding the event database",
				Value: "./data",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "certificate file; serves wss:// together with --tls-key",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "private key file for --tls-cert",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	if err := logging.Setup(cctx.String("log-level")); err != nil {
		return err
	}
	dbPath := filepath.Join(cctx.String("data-dir"), "events.db")
	store, err := relayd.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	log.Infof("event store ready: %s", dbPath)

	mux := http.NewServeMux()
	mux.Handle("/", relayd.NewServer(store))
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              cctx.String("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	cert, key := cctx.String("tls-cert"), cctx.String("tls-key")
	if cert != "" && key != "" {
		log.Infof("serving wss on %s", srv.Addr)
		err = srv.ListenAndServeTLS(cert, key)
	} else {
		log.Infof("serving ws on %s", srv.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
