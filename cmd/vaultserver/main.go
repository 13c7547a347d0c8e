package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/credvault/vault-escrow-backend/api/vaulthandler"
	"github.com/credvault/vault-escrow-backend/cmd/flags"
	"github.com/credvault/vault-escrow-backend/emergency"
	"github.com/credvault/vault-escrow-backend/httpserver"
	"github.com/credvault/vault-escrow-backend/notify"
	"github.com/credvault/vault-escrow-backend/rotation"
	"github.com/credvault/vault-escrow-backend/storage"
)

func main() {
	app := &cli.App{
		Name:  "vaultserver",
		Usage: "Serve the credential vault escrow and emergency access API",
		Flags: flags.CommonFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			dbURI := cCtx.String(flags.DatabaseURIFlag.Name)
			store, err := storage.Open(ctx, logger, dbURI)
			if err != nil {
				logger.Error("Failed to open storage", "err", err)
				return err
			}

			coordinator := rotation.New(store, logger)
			machine := emergency.New(store, notify.NewLogNotifier(logger), logger)
			handler := vaulthandler.NewHandler(coordinator, machine, store, logger)

			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
