package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/cache"
	"github.com/lengrongfu/tokfetch/pkg/config"
	"github.com/lengrongfu/tokfetch/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app, defaults config.Config) *cobra.Command {
	var fillMisses bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local cache over the hub HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.requireConfig()
			if err != nil {
				return err
			}

			store, err := cache.NewStorage(cfg.Cache.Dir)
			if err != nil {
				return err
			}

			var upstream api.Registry
			if fillMisses {
				reg, typ, err := a.newRegistry(cfg, store, nil)
				if err != nil {
					return err
				}
				if typ != api.CacheRegistry {
					upstream = reg
				}
			}

			srv := server.NewServer(server.Config{
				Host:     cfg.Server.Host,
				Port:     cfg.Server.Port,
				Upstream: upstream,
				Logger:   a.logger,
			}, store)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			a.logger.Info().Msg("shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			return <-errCh
		},
	}

	config.RegisterServerFlags(cmd.Flags(), defaults)
	cmd.Flags().BoolVar(&fillMisses, "fill", false, "Fetch files missing from the cache from the configured registry")

	return cmd
}
