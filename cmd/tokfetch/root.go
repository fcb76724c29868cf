package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/cache"
	"github.com/lengrongfu/tokfetch/pkg/config"
	"github.com/lengrongfu/tokfetch/pkg/logging"
	"github.com/lengrongfu/tokfetch/pkg/materialize"
	"github.com/lengrongfu/tokfetch/pkg/registry"
)

// app carries what PersistentPreRunE loaded to the subcommands.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	loaded bool
}

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()
	a := &app{}
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "tokfetch",
		Short: "Fetch a tokenizer bundle from a model hub into a local directory",
		Long: `tokfetch resolves a tokenizer on a Hugging Face compatible hub, caches its
files under the cache directory and writes the bundle to --out.

Without flags it materializes ` + config.DefaultModelID + ` into ./` + config.DefaultOutDir + `.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			logger, err := logging.New(cmd.ErrOrStderr(), loaded.Log.Level, loaded.Log.Format)
			if err != nil {
				return err
			}
			a.cfg, a.logger, a.loaded = loaded, logger, true
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.materialize(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newVerifyCmd(a))
	cmd.AddCommand(newServeCmd(a, defaults))

	return cmd
}

func (a *app) requireConfig() (config.Config, error) {
	if !a.loaded {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return a.cfg, nil
}

// registryType applies --offline on top of the configured backend.
func registryType(cfg config.Config) (api.RegistryType, error) {
	if cfg.Registry.Offline {
		return api.CacheRegistry, nil
	}
	return api.ParseRegistryType(cfg.Registry.Type)
}

func (a *app) newRegistry(cfg config.Config, store *cache.Storage, progress io.Writer) (api.Registry, api.RegistryType, error) {
	typ, err := registryType(cfg)
	if err != nil {
		return nil, 0, err
	}
	reg, err := registry.New(registry.Options{
		Type:     typ,
		Endpoint: cfg.Registry.Endpoint,
		Token:    cfg.Registry.Token,
		Timeout:  cfg.Registry.Timeout,
		Progress: progress,
		Logger:   a.logger,
	}, store)
	if err != nil {
		return nil, 0, err
	}
	return reg, typ, nil
}

func (a *app) materialize(cmd *cobra.Command) error {
	cfg, err := a.requireConfig()
	if err != nil {
		return err
	}

	store, err := cache.NewStorage(cfg.Cache.Dir)
	if err != nil {
		return err
	}

	var progress io.Writer
	if cfg.Fetch.Progress {
		progress = cmd.ErrOrStderr()
	}
	reg, typ, err := a.newRegistry(cfg, store, progress)
	if err != nil {
		return err
	}
	a.logger.Debug().
		Str("registry", typ.String()).
		Str("endpoint", cfg.Registry.Endpoint).
		Str("cache", store.BaseDir()).
		Msg("registry ready")

	fetcher := materialize.NewFetcher(reg, store, materialize.Config{
		Revision:      cfg.Model.Revision,
		Include:       cfg.Fetch.Include,
		Concurrency:   cfg.Fetch.Concurrency,
		Verify:        cfg.Fetch.Verify,
		CacheFallback: typ != api.CacheRegistry,
		Logger:        a.logger,
	})

	res, err := fetcher.Materialize(cmd.Context(), cfg.Model.ID, cfg.Model.OutDir)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s@%s (%s) -> %s: %d files, %d bytes\n",
		res.ModelID, res.Revision, res.SHA, res.Destination, len(res.Files), res.Bytes)
	return err
}
