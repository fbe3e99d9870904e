package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"keypanel/backend/internal/app"
	"keypanel/backend/internal/config"
	"keypanel/backend/internal/logging"

	"github.com/spf13/cobra"
)

// cli holds what commands share. The app is built on first use so that
// migrate commands work against a database the app could not start on.
type cli struct {
	loadConfig func() (*config.Config, error)
	cfg        *config.Config
	app        *app.App
	ownsApp    bool
	logger     *slog.Logger
	closeLog   logging.Cleanup
	asJSON     bool
}

func newCLI() *cli {
	return &cli{loadConfig: config.Load}
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "keypanelctl",
		Short:         "Operate the key panel: keys, providers, orders and migrations",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			c.close()
		},
	}
	rootCmd.PersistentFlags().BoolVar(&c.asJSON, "json", false, "Render JSON output")

	rootCmd.AddCommand(
		newKeysCmd(c),
		newProvidersCmd(c),
		newBalancesCmd(c),
		newCatalogCmd(c),
		newOrdersCmd(c),
		newMigrateCmd(c),
	)
	return rootCmd
}

func (c *cli) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	if c.logger == nil {
		logger, cleanup, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		c.logger = logger.With("service", "keypanelctl")
		c.closeLog = cleanup
	}
	a, err := app.New(ctx, cfg, c.logger)
	if err != nil {
		return nil, err
	}
	c.app = a
	c.ownsApp = true
	return a, nil
}

func (c *cli) close() {
	if c.app != nil && c.ownsApp {
		c.app.Close()
		c.app = nil
	}
	if c.closeLog != nil {
		_ = c.closeLog()
		c.closeLog = nil
	}
}

// render prints v as indented JSON with --json, otherwise calls text.
func (c *cli) render(out io.Writer, v interface{}, text func(io.Writer)) error {
	if c.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}
