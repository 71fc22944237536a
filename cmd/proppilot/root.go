package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pearcec/proppilot/internal/app"
	"github.com/pearcec/proppilot/internal/config"
)

// cli carries the flags shared by every command.
type cli struct {
	configPath string
	jsonOut    bool

	// newApp builds the App for a command. Tests swap it out.
	newApp func(cmd *cobra.Command, cfg *config.Config, opts ...app.Option) (*app.App, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{newApp: func(cmd *cobra.Command, cfg *config.Config, opts ...app.Option) (*app.App, error) {
		return app.New(cmd.Context(), cfg, opts...)
	}}
	return c.rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "proppilot",
		Short: "Calendar sync and turnover automation for short-term rentals",
		Long: `PropPilot polls each property's booking calendar, keeps a reconciled
record of stays, and drives the work that follows from them:

  - sync        Poll calendar feeds and reconcile bookings
  - scheduler   Run polling, cleaner notices and guest messages on a schedule
  - bookings    List known bookings
  - tasks       List open cleaning tasks
  - messages    List guest messages waiting to be sent
  - enrich      Attach guest details and payouts to a booking
  - migrate     Apply database migrations`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Config file (default "+config.DefaultConfigPath+")")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Output as JSON")

	root.AddCommand(
		newVersionCmd(),
		c.migrateCmd(),
		c.syncCmd(),
		c.schedulerCmd(),
		c.bookingsCmd(),
		c.tasksCmd(),
		c.messagesCmd(),
		c.enrichCmd(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// open loads the configuration and builds an App from it.
func (c *cli) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return c.newApp(cmd, cfg)
}

func (c *cli) printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
