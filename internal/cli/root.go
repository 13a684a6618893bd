// Package cli holds the calnotify command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"calnotify/internal/app"
	"calnotify/internal/config"
	"calnotify/internal/storage"
	"calnotify/pkg/logx"
)

const defaultConfigPath = "./config.yaml"

func NewRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "calnotify",
		Short:         "Calendar event reminder scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config file (json or yaml)")

	cfgFn := func() string { return cfgPath }
	cmd.AddCommand(
		NewServeCmd(cfgFn),
		NewTargetsCmd(cfgFn),
		NewEventsCmd(cfgFn),
		NewNormalizeCmd(cfgFn),
	)
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).LoadOrDefault()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// withStore opens the configured store for the duration of fn.
func withStore(path string, fn func(ctx context.Context, cfg *config.Config, st storage.Store) error) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()
	return fn(context.Background(), cfg, st)
}
