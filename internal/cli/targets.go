package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"calnotify/internal/config"
	"calnotify/internal/storage"
)

func NewTargetsCmd(cfgPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage notification targets",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <address>...",
			Short: "Register delivery targets",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cfgPath(), func(ctx context.Context, _ *config.Config, st storage.Store) error {
					for _, addr := range args {
						if err := st.SaveTarget(ctx, addr); err != nil {
							return err
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Registered %d target(s).\n", len(args))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <address>...",
			Short: "Unregister delivery targets",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cfgPath(), func(ctx context.Context, _ *config.Config, st storage.Store) error {
					for _, addr := range args {
						if err := st.DeleteTarget(ctx, addr); err != nil {
							return err
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %d target(s).\n", len(args))
					return nil
				})
			},
		},
		newTargetsListCmd(cfgPath),
	)
	return cmd
}

func newTargetsListCmd(cfgPath func() string) *cobra.Command {
	var retired bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withStore(cfgPath(), func(ctx context.Context, _ *config.Config, st storage.Store) error {
				if retired {
					list, err := st.Retired(ctx)
					if err != nil {
						return err
					}
					if len(list) == 0 {
						fmt.Fprintln(out, "No retired targets.")
						return nil
					}
					for _, r := range list {
						fmt.Fprintf(out, "%s | retired %s\n", r.Target, r.RetiredAt.Format(time.RFC3339))
					}
					return nil
				}
				targets, err := st.Targets(ctx)
				if err != nil {
					return err
				}
				if len(targets) == 0 {
					fmt.Fprintln(out, "No targets registered.")
					return nil
				}
				for _, t := range targets {
					fmt.Fprintln(out, t)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&retired, "retired", false, "list targets retired after permanent delivery failures")
	return cmd
}
