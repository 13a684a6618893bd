package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"calnotify/internal/app"
	"calnotify/internal/config"
	"calnotify/internal/schedule"
	"calnotify/internal/storage"
)

// NewEventsCmd edits the persisted events a running server syncs its
// reminders from.
func NewEventsCmd(cfgPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Manage calendar events",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "put <id> <time> <title>...",
			Short: "Create or update an event",
			Long: "Create or update an event. <time> is RFC3339, 'YYYY-MM-DD HH:MM' in the\n" +
				"configured scheduler timezone, or unix seconds.",
			Args: cobra.MinimumNArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cfgPath(), func(ctx context.Context, cfg *config.Config, st storage.Store) error {
					loc, err := app.Location(cfg)
					if err != nil {
						return err
					}
					startsAt, err := schedule.ParseTime(args[1], loc)
					if err != nil {
						return err
					}
					e := storage.Event{ID: args[0], Title: strings.Join(args[2:], " "), StartsAt: startsAt}
					if err := st.PutEvent(ctx, e); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Saved %s at %s.\n", e.ID, startsAt.Format(time.RFC3339))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete an event",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cfgPath(), func(ctx context.Context, _ *config.Config, st storage.Store) error {
					if err := st.DeleteEvent(ctx, args[0]); err != nil {
						return fmt.Errorf("delete %s: %w", args[0], err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List upcoming events",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				out := cmd.OutOrStdout()
				return withStore(cfgPath(), func(ctx context.Context, cfg *config.Config, st storage.Store) error {
					loc, err := app.Location(cfg)
					if err != nil {
						return err
					}
					events, err := st.UpcomingEvents(ctx, time.Now().Truncate(time.Minute))
					if err != nil {
						return err
					}
					if len(events) == 0 {
						fmt.Fprintln(out, "No upcoming events.")
						return nil
					}
					for _, e := range events {
						fmt.Fprintf(out, "%s | %s | %s\n", e.ID, e.StartsAt.In(loc).Format("2006-01-02 15:04 MST"), e.Title)
					}
					return nil
				})
			},
		},
	)
	return cmd
}
