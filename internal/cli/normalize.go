package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"calnotify/internal/app"
	"calnotify/internal/schedule"
)

// NewNormalizeCmd shows the recurring descriptor a fire time reduces to and
// when it would next fire.
func NewNormalizeCmd(cfgPath func() string) *cobra.Command {
	var tz string
	cmd := &cobra.Command{
		Use:   "normalize <time>",
		Short: "Show the schedule a fire time normalizes to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := schedule.LoadLocation(tz)
			if err != nil {
				return err
			}
			if tz == "" {
				cfg, err := loadConfig(cfgPath())
				if err != nil {
					return err
				}
				if loc, err = app.Location(cfg); err != nil {
					return err
				}
			}
			t, err := schedule.ParseTime(args[0], loc)
			if err != nil {
				return err
			}
			d := schedule.Normalize(t, loc)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "spec:     %s\n", d.Spec())
			fmt.Fprintf(out, "location: %s\n", loc)
			fmt.Fprintf(out, "next:     %s\n", d.Next(time.Now().In(loc)).Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone (default: scheduler.timezone from config)")
	return cmd
}
