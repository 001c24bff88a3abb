package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

func sweepCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <task>",
		Short: "Run one recovery task now (missed-update-sweep, failed-event-retry, daily-report)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			batch, err := a.scheduler.Tick(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), batch.String())
			for _, e := range batch.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", e.ID, e.Err)
			}
			if n := a.drain(cmd.Context()); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d queued jobs\n", n)
			}
			return nil
		},
	}
}

func reportCmd(load loader) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print webhook event counts for one UTC day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now().UTC().AddDate(0, 0, -1)
			if day != "" {
				parsed, err := time.Parse(time.DateOnly, day)
				if err != nil {
					return eris.Wrapf(err, "parse --day %q", day)
				}
				when = parsed
			}

			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.recovery.DailyReport(cmd.Context(), when)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day to report as YYYY-MM-DD (default yesterday)")
	return cmd
}

func accountCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Per-account maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "full-sync <account-id>",
		Short: "Re-list recent messages and reset the account cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.FullSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.drain(cmd.Context())
			return printJSON(cmd.OutOrStdout(), res)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore-push <account-id>",
		Short: "Switch an escalated account back to push delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.recovery.RestorePush(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s restored to push\n", args[0])
			return nil
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode output")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
