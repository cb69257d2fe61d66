package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/econsim/day-engine/internal/client"
	"github.com/econsim/day-engine/internal/config"
)

func main() {
	cfg := config.LoadCLI()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "classctl",
		Short:        "Administer a classroom economy day engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "day engine base URL")

	root.AddCommand(
		newStatusCmd(&apiBase),
		newRegisterCmd(&apiBase),
		newParticipantsCmd(&apiBase),
		newShowCmd(&apiBase),
		newSubmitCmd(&apiBase),
		newAbsentCmd(&apiBase),
		newSettingsCmd(&apiBase),
		newAdvanceCmd(&apiBase),
		newHistoryCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		explain(err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *client.Client {
	return client.NewClient(strings.TrimSpace(*apiBase))
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newStatusCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current day and market settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := newClient(apiBase).Status(ctx)
			if err != nil {
				return err
			}
			printHeader(fmt.Sprintf("Day %d (%s)", st.Day, st.Phase))
			printSettings(st.Settings)
			return nil
		},
	}
}

func newRegisterCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register <id> [name]",
		Short: "Register a participant",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			l, err := newClient(apiBase).Register(ctx, args[0], name)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Registered %s with balance %s", l.ID, formatMoney(l.Balance)))
			return nil
		},
	}
}

func newParticipantsCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "participants",
		Short: "List participants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			list, err := newClient(apiBase).Participants(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				printWarn("No participants registered.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, accent.Sprint("ID\tNAME\tBALANCE\tLAST SUBMIT\tABSENT"))
			for _, l := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", l.ID, l.Name, formatMoney(l.Balance), l.LastSubmissionDay, l.AbsentToday)
			}
			return tw.Flush()
		},
	}
}

func newShowCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one participant's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			l, err := newClient(apiBase).Participant(ctx, args[0])
			if err != nil {
				return err
			}
			printLedger(l)
			return nil
		},
	}
}

func newSubmitCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:     "submit <id> <asset=weight>...",
		Short:   "Submit today's allocation for a participant",
		Example: "  classctl submit alice stocks=60 bonds=30 cash=10",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := parseAllocation(args[1:])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			l, err := newClient(apiBase).Submit(ctx, args[0], alloc)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Recorded %s for %s on day %d", formatAllocation(l.SubmittedAllocation), l.ID, l.LastSubmissionDay))
			return nil
		},
	}
}

func newAbsentCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "absent <id>",
		Short: "Toggle a participant's absence for today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			l, err := newClient(apiBase).ToggleAbsence(ctx, args[0])
			if err != nil {
				return err
			}
			if l.AbsentToday {
				printWarn(l.ID + " is marked absent today")
			} else {
				printSuccess(l.ID + " is marked present today")
			}
			return nil
		},
	}
}

func newSettingsCmd(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or update market settings",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show market settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			s, err := newClient(apiBase).Settings(ctx)
			if err != nil {
				return err
			}
			printSettings(s)
			return nil
		},
	}

	var stocks, bonds, crypto, realEstate, rent string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set today's returns (percent) and optionally the rent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd client.SettingsUpdate
			for _, f := range []struct {
				name string
				raw  string
				dst  *decimal.Decimal
			}{
				{"stocks", stocks, &upd.StockReturn},
				{"bonds", bonds, &upd.BondReturn},
				{"crypto", crypto, &upd.CryptoReturn},
				{"real-estate", realEstate, &upd.RealEstateReturn},
			} {
				v, err := decimal.NewFromString(f.raw)
				if err != nil {
					return fmt.Errorf("invalid --%s: %w", f.name, err)
				}
				*f.dst = v
			}
			if cmd.Flags().Changed("rent") {
				v, err := decimal.NewFromString(rent)
				if err != nil {
					return fmt.Errorf("invalid --rent: %w", err)
				}
				upd.Rent = &v
			}

			ctx, cancel := withTimeout(cmd)
			defer cancel()
			s, err := newClient(apiBase).UpdateSettings(ctx, upd)
			if err != nil {
				return err
			}
			printSuccess("Market settings updated")
			printSettings(s)
			return nil
		},
	}
	set.Flags().StringVar(&stocks, "stocks", "0", "stock return in percent")
	set.Flags().StringVar(&bonds, "bonds", "0", "bond return in percent")
	set.Flags().StringVar(&crypto, "crypto", "0", "crypto return in percent")
	set.Flags().StringVar(&realEstate, "real-estate", "0", "real estate return in percent")
	set.Flags().StringVar(&rent, "rent", "", "flat daily rent (unchanged when omitted)")

	cmd.AddCommand(get, set)
	return cmd
}

func newAdvanceCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Settle the current day and advance to the next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Settlement is bounded by the server's own timeout.
			res, err := newClient(apiBase).AdvanceDay(cmd.Context())
			if err != nil {
				return err
			}
			msg := fmt.Sprintf("Day %d settled for %d participants, now day %d", res.Day, res.ParticipantsProcessed, res.NextDay)
			if res.Skipped > 0 {
				msg += fmt.Sprintf(" (%d already settled)", res.Skipped)
			}
			printSuccess(msg)
			return nil
		},
	}
}

func newHistoryCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show a participant's settlement records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			records, err := newClient(apiBase).History(ctx, args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				printWarn("No settled days yet.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, accent.Sprint("DAY\tOPENING\tGAIN/LOSS\tRENT\tSALARY\tCLOSING\tABSENT"))
			for _, rec := range records {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%t\n",
					rec.Day,
					formatMoney(rec.InitialBalance),
					colorSigned(rec.GainLoss()),
					formatMoney(rec.RentCharged),
					formatMoney(rec.Salary),
					formatMoney(rec.FinalBalance),
					rec.IsAbsent,
				)
			}
			return tw.Flush()
		},
	}
}
