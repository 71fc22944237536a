package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/email"
	"github.com/pearcec/proppilot/internal/events"
	"github.com/pearcec/proppilot/internal/financial"
	"github.com/pearcec/proppilot/internal/syncer"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := a.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date.")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", name)
			}
			return nil
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [property]",
		Short: "Poll calendar feeds once and reconcile bookings",
		Long: `Fetch each enabled property's calendar feed and reconcile it against the
stored bookings. With a property ID, only that property is synced.

Examples:
  proppilot sync
  proppilot sync cabin`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var outcomes []syncer.Outcome
			if len(args) == 1 {
				p, err := a.Property(args[0])
				if err != nil {
					return err
				}
				res, err := a.Syncer.SyncProperty(cmd.Context(), p)
				outcomes = []syncer.Outcome{{PropertyID: p.ID, Result: res, Err: err}}
			} else {
				outcomes = a.SyncAll(cmd.Context())
			}

			if c.jsonOut {
				if err := c.printJSON(cmd, summarize(outcomes)); err != nil {
					return err
				}
			} else {
				for _, o := range outcomes {
					fmt.Fprintln(cmd.OutOrStdout(), describeOutcome(o))
				}
			}
			return syncer.Failed(outcomes)
		},
	}
}

type outcomeSummary struct {
	Property     string `json:"property"`
	Created      int    `json:"created"`
	DatesChanged int    `json:"dates_changed"`
	Cancelled    int    `json:"cancelled"`
	Missing      int    `json:"missing"`
	Conflicts    int    `json:"conflicts"`
	Error        string `json:"error,omitempty"`
}

func summarize(outcomes []syncer.Outcome) []outcomeSummary {
	out := make([]outcomeSummary, 0, len(outcomes))
	for _, o := range outcomes {
		s := outcomeSummary{
			Property:     o.PropertyID,
			Created:      o.Result.Count(events.BookingCreated),
			DatesChanged: o.Result.Count(events.BookingDatesChanged),
			Cancelled:    o.Result.Count(events.BookingCancelled),
			Missing:      o.Result.Missing,
			Conflicts:    len(o.Result.Conflicts),
		}
		if o.Err != nil {
			s.Error = o.Err.Error()
		}
		out = append(out, s)
	}
	return out
}

func describeOutcome(o syncer.Outcome) string {
	if o.Err != nil {
		return fmt.Sprintf("%s: failed: %v", o.PropertyID, o.Err)
	}
	r := o.Result
	line := fmt.Sprintf("%s: %d created, %d changed, %d cancelled",
		o.PropertyID,
		r.Count(events.BookingCreated),
		r.Count(events.BookingDatesChanged),
		r.Count(events.BookingCancelled))
	if r.Missing > 0 {
		line += fmt.Sprintf(", %d missing", r.Missing)
	}
	if len(r.Conflicts) > 0 {
		line += fmt.Sprintf(", %d skipped", len(r.Conflicts))
	}
	return line
}

func (c *cli) bookingsCmd() *cobra.Command {
	var property string
	var all bool
	cmd := &cobra.Command{
		Use:   "bookings",
		Short: "List bookings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f := booking.Filter{PropertyID: property}
			if !all {
				f.Statuses = booking.ActiveStatuses()
			}
			var list []booking.Booking
			err = a.Store.View(cmd.Context(), func(tx booking.Tx) error {
				var err error
				list, err = tx.ListBookings(cmd.Context(), f)
				return err
			})
			if err != nil {
				return err
			}

			if c.jsonOut {
				return c.printJSON(cmd, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No bookings.")
				return nil
			}
			for _, b := range list {
				guest := b.GuestName
				if guest == "" {
					guest = b.Summary
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %s  %-9s %s\n", b.PropertyID, b.Range, b.Status, guest)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "Only this property")
	cmd.Flags().BoolVar(&all, "all", false, "Include cancelled bookings")
	return cmd
}

func (c *cli) tasksCmd() *cobra.Command {
	var property string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List open cleaning tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var list []booking.CleaningTask
			err = a.Store.View(cmd.Context(), func(tx booking.Tx) error {
				var err error
				list, err = tx.ListTasks(cmd.Context(), booking.TaskFilter{
					PropertyID: property,
					Statuses:   []booking.TaskStatus{booking.TaskPending, booking.TaskNotified},
				})
				return err
			})
			if err != nil {
				return err
			}

			if c.jsonOut {
				return c.printJSON(cmd, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No open cleaning tasks.")
				return nil
			}
			for _, t := range list {
				flag := ""
				if t.IsTurnover {
					flag = " [turnover]"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-12s %-8s%s\n",
					t.ScheduledDate.Format(booking.DateLayout), a.Props.Name(t.PropertyID), t.Status, flag)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "Only this property")
	return cmd
}

func (c *cli) messagesCmd() *cobra.Command {
	var copied int64
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List guest messages waiting to be sent",
		Long: `List queued guest messages. Paste each into the booking platform, then
mark it with --copied <id>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if copied != 0 {
				if err := a.Comms.MarkCopied(cmd.Context(), copied); err != nil {
					return fmt.Errorf("message %d: %w", copied, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Message %d marked copied\n", copied)
				return nil
			}

			list, err := a.Comms.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(cmd, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages waiting.")
				return nil
			}
			for _, m := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "#%d %s (%s, booking %d)\n%s\n\n",
					m.ID, m.Template, a.Props.Name(m.PropertyID), m.BookingID, m.Body)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&copied, "copied", 0, "Mark the message with this ID as copied")
	return cmd
}

func (c *cli) enrichCmd() *cobra.Command {
	var (
		property, checkIn, checkOut string
		guest, code, payout         string
		payoutDate, fromEmail       string
	)
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Attach guest details and payouts to a booking",
		Long: `Record details the calendar feed does not carry, such as those from a
booking confirmation or payout email. The booking is found by confirmation
code, or by property and stay dates.

Examples:
  proppilot enrich --property cabin --check-in 2026-03-10 --check-out 2026-03-14 --guest "Ada Lovelace" --code HMABC123
  proppilot enrich --property cabin --code HMABC123 --payout 840.00 --payout-date 2026-03-11
  proppilot enrich --from-email ~/Downloads/reservation-confirmed.eml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromEmail != "" {
				return c.enrichFromEmail(cmd, fromEmail, property)
			}
			if property == "" {
				return fmt.Errorf("--property is required")
			}
			stay, err := parseStay(checkIn, checkOut)
			if err != nil {
				return err
			}
			var cents *int64
			if payout != "" {
				v, err := parseCents(payout)
				if err != nil {
					return err
				}
				cents = &v
			}

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if cents != nil {
				date := time.Now()
				if payoutDate != "" {
					if date, err = booking.ParseDay(payoutDate); err != nil {
						return err
					}
				}
				p, err := a.Financial.RecordPayout(cmd.Context(), booking.Payout{
					PropertyID:       property,
					AmountCents:      *cents,
					PayoutDate:       booking.Day(date),
					ConfirmationCode: code,
					Stay:             stay,
					Source:           booking.SourceManual,
				})
				if err != nil {
					return err
				}
				if !p.Linked() {
					fmt.Fprintf(cmd.OutOrStdout(), "Payout %d recorded; it will link when the booking appears\n", p.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Payout %d linked to booking %d\n", p.ID, *p.BookingID)
			}

			if guest == "" && code == "" {
				return nil
			}
			b, err := a.Financial.Enrich(cmd.Context(), financial.Enrichment{
				PropertyID:       property,
				Stay:             stay,
				GuestName:        guest,
				ConfirmationCode: code,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Booking %d updated (%s %s)\n", b.ID, b.PropertyID, b.Range)
			return nil
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "Property ID")
	cmd.Flags().StringVar(&checkIn, "check-in", "", "Check-in date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&checkOut, "check-out", "", "Check-out date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&guest, "guest", "", "Guest name")
	cmd.Flags().StringVar(&code, "code", "", "Confirmation code")
	cmd.Flags().StringVar(&payout, "payout", "", "Payout amount, e.g. 840.00")
	cmd.Flags().StringVar(&payoutDate, "payout-date", "", "Payout date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&fromEmail, "from-email", "", "Read details from a saved platform email (.eml)")
	cmd.MarkFlagsMutuallyExclusive("from-email", "guest")
	cmd.MarkFlagsMutuallyExclusive("from-email", "code")
	cmd.MarkFlagsMutuallyExclusive("from-email", "payout")
	return cmd
}

func (c *cli) enrichFromEmail(cmd *cobra.Command, path, property string) error {
	a, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	m, out, err := a.Email.ApplyFile(cmd.Context(), path, property)
	if errors.Is(err, financial.ErrNoBooking) {
		return fmt.Errorf("%s email matches no booking yet; pass --property or sync first: %w", m.Kind, err)
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch {
	case out.Result != email.ResultApplied:
		fmt.Fprintf(w, "Nothing to record from %s email %q\n", m.Kind, m.Subject)
	case out.PayoutID != 0 && out.Linked:
		fmt.Fprintf(w, "Payout %d linked to booking %d\n", out.PayoutID, out.BookingID)
	case out.PayoutID != 0:
		fmt.Fprintf(w, "Payout %d recorded; it will link when the booking appears\n", out.PayoutID)
	case m.Kind == email.KindCancellation:
		fmt.Fprintf(w, "Booking %d cancellation noted; the calendar feed will release the dates\n", out.BookingID)
	default:
		fmt.Fprintf(w, "Booking %d updated from email\n", out.BookingID)
	}
	return nil
}

func parseStay(checkIn, checkOut string) (booking.DateRange, error) {
	if checkIn == "" && checkOut == "" {
		return booking.DateRange{}, nil
	}
	if checkIn == "" || checkOut == "" {
		return booking.DateRange{}, fmt.Errorf("--check-in and --check-out go together")
	}
	in, err := booking.ParseDay(checkIn)
	if err != nil {
		return booking.DateRange{}, err
	}
	out, err := booking.ParseDay(checkOut)
	if err != nil {
		return booking.DateRange{}, err
	}
	r := booking.NewDateRange(in, out)
	if !r.Valid() {
		return booking.DateRange{}, fmt.Errorf("check-out must be after check-in")
	}
	return r, nil
}

// parseCents turns "840", "840.5" or "$1,240.00" into cents.
func parseCents(s string) (int64, error) {
	clean := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return int64(math.Round(v * 100)), nil
}
