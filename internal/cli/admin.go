package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"virtual-settlement-go/internal/api"
	"virtual-settlement-go/internal/common"
	"virtual-settlement-go/internal/models"

	"github.com/spf13/cobra"
)

func NewProcessCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one scheduler pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report models.ProcessReport
			path := "/api/v1/admin/process?limit=" + strconv.Itoa(limit)
			if _, err := opts.client.do(cmd.Context(), http.MethodPost, path, nil, &report); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Visited %d, charged %d, suspended %d, skipped %d, expired %d, retried %d\n",
					report.Visited, report.Charges, report.Suspended, report.Skipped, report.Expired, report.Retried)
				if report.Deferred {
					fmt.Fprintln(w, "Charge budget reached, owed periods continue on the next pass")
				}
				if report.Wrapped {
					fmt.Fprintln(w, "Cursor wrapped to the start of the registry")
				} else {
					fmt.Fprintf(w, "Cursor at %s\n", report.Cursor.Position)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum subscriptions visited")
	return cmd
}

func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Refund expired holds now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Expired int `json:"expired"`
			}
			if _, err := opts.client.do(cmd.Context(), http.MethodPost, "/api/v1/admin/sweep", nil, &out); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "Expired %d holds\n", out.Expired)
			})
		},
	}
}

func NewPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <account>",
		Short: "List open holds for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ops []models.PendingOperation
			if _, err := opts.client.do(cmd.Context(), http.MethodGet, "/api/v1/admin/pending/"+url.PathEscape(args[0]), nil, &ops); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), ops, func(w io.Writer) {
				common.PrintHeader(w, fmt.Sprintf("PENDING OPERATIONS: %s (%d)", args[0], len(ops)), common.DefaultWidth)
				for i, op := range ops {
					isLast := i == len(ops)-1
					fmt.Fprintf(w, "%s %s %s %s (attempts %d)\n",
						common.BoxPrefix(isLast), op.Nonce, op.Purpose, opts.amount(op.Amount), op.Attempts)
					fmt.Fprintf(w, "%s   memo %s, expires %s\n",
						common.BoxDetailPrefix(isLast), op.Memo, op.ExpiresAt.Format(time.RFC3339))
				}
			})
		},
	}
}

func NewEventsCommand(opts *RootOptions) *cobra.Command {
	var (
		since   time.Duration
		history bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the settlement event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if since > 0 {
				query.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339Nano))
			}
			path := "/api/v1/admin/events"
			if history {
				path += "/history"
				query.Set("limit", strconv.Itoa(limit))
			}
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var entries []models.EventLogEntry
			if _, err := opts.client.do(cmd.Context(), http.MethodGet, path, nil, &entries); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), entries, func(w io.Writer) {
				for _, entry := range entries {
					accounts := make([]string, len(entry.Accounts))
					for i, a := range entry.Accounts {
						accounts[i] = string(a)
					}
					fmt.Fprintf(w, "#%-6d %s %-24s %-12s %s [%s] %s\n",
						entry.Seq, entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Kind, entry.Outcome,
						opts.amount(entry.Amount), strings.Join(accounts, ","), entry.Detail)
				}
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().BoolVar(&history, "history", false, "read persisted events from the snapshot store")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum persisted events")
	return cmd
}

func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	var last bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare internal balances against the external ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			method := http.MethodPost
			if last {
				method = http.MethodGet
			}

			var report models.ReconciliationReport
			if _, err := opts.client.do(cmd.Context(), method, "/api/v1/admin/reconciliation", nil, &report); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				common.PrintHeader(w, "RECONCILIATION "+report.RunAt.Format(time.RFC3339), common.WideWidth)
				for i, entry := range report.Entries {
					status := "✓"
					if !entry.Ok {
						status = "✗"
					}
					fmt.Fprintf(w, "%s %s %-16s expected %s, in flight %s, external %s, drift %s %s\n",
						common.BoxPrefix(i == len(report.Entries)-1), status, entry.Account,
						opts.amount(entry.Expected), opts.amount(entry.InFlight), opts.amount(entry.External),
						opts.amount(entry.Drift), entry.Error)
				}
				conservation := "holds"
				if !report.ConservationOk {
					conservation = "VIOLATED"
				}
				common.PrintFooter(w, fmt.Sprintf("%d accounts drifted; conservation %s (balances %s + held %s, backed by %s)",
					report.DriftCount, conservation, opts.amount(report.TotalBalances), opts.amount(report.TotalHeld),
					opts.amount(report.TotalDeposits-report.TotalWithdrawals)), common.WideWidth)
			})
		},
	}

	cmd.Flags().BoolVar(&last, "last", false, "show the last report instead of running a new one")
	return cmd
}

func NewClearCommand(opts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "clear <account>",
		Short: "Lift an invariant-violation freeze",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			path := "/api/v1/admin/accounts/" + url.PathEscape(args[0]) + "/clear"
			if _, err := opts.client.do(cmd.Context(), http.MethodPost, path, api.ClearFreezeRequest{Reason: reason}, &out); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Freeze cleared on %s\n", args[0])
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "review note recorded in the event log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func NewCorrectCommand(opts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:     "correct <account> <delta>",
		Short:   "Apply a signed correction to an internal balance",
		Example: "  settlectl correct alice 1.5 --reason missed-credit\n  settlectl correct alice --reason late-confirmation -- -40",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := parseSignedAmount(args[1], opts.Asset)
			if err != nil {
				return err
			}

			var out struct {
				Account string `json:"account"`
				Balance int64  `json:"balance"`
			}
			path := "/api/v1/admin/accounts/" + url.PathEscape(args[0]) + "/correct"
			if _, err := opts.client.do(cmd.Context(), http.MethodPost, path, api.CorrectionRequest{Delta: delta, Reason: reason}, &out); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s corrected by %s, balance %s\n", args[0], opts.amount(delta), opts.amount(out.Balance))
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the event log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func parseSignedAmount(raw, asset string) (int64, error) {
	if rest, ok := strings.CutPrefix(raw, "-"); ok {
		n, err := common.ParseAmount(rest, asset)
		return -n, err
	}
	return common.ParseAmount(raw, asset)
}
