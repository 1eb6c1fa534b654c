package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"virtual-settlement-go/internal/api"
	"virtual-settlement-go/internal/common"
	"virtual-settlement-go/internal/models"

	"github.com/spf13/cobra"
)

func NewBalanceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account's balance, holds and subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view api.AccountView
			if _, err := opts.client.do(cmd.Context(), http.MethodGet, "/api/v1/accounts/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), view, func(w io.Writer) {
				common.PrintHeader(w, "ACCOUNT "+string(view.Account), common.DefaultWidth)
				fmt.Fprintf(w, "Balance:      %s\n", opts.amount(view.Balance))
				fmt.Fprintf(w, "Held:         %s\n", opts.amount(view.Held))
				fmt.Fprintf(w, "Net external: %s\n", opts.amount(view.NetExternal))
				if view.FrozenReason != "" {
					fmt.Fprintf(w, "FROZEN:       %s\n", view.FrozenReason)
				}
				if len(view.Subscriptions) > 0 {
					fmt.Fprintf(w, "\n┌─ Subscriptions: %d\n", len(view.Subscriptions))
					common.PrintBoxSeparator(w, 78)
					for i, sub := range view.Subscriptions {
						printSubscriptionLine(w, opts, sub, i == len(view.Subscriptions)-1)
					}
				}
			})
		},
	}
}

func NewDepositCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <account> <amount>",
		Short: "Credit funds the external ledger has already received",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := common.ParseAmount(args[1], opts.Asset)
			if err != nil {
				return err
			}

			var result models.DepositResult
			req := api.DepositRequest{Account: args[0], Amount: amount}
			if _, err := opts.client.do(cmd.Context(), http.MethodPost, "/api/v1/deposits", req, &result); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Credited %s to %s (claimed %s), balance %s\n",
					opts.amount(result.Credited), result.Account, opts.amount(result.Claimed), opts.amount(result.NewBalance))
			})
		},
	}
}

func NewWithdrawCommand(opts *RootOptions) *cobra.Command {
	var destination string

	cmd := &cobra.Command{
		Use:   "withdraw <account> <amount>",
		Short: "Withdraw funds to an external destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := common.ParseAmount(args[1], opts.Asset)
			if err != nil {
				return err
			}

			var result models.WithdrawalResult
			req := api.WithdrawalRequest{Account: args[0], Amount: amount, Destination: destination}
			if _, err := opts.client.do(cmd.Context(), http.MethodPost, "/api/v1/withdrawals", req, &result); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "Withdrawal %s: %s from %s to %s\n",
					result.Outcome, opts.amount(result.Amount), result.Account, result.Destination)
				fmt.Fprintf(w, "  memo:    %s\n", result.Memo)
				fmt.Fprintf(w, "  balance: %s\n", opts.amount(result.NewBalance))
				if result.Reason != "" {
					fmt.Fprintf(w, "  reason:  %s\n", result.Reason)
				}
			})
		},
	}

	cmd.Flags().StringVar(&destination, "to", "", "external destination (wallet, address or ledger account)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func NewFundCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fund <identity> <amount>",
		Short: "Add external funds to a sandbox identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := common.ParseAmount(args[1], opts.Asset)
			if err != nil {
				return err
			}
			var out map[string]any
			req := api.FundRequest{Identity: args[0], Amount: amount}
			if _, err := opts.client.do(cmd.Context(), http.MethodPost, "/api/v1/sandbox/fund", req, &out); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Funded %s with %s\n", args[0], opts.amount(amount))
			})
		},
	}
}
