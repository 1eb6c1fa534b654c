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

func NewSubscribeCommand(opts *RootOptions) *cobra.Command {
	var every string

	cmd := &cobra.Command{
		Use:   "subscribe <payer> <payee> <amount>",
		Short: "Create a recurring charge from payer to payee",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := common.ParseAmount(args[2], opts.Asset)
			if err != nil {
				return err
			}

			var sub models.Subscription
			req := api.SubscriptionRequest{Payer: args[0], Payee: args[1], Amount: amount, Cadence: every}
			if _, err := opts.client.do(cmd.Context(), http.MethodPost, "/api/v1/subscriptions", req, &sub); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), sub, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Subscription %s created\n", sub.Id)
				printSubscriptionLine(w, opts, sub, true)
			})
		},
	}

	cmd.Flags().StringVar(&every, "every", "720h", "billing cadence as a Go duration")
	return cmd
}

// NewSubscriptionCommand groups get, cancel and resume.
func NewSubscriptionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Inspect or change an existing subscription",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return subscriptionCall(cmd, opts, http.MethodGet, "/api/v1/subscriptions/"+url.PathEscape(args[0]), nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a subscription permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return subscriptionCall(cmd, opts, http.MethodPost, "/api/v1/subscriptions/"+url.PathEscape(args[0])+"/cancel", nil)
		},
	})

	var payer string
	resume := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a suspended subscription on behalf of its payer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return subscriptionCall(cmd, opts, http.MethodPost, "/api/v1/subscriptions/"+url.PathEscape(args[0])+"/resume",
				api.ResumeRequest{Payer: payer})
		},
	}
	resume.Flags().StringVar(&payer, "payer", "", "payer account")
	_ = resume.MarkFlagRequired("payer")
	cmd.AddCommand(resume)

	return cmd
}

func subscriptionCall(cmd *cobra.Command, opts *RootOptions, method, path string, body any) error {
	var sub models.Subscription
	if _, err := opts.client.do(cmd.Context(), method, path, body, &sub); err != nil {
		return err
	}
	return opts.render(cmd.OutOrStdout(), sub, func(w io.Writer) {
		printSubscriptionLine(w, opts, sub, true)
	})
}

func printSubscriptionLine(w io.Writer, opts *RootOptions, sub models.Subscription, isLast bool) {
	fmt.Fprintf(w, "%s %s %s -> %s %s every %s [%s]\n",
		common.BoxPrefix(isLast), sub.Id, sub.Payer, sub.Payee, opts.amount(sub.Amount), sub.Cadence, sub.State)
	fmt.Fprintf(w, "%s   charges: %d, next: %s\n",
		common.BoxDetailPrefix(isLast), sub.ChargeCount, sub.NextChargeTime.Format("2006-01-02 15:04:05"))
}
