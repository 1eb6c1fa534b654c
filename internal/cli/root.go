// Package cli implements settlectl, the operator command line for the settlement daemon.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"virtual-settlement-go/internal/common"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Format  string // "json" | "text"
	Asset   string
	Timeout time.Duration

	client *Client
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for settlectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "settlectl",
		Short: "Operate a virtual settlement engine",
		Long:  "Query balances, move funds and run operator tasks against a running settlement daemon.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.client = NewClient(opts.Server, opts.Timeout)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "settlement daemon base URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Asset, "asset", "USDC", "asset symbol used to parse and print amounts")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 60*time.Second, "request timeout")

	cmd.AddCommand(NewBalanceCommand(opts))
	cmd.AddCommand(NewDepositCommand(opts))
	cmd.AddCommand(NewWithdrawCommand(opts))
	cmd.AddCommand(NewFundCommand(opts))
	cmd.AddCommand(NewSubscribeCommand(opts))
	cmd.AddCommand(NewSubscriptionCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewCorrectCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// render writes v as indented JSON in json mode, otherwise calls text.
func (o *RootOptions) render(w io.Writer, v any, text func(w io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func (o *RootOptions) amount(minor int64) string {
	return common.FormatAmount(minor, o.Asset) + " " + o.Asset
}
