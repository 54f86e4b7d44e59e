package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/ecoride/client"
)

func distributionCommands() *cli.Command {
	return &cli.Command{
		Name:    "distribution",
		Aliases: []string{"dist"},
		Usage:   "Run and inspect reward distributions through the HTTP API",
		Subcommands: []*cli.Command{
			validateCommand(),
			createDistributionCommand(),
			getDistributionCommand(),
			listUnsettledCommand(),
			reviewCommand(),
			reconcileReceiptCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(serverURL, nil, cliLogger(c)), nil
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Cache a classifier result for a receipt",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "receipt-id", Aliases: []string{"r"}, Required: true},
			&cli.Float64Flag{Name: "confidence", Aliases: []string{"c"}, Required: true, Usage: "Confidence score in [0, 1]"},
			&cli.StringFlag{Name: "category", Usage: "Classifier category"},
		},
		Action: func(c *cli.Context) error {
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			v, err := cl.CreateValidation(c.Context, c.String("receipt-id"), c.Float64("confidence"), c.String("category"))
			if err != nil {
				return fmt.Errorf("failed to create validation: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, v)
			}
			w := stdout(c)
			fmt.Fprintf(w, "Token:      %s\n", v.Token)
			fmt.Fprintf(w, "Receipt:    %s\n", v.ReceiptID)
			fmt.Fprintf(w, "Confidence: %.4f\n", v.ConfidenceScore)
			fmt.Fprintf(w, "Expires:    %s\n", v.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func createDistributionCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Distribute the reward for a receipt",
		Description: `Routes the receipt by confidence, splits the reward between the recipient
and the fund, and submits both transfers.

Without --confidence the server uses a cached validation, either the one named
by --token or the latest live one for the receipt.

Example:
  ecoride distribution create -r R-100 --recipient 0xabc... --reward 12.5 --confidence 0.92`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "receipt-id", Aliases: []string{"r"}, Required: true},
			&cli.StringFlag{Name: "recipient", Required: true, Usage: "Recipient ledger address"},
			&cli.StringFlag{Name: "reward", Required: true, Usage: "Total reward as a decimal token amount"},
			&cli.Float64Flag{Name: "confidence", Aliases: []string{"c"}, Usage: "Confidence score in [0, 1]"},
			&cli.StringFlag{Name: "category", Usage: "Classifier category"},
			&cli.StringFlag{Name: "token", Usage: "Validation token from 'distribution validate'"},
			&cli.BoolFlag{Name: "async", Usage: "Run as a Temporal workflow and return immediately"},
		},
		Action: func(c *cli.Context) error {
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			req := client.DistributionRequest{
				ReceiptID:        c.String("receipt-id"),
				RecipientAddress: c.String("recipient"),
				TotalReward:      c.String("reward"),
				Category:         c.String("category"),
				ValidationToken:  c.String("token"),
			}
			if c.IsSet("confidence") {
				score := c.Float64("confidence")
				req.ConfidenceScore = &score
			}

			if c.Bool("async") {
				started, err := cl.StartDistribution(c.Context, req)
				if err != nil {
					return fmt.Errorf("failed to start distribution: %w", err)
				}
				if jsonMode(c) {
					return outputJSON(c, started)
				}
				w := stdout(c)
				fmt.Fprintf(w, "✓ Distribution workflow started\n")
				fmt.Fprintf(w, "  Receipt:     %s\n", started.ReceiptID)
				fmt.Fprintf(w, "  Workflow ID: %s\n", started.WorkflowID)
				return nil
			}

			d, err := cl.Distribute(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to distribute: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, d)
			}
			printDistribution(stdout(c), d)
			return nil
		},
	}
}

func getDistributionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the distribution record for a receipt",
		ArgsUsage: "RECEIPT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: receipt id")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			d, err := cl.GetDistribution(c.Context, c.Args().First())
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("no distribution for receipt %q", c.Args().First())
				}
				return fmt.Errorf("failed to get distribution: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, d)
			}
			printDistribution(stdout(c), d)
			return nil
		},
	}
}

func listUnsettledCommand() *cli.Command {
	return &cli.Command{
		Name:    "unsettled",
		Aliases: []string{"ls"},
		Usage:   "List distributions the reconciler still has work for",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 100},
		},
		Action: func(c *cli.Context) error {
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			list, err := cl.ListUnsettled(c.Context, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list unsettled distributions: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, list)
			}

			w := tabwriter.NewWriter(stdout(c), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RECEIPT\tATTEMPT\tMODE\tSTATUS\tRECIPIENT LEG\tFUND LEG\tUPDATED")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					d.ReceiptID,
					d.Attempt,
					d.Mode,
					d.Status,
					legStatus(d.Recipient),
					legStatus(d.Fund),
					d.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d unsettled\n", len(list))
			return nil
		},
	}
}

func reviewCommand() *cli.Command {
	return &cli.Command{
		Name:      "review",
		Usage:     "Approve or reject a held distribution",
		ArgsUsage: "RECEIPT_ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "approve", Usage: "Approve and pay out the held distribution"},
			&cli.BoolFlag{Name: "reject", Usage: "Reject the held distribution"},
			&cli.StringFlag{Name: "reviewer", EnvVars: []string{"USER"}},
			&cli.StringFlag{Name: "note"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: receipt id")
			}
			if c.Bool("approve") == c.Bool("reject") {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			d, err := cl.Review(c.Context, c.Args().First(), c.Bool("approve"), c.String("reviewer"), c.String("note"))
			if err != nil {
				return fmt.Errorf("failed to review distribution: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, d)
			}
			printDistribution(stdout(c), d)
			return nil
		},
	}
}

func reconcileReceiptCommand() *cli.Command {
	return &cli.Command{
		Name:      "reconcile",
		Usage:     "Repair one stored distribution",
		ArgsUsage: "RECEIPT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: receipt id")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			d, err := cl.Reconcile(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to reconcile distribution: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, d)
			}
			printDistribution(stdout(c), d)
			return nil
		},
	}
}

func legStatus(l client.Leg) string {
	if l.Status == "" {
		return "-"
	}
	return l.Status
}

func printDistribution(w io.Writer, d *client.Distribution) {
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Receipt:     %s (attempt %d)\n", d.ReceiptID, d.Attempt)
	fmt.Fprintf(w, "Status:      %s\n", d.Status)
	fmt.Fprintf(w, "Mode:        %s\n", d.Mode)
	fmt.Fprintf(w, "Confidence:  %.4f\n", d.ConfidenceScore)
	if d.Category != "" {
		fmt.Fprintf(w, "Category:    %s\n", d.Category)
	}
	fmt.Fprintf(w, "Recipient:   %s\n", d.RecipientAddress)
	fmt.Fprintf(w, "Reward:      %s\n", d.TotalReward)
	printLeg(w, "Recipient leg", d.Recipient)
	printLeg(w, "Fund leg", d.Fund)
	if d.ReviewQueued {
		fmt.Fprintf(w, "Review:      queued\n")
	}
	if d.Review != nil {
		verdict := "rejected"
		if d.Review.Approve {
			verdict = "approved"
		}
		fmt.Fprintf(w, "Review:      %s by %s at %s\n", verdict, d.Review.Reviewer, d.Review.DecidedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Updated:     %s\n", d.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func printLeg(w io.Writer, name string, l client.Leg) {
	if l.Amount == "" && l.Status == "" {
		return
	}
	fmt.Fprintf(w, "%s: %s %s\n", name, l.Amount, legStatus(l))
	if l.TxHash != "" {
		fmt.Fprintf(w, "  tx:    %s\n", l.TxHash)
	}
	if l.BlockNumber != 0 {
		fmt.Fprintf(w, "  block: %d (gas %d)\n", l.BlockNumber, l.GasUsed)
	}
	if l.ErrorDetail != "" {
		fmt.Fprintf(w, "  error: %s\n", l.ErrorDetail)
	}
}
