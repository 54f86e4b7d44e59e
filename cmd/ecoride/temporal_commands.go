package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/ecoride/service/temporal"
)

// getTemporalClient connects to Temporal using the global flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "ecoride-distribution"
	}
	return temporal.NewClient(host, namespace, taskQueue, cliLogger(c), nil)
}

func upsertScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule-reconcile",
		Usage: "Create or update the reconcile schedule",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "How often the reconcile sweep runs",
				EnvVars: []string{"RECONCILE_INTERVAL"},
				Value:   5 * time.Minute,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum records per sweep (0 uses the store default)",
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertReconcileSchedule(c.Context, c.Duration("interval"), c.Int("limit")); err != nil {
				return err
			}
			fmt.Fprintf(stdout(c), "✓ Schedule %s runs every %s\n", temporal.ReconcileScheduleID, c.Duration("interval"))
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-schedule",
		Usage: "Delete the reconcile schedule",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("yes") {
				fmt.Fprintf(stdout(c), "Delete schedule %s? Reconciliation stops until it is recreated. [y/N]: ", temporal.ReconcileScheduleID)
				var response string
				fmt.Fscanln(c.App.Reader, &response)
				if r := strings.ToLower(strings.TrimSpace(response)); r != "y" && r != "yes" {
					fmt.Fprintln(stdout(c), "Cancelled")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteReconcileSchedule(c.Context); err != nil {
				return err
			}
			fmt.Fprintf(stdout(c), "✓ Schedule %s deleted\n", temporal.ReconcileScheduleID)
			return nil
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Run one reconcile sweep now and wait for it",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum records to visit (0 uses the store default)",
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			result, err := tc.RunReconcile(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			if jsonMode(c) {
				return outputJSON(c, result)
			}

			w := stdout(c)
			fmt.Fprintf(w, "Scanned:    %d\n", result.Scanned)
			fmt.Fprintf(w, "Reconciled: %d\n", result.Reconciled)
			if len(result.Partial) > 0 {
				fmt.Fprintf(w, "Partial:    %s\n", strings.Join(result.Partial, ", "))
			}
			if len(result.Failed) > 0 {
				fmt.Fprintf(w, "Failed:     %s\n", strings.Join(result.Failed, ", "))
			}
			return nil
		},
	}
}

func awaitWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Wait for a distribution workflow to finish",
		ArgsUsage: "RECEIPT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: receipt id")
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			result, err := tc.AwaitDistribution(c.Context, temporal.DistributionWorkflowID(c.Args().First()))
			if err != nil {
				return err
			}
			if jsonMode(c) {
				return outputJSON(c, result)
			}
			fmt.Fprintf(stdout(c), "%s: %s\n", result.ReceiptID, result.Status)
			return nil
		},
	}
}
