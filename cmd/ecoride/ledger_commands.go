package main

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/ecoride/service/ledger"
)

func ledgerCommands() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "Ledger endpoint and balance commands",
		Subcommands: []*cli.Command{
			probeCommand(),
			balanceCommand(),
		},
	}
}

func ledgerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "rpc-url",
			Usage:   "Ledger RPC endpoint, in failover order (repeatable)",
			EnvVars: []string{"LEDGER_RPC_URLS"},
		},
		&cli.StringFlag{
			Name:    "token-address",
			Usage:   "Reward token contract address",
			EnvVars: []string{"TOKEN_CONTRACT_ADDRESS"},
		},
		&cli.DurationFlag{
			Name:    "probe-timeout",
			EnvVars: []string{"LEDGER_PROBE_TIMEOUT"},
			Value:   3 * time.Second,
		},
	}
}

// getLedgerClient builds a read-only ledger client from the ledger flags.
func getLedgerClient(c *cli.Context) (*ledger.Client, error) {
	endpoints := c.StringSlice("rpc-url")
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpc-url is required (set LEDGER_RPC_URLS env var or use --rpc-url)")
	}
	lc, err := ledger.NewClient(ledger.Config{
		Logger:       cliLogger(c),
		Clock:        clockwork.NewRealClock(),
		Endpoints:    endpoints,
		TokenAddress: c.String("token-address"),
		GasLimit:     100000,
		ProbeTimeout: c.Duration("probe-timeout"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}
	return lc, nil
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Find the first healthy ledger endpoint",
		Flags: ledgerFlags(),
		Action: func(c *cli.Context) error {
			lc, err := getLedgerClient(c)
			if err != nil {
				return err
			}
			defer lc.Close()

			start := time.Now()
			endpoint, err := lc.Probe(c.Context)
			if err != nil {
				return fmt.Errorf("no healthy endpoint: %w", err)
			}

			if jsonMode(c) {
				return outputJSON(c, map[string]interface{}{
					"endpoint":   endpoint,
					"latency_ms": time.Since(start).Milliseconds(),
				})
			}
			fmt.Fprintf(stdout(c), "✓ Active endpoint: %s (%s)\n", endpoint, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show the reward token balance of an address",
		ArgsUsage: "ADDRESS",
		Description: `By default the balance is read through the distribution service. With
--direct the ledger endpoints are queried from this machine and the balance is
printed in token minor units.`,
		Flags: append(ledgerFlags(), &cli.BoolFlag{
			Name:  "direct",
			Usage: "Query the ledger directly instead of the server",
		}),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			address := c.Args().First()
			if err := ledger.ValidateAddress(address); err != nil {
				return err
			}

			if c.Bool("direct") {
				lc, err := getLedgerClient(c)
				if err != nil {
					return err
				}
				defer lc.Close()

				units, err := lc.GetBalance(c.Context, address)
				if err != nil {
					return fmt.Errorf("failed to read balance: %w", err)
				}
				if jsonMode(c) {
					return outputJSON(c, map[string]string{
						"address":       address,
						"balance_units": units.String(),
						"endpoint":      lc.ActiveEndpoint(),
					})
				}
				fmt.Fprintf(stdout(c), "%s: %s units\n", address, units.String())
				return nil
			}

			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			b, err := cl.Balance(c.Context, address)
			if err != nil {
				return fmt.Errorf("failed to read balance: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, b)
			}
			fmt.Fprintf(stdout(c), "%s: %s (%s units)\n", b.Address, b.Balance, b.BalanceUnits)
			return nil
		},
	}
}
