package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/ecoride/service/db"
	"github.com/brojonat/ecoride/service/reward"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(c *cli.Context) error {
			dbURL, err := databaseURL(c)
			if err != nil {
				return err
			}
			if err := db.Migrate(c.Context, dbURL); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			fmt.Fprintln(stdout(c), "✓ Database is up to date")
			return nil
		},
	}
}

func statusCountsCommand() *cli.Command {
	return &cli.Command{
		Name:  "counts",
		Usage: "Count stored distributions by status",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counts, err := store.CountByStatus(c.Context)
			if err != nil {
				return fmt.Errorf("failed to count distributions: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, counts)
			}

			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)

			w := tabwriter.NewWriter(stdout(c), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			var total int64
			for _, s := range statuses {
				n := counts[reward.Status(s)]
				total += n
				fmt.Fprintf(w, "%s\t%d\n", s, n)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d distributions\n", total)
			return nil
		},
	}
}

func listUnsettledRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:  "unsettled",
		Usage: "List stored distributions that still need reconciliation",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 100},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			records, err := store.ListUnsettled(c.Context, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list unsettled distributions: %w", err)
			}
			if jsonMode(c) {
				return outputJSON(c, records)
			}

			w := tabwriter.NewWriter(stdout(c), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RECEIPT\tATTEMPT\tMODE\tSTATUS\tLEASE EXPIRES\tUPDATED")
			for _, rec := range records {
				lease := "-"
				if rec.InFlight {
					lease = rec.LeaseExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					rec.ReceiptID,
					rec.Attempt,
					rec.Mode,
					rec.Status(),
					lease,
					rec.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d unsettled\n", len(records))
			return nil
		},
	}
}

func getRecordCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the raw stored record for a receipt",
		ArgsUsage: "RECEIPT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: receipt id")
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			rec, err := store.Get(c.Context, c.Args().First())
			if errors.Is(err, reward.ErrRecordNotFound) {
				return fmt.Errorf("no distribution for receipt %q", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get distribution: %w", err)
			}
			// The stored record carries big.Int amounts; JSON is the readable form.
			return outputJSON(c, struct {
				*reward.DistributionRecord
				Status reward.Status `json:"status"`
			}{rec, rec.Status()})
		},
	}
}

func databaseURL(c *cli.Context) (string, error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return "", fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	return dbURL, nil
}

// getStore connects to the database named by --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL, err := databaseURL(c)
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), func() { pool.Close() }, nil
}
