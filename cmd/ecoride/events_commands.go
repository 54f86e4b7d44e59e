package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/ecoride/service/nats"
)

func subscribeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "receipt-id",
			Aliases: []string{"r"},
			Usage:   "Only show events for this receipt",
		},
		&cli.StringFlag{
			Name:  "durable",
			Usage: "Durable consumer name (survives restarts)",
		},
		&cli.StringSliceFlag{
			Name:    "filter",
			Aliases: []string{"f"},
			Usage:   "jq expression the event must satisfy (repeatable, all must match)",
		},
		&cli.IntFlag{
			Name:  "max",
			Usage: "Exit after this many matching events (0 streams until interrupted)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Exit after this long (0 streams until interrupted)",
		},
	}
}

func subscribeReviewsCommand() *cli.Command {
	return &cli.Command{
		Name:  "reviews",
		Usage: "Stream manual review requests",
		Description: `Stream review requests published to NATS JetStream for distributions held
for manual review. Events are published to the subject: reviews.{receipt_id}

Example:
  ecoride events reviews --filter '.context.category == "ev"' --json`,
		Flags: subscribeFlags(),
		Action: func(c *cli.Context) error {
			return streamEvents(c, func(ctx context.Context, s *natspkg.Subscriber, opts natspkg.ConsumeOptions, emit func(any, func(io.Writer)) error) error {
				return s.Reviews(ctx, opts, func(e *natspkg.ReviewEvent) error {
					return emit(e, func(w io.Writer) { printReview(w, e) })
				})
			})
		},
	}
}

func subscribeAlertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "alerts",
		Usage: "Stream partial-distribution integrity alerts",
		Description: `Stream integrity alerts raised when exactly one leg of a distribution
confirmed. Events are published to the subject: alerts.{receipt_id}`,
		Flags: subscribeFlags(),
		Action: func(c *cli.Context) error {
			return streamEvents(c, func(ctx context.Context, s *natspkg.Subscriber, opts natspkg.ConsumeOptions, emit func(any, func(io.Writer)) error) error {
				return s.Alerts(ctx, opts, func(e *natspkg.AlertEvent) error {
					return emit(e, func(w io.Writer) { printAlert(w, e) })
				})
			})
		},
	}
}

type subscribeFunc func(ctx context.Context, s *natspkg.Subscriber, opts natspkg.ConsumeOptions, emit func(any, func(io.Writer)) error) error

// streamEvents runs a subscription until interrupted, the timeout passes or
// --max matching events were printed.
func streamEvents(c *cli.Context, subscribe subscribeFunc) error {
	filters, err := compileFilters(c.StringSlice("filter"))
	if err != nil {
		return err
	}

	natsURL := c.String("nats-url")
	s, err := natspkg.NewSubscriber(natsURL, cliLogger(c))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout := c.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !jsonMode(c) {
		fmt.Fprintf(c.App.ErrWriter, "📡 Subscribing via %s (Ctrl-C to exit)\n\n", natsURL)
	}

	e := newEmitter(c, filters, c.Int("max"), cancel)
	opts := natspkg.ConsumeOptions{
		ReceiptID: c.String("receipt-id"),
		Durable:   c.String("durable"),
	}
	if err := subscribe(ctx, s, opts, e.emit); err != nil {
		return err
	}

	if !jsonMode(c) {
		fmt.Fprintf(c.App.ErrWriter, "\n✅ Received %d events\n", e.count())
	}
	return nil
}

// emitter prints events that pass the filters and stops the stream once max
// events were printed.
type emitter struct {
	out     io.Writer
	json    bool
	filters []*gojq.Code
	max     int
	done    func()

	mu      sync.Mutex
	printed int
}

func newEmitter(c *cli.Context, filters []*gojq.Code, max int, done func()) *emitter {
	return &emitter{
		out:     stdout(c),
		json:    jsonMode(c),
		filters: filters,
		max:     max,
		done:    done,
	}
}

func (e *emitter) emit(event any, human func(io.Writer)) error {
	if !matchesAll(e.filters, event) {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.max > 0 && e.printed >= e.max {
		return nil
	}
	if e.json {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		fmt.Fprintln(e.out, string(data))
	} else {
		human(e.out)
	}
	e.printed++
	if e.max > 0 && e.printed >= e.max {
		e.done()
	}
	return nil
}

func (e *emitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.printed
}

func printReview(w io.Writer, e *natspkg.ReviewEvent) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Review requested: %s (attempt %d)\n", e.ReceiptID, e.Attempt)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Reason:      %s\n", e.Reason)
	fmt.Fprintf(w, "Confidence:  %.4f\n", e.Context.ConfidenceScore)
	if e.Context.Category != "" {
		fmt.Fprintf(w, "Category:    %s\n", e.Context.Category)
	}
	fmt.Fprintf(w, "Recipient:   %s\n", e.Context.RecipientAddress)
	fmt.Fprintf(w, "Reward:      %s units\n", e.Context.TotalReward)
	fmt.Fprintf(w, "Requested:   %s\n", e.RequestedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "\n")
}

func printAlert(w io.Writer, e *natspkg.AlertEvent) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "⚠️  Partial distribution: %s (attempt %d)\n", e.ReceiptID, e.Attempt)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Confirmed:   %s\n", e.ConfirmedLeg)
	fmt.Fprintf(w, "Failed:      %s (%s)\n", e.FailedLeg, e.Failed.Status)
	if e.Failed.TxHash != "" {
		fmt.Fprintf(w, "Failed tx:   %s\n", e.Failed.TxHash)
	}
	if e.Failed.ErrorDetail != "" {
		fmt.Fprintf(w, "Error:       %s\n", e.Failed.ErrorDetail)
	}
	fmt.Fprintf(w, "Detected:    %s\n", e.DetectedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "\n")
}
