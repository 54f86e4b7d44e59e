package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			httpClient := &http.Client{Timeout: c.Duration("timeout")}

			start := time.Now()
			resp, err := httpClient.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			latency := time.Since(start)

			if resp.StatusCode == http.StatusOK {
				if jsonMode(c) {
					return outputJSON(c, map[string]interface{}{
						"healthy":    true,
						"url":        serverURL,
						"latency_ms": latency.Milliseconds(),
					})
				}
				fmt.Fprintf(stdout(c), "✓ Server is healthy (%s)\n", latency.Round(time.Millisecond))
				fmt.Fprintf(stdout(c), "  URL: %s\n", serverURL)
				return nil
			}

			return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			if jsonMode(c) {
				return outputJSON(c, map[string]string{
					"version": version,
					"commit":  commit,
					"built":   date,
				})
			}
			w := stdout(c)
			fmt.Fprintf(w, "ecoride CLI\n")
			fmt.Fprintf(w, "  Version: %s\n", version)
			fmt.Fprintf(w, "  Commit:  %s\n", commit)
			fmt.Fprintf(w, "  Built:   %s\n", date)
			return nil
		},
	}
}
