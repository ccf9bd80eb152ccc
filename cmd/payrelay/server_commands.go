package main

import (
	"fmt"
	"io"
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

			client := &http.Client{
				Timeout: c.Duration("timeout"),
			}

			resp, err := client.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
			}

			result := map[string]interface{}{"url": serverURL, "status": resp.StatusCode}
			return output(c, result, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Server is healthy (status: %d)\n", resp.StatusCode)
				fmt.Fprintf(w, "  URL: %s\n", serverURL)
			})
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			info := map[string]string{"version": version, "commit": commit, "date": date}
			return output(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "payrelay CLI\n")
				fmt.Fprintf(w, "  Version: %s\n", version)
				fmt.Fprintf(w, "  Commit:  %s\n", commit)
				fmt.Fprintf(w, "  Built:   %s\n", date)
			})
		},
	}
}
