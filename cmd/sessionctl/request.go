package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/request"
	"github.com/spf13/cobra"
)

func (c *cli) requestCmd() *cobra.Command {
	var (
		data    string
		headers []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request <method> <url>",
		Short: "Send an authenticated request with refresh and retry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			header := http.Header{}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, want key:value", h)
				}
				header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}

			req := &request.Request{
				Method:  strings.ToUpper(args[0]),
				URL:     args[1],
				Header:  header,
				Timeout: timeout,
			}
			if data != "" {
				req.Body = []byte(data)
				if header.Get("Content-Type") == "" {
					header.Set("Content-Type", "application/json")
				}
			}

			resp, err := c.application.Manager().Do(cmd.Context(), req)
			if err != nil {
				return err
			}

			if _, err := os.Stdout.Write(resp.Body); err != nil {
				return err
			}
			if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
				fmt.Println()
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return fmt.Errorf("request failed: HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra header as key:value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-attempt timeout (default from REQUEST_TIMEOUT)")
	return cmd
}
