package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var apiURL string
	var decisions bool
	cmd := &cobra.Command{
		Use:   "status <media-id>",
		Short: "Show the status of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/media/" + url.PathEscape(args[0])
			if decisions {
				path += "/decisions"
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimSuffix(apiURL, "/")+path, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("query api: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("api returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			var pretty any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "Base URL of the MediaGate API")
	cmd.Flags().BoolVar(&decisions, "decisions", false, "Show the moderation decision history instead")
	return cmd
}
