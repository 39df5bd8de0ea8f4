package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_report/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running relay",
	Long:  `Query the relay's /healthz endpoint and show its delivery queues.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		url := strings.TrimRight(relayAddr, "/") + "/healthz"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		defer resp.Body.Close()

		var st health.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode health response: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(w, st); err != nil {
				return err
			}
		} else {
			if st.OK {
				fmt.Fprintln(w, "✓ Relay is healthy")
			} else {
				fmt.Fprintf(w, "✗ Relay is unhealthy (HTTP %d): %s\n", resp.StatusCode, st.Message)
			}
			for _, q := range st.Queues {
				fmt.Fprintf(w, "  %s owner=%s token=%s depth=%d delay=%dms\n", q.ID, q.Owner, q.Token, q.Depth, q.DelayMS)
			}
		}
		if !st.OK {
			return fmt.Errorf("relay unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
