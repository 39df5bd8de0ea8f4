package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_report/internal/delivery"
	"github.com/austindbirch/harbor_report/internal/events"
	"github.com/austindbirch/harbor_report/internal/registry"
	"github.com/austindbirch/harbor_report/internal/reporter"
)

var (
	sendLevel    string
	sendAsync    bool
	sendAttempts int
	sendOwner    string
)

type sendResult struct {
	Sent        int      `json:"sent"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Send a report payload",
	Long: `Send a JSON payload, or a JSON array of payloads, to the ingestion endpoint.
The payload is read from file, or from stdin when file is "-" or omitted.

By default every payload is delivered synchronously. With --async the
payloads are queued and flushed before the command exits; payloads that
cannot be delivered go to the offline store when --offline is set.

Examples:
  reportctl send error.json --level error
  echo '{"message":"boom"}' | reportctl send --async --offline ./offline`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := delivery.ParseLevel(sendLevel)
		if err != nil {
			return err
		}

		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open payload: %w", err)
			}
			defer f.Close()
			in = f
		}
		items, err := readPayloads(in)
		if err != nil {
			return err
		}

		cfg := sendConfig()
		if sendAttempts > 0 {
			cfg.MaxAttempts = sendAttempts
		}
		logger := cliLogger(cmd)
		reg := registry.New(registry.WithLogger(logger))

		var (
			mu          sync.Mutex
			diagnostics []string
		)
		reg.Subscribe(events.ListenerFunc(func(e events.Event) {
			mu.Lock()
			diagnostics = append(diagnostics, e.String())
			mu.Unlock()
		}))

		rep, err := reporter.New(reg, cfg, reporter.WithOwner(sendOwner), reporter.WithLogger(logger))
		if err != nil {
			return err
		}

		res := sendResult{}
		if sendAsync {
			for _, item := range items {
				if rep.Log(context.Background(), level, item) {
					res.Sent++
				} else {
					res.Failed++
				}
			}
		} else {
			for _, item := range items {
				ctx, cancel := context.WithTimeout(context.Background(), syncBudget(cfg.Timeout, cfg.MaxAttempts))
				err := rep.LogSync(ctx, level, item)
				cancel()
				if err != nil {
					res.Failed++
					res.Errors = append(res.Errors, err.Error())
					continue
				}
				res.Sent++
			}
		}

		// Close flushes what is still queued; undelivered bundles are
		// stored offline when a store is configured.
		if err := rep.Close(syncBudget(cfg.Timeout, cfg.MaxAttempts)); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		mu.Lock()
		res.Diagnostics = diagnostics
		mu.Unlock()

		if err := printSendResult(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d of %d reports not delivered", res.Failed, len(items))
		}
		return nil
	},
}

// syncBudget bounds one synchronous send: every attempt may use the full
// request timeout, plus slack for retry delays.
func syncBudget(perRequest time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts)*perRequest + 30*time.Second
}

// readPayloads decodes one JSON value; an array is split into one payload
// per element.
func readPayloads(r io.Reader) ([]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if items, ok := body.([]any); ok {
		if len(items) == 0 {
			return nil, fmt.Errorf("payload array is empty")
		}
		return items, nil
	}
	return []any{body}, nil
}

func printSendResult(w io.Writer, res sendResult) error {
	if outputJSON {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "sent %d, failed %d\n", res.Sent, res.Failed)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(w, "  diagnostic: %s\n", d)
	}
	return nil
}

func init() {
	sendCmd.Flags().StringVar(&sendLevel, "level", "error", "report level (debug, info, warning, error, critical)")
	sendCmd.Flags().BoolVar(&sendAsync, "async", false, "queue payloads and flush on exit instead of waiting for each")
	sendCmd.Flags().IntVar(&sendAttempts, "attempts", 0, "transport attempts per payload (default from config)")
	sendCmd.Flags().StringVar(&sendOwner, "owner", "reportctl", "logger identity stamped on each report")
	rootCmd.AddCommand(sendCmd)
}
