package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/delivery"
	"github.com/austindbirch/harbor_report/internal/events"
	"github.com/austindbirch/harbor_report/internal/offline"
	"github.com/austindbirch/harbor_report/internal/queue"
	"github.com/austindbirch/harbor_report/internal/tokenmeta"
)

var replayTimeout time.Duration

type recordSummary struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Owner     string    `json:"owner,omitempty"`
	Level     string    `json:"level,omitempty"`
	Attempts  int       `json:"attempts"`
	Bytes     int       `json:"bytes"`
}

// offlineCmd represents the offline command
var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Inspect and replay the offline store",
	Long: `Inspect and replay reports kept in the offline store for the configured
endpoint and access token.`,
}

// offlineListCmd represents the offline list command
var offlineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending offline records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		store, cfg, err := openStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		dest := offline.DestinationFor(cfg)
		var records []recordSummary
		for rec, err := range store.DrainPending(ctx, dest) {
			if err != nil {
				return fmt.Errorf("read offline records: %w", err)
			}
			records = append(records, recordSummary{
				ID:        rec.ID,
				Timestamp: rec.Timestamp,
				Owner:     rec.Owner,
				Level:     rec.Level,
				Attempts:  rec.Attempts,
				Bytes:     len(rec.Payload),
			})
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			if records == nil {
				records = []recordSummary{}
			}
			return printJSON(w, records)
		}
		fmt.Fprintf(w, "%d pending for %s\n", len(records), dest)
		for _, r := range records {
			fmt.Fprintf(w, "  %s  %s  %-8s owner=%s attempts=%d bytes=%d\n",
				r.Timestamp.Format(time.RFC3339), r.ID, r.Level, r.Owner, r.Attempts, r.Bytes)
		}
		return nil
	},
}

// offlineReplayCmd represents the offline replay command
var offlineReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-deliver pending offline records",
	Long: `Re-deliver pending offline records oldest first. The pass stops at the
first rate limit or communication failure; records that were not delivered
stay in the store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), replayTimeout)
		defer cancel()

		store, cfg, err := openStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		logger := cliLogger(cmd)
		clk := clock.New()
		meta := tokenmeta.New(cfg.AccessToken, tokenmeta.PolicyFromConfig(cfg), clk)
		client := delivery.NewClient(cfg, delivery.WithClock(clk), delivery.WithLogger(logger))
		rec := &events.Recorder{}
		rp := queue.NewReplayer(store, client, meta,
			queue.WithReplayClock(clk),
			queue.WithReplayEmitter(rec),
			queue.WithReplayLogger(logger),
		)

		n, err := rp.Replay(ctx, offline.DestinationFor(cfg))

		w := cmd.OutOrStdout()
		if outputJSON {
			out := map[string]any{"replayed": n}
			if err != nil {
				out["error"] = err.Error()
			}
			if perr := printJSON(w, out); perr != nil {
				return perr
			}
		} else {
			fmt.Fprintf(w, "replayed %d records\n", n)
			for _, e := range rec.Events() {
				fmt.Fprintf(w, "  diagnostic: %s\n", e)
			}
		}

		switch {
		case err == nil:
			return nil
		case errors.Is(err, queue.ErrReplayRateLimited):
			return fmt.Errorf("replay paused by rate limit, retry in %s", meta.CurrentDelay().Round(time.Second))
		default:
			return fmt.Errorf("replay stopped: %w", err)
		}
	},
}

func openStore(ctx context.Context, cmd *cobra.Command) (offline.Store, config.Send, error) {
	cfg := sendConfig()
	if !cfg.Offline.Enabled {
		return nil, cfg, fmt.Errorf("no offline store configured (use --offline)")
	}
	store, err := offline.Open(ctx, cfg.Offline.Location, offline.WithLogger(cliLogger(cmd)))
	if err != nil {
		return nil, cfg, fmt.Errorf("open offline store: %w", err)
	}
	return store, cfg, nil
}

func init() {
	offlineReplayCmd.Flags().DurationVar(&replayTimeout, "max-duration", 5*time.Minute, "stop replaying after this long")
	offlineCmd.AddCommand(offlineListCmd)
	offlineCmd.AddCommand(offlineReplayCmd)
	rootCmd.AddCommand(offlineCmd)
}
