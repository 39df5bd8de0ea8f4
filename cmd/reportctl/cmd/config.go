package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_report/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective reportctl configuration",
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the settings reportctl would send with, after flags, environment and config file are merged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := sendConfig()
		view := map[string]any{
			"endpoint": cfg.Endpoint,
			"token":    config.MaskToken(cfg.AccessToken),
			"timeout":  cfg.Timeout.String(),
			"offline":  cfg.Offline.Location,
			"scrub":    cfg.ScrubFields,
			"relay":    relayAddr,
		}
		if !cfg.Offline.Enabled {
			view["offline"] = ""
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, view)
		}
		fmt.Fprintln(w, "Current configuration:")
		fmt.Fprintf(w, "  Endpoint: %s\n", view["endpoint"])
		fmt.Fprintf(w, "  Token: %s\n", view["token"])
		fmt.Fprintf(w, "  Timeout: %s\n", view["timeout"])
		fmt.Fprintf(w, "  Offline store: %s\n", view["offline"])
		fmt.Fprintf(w, "  Scrub fields: %v\n", cfg.ScrubFields)
		fmt.Fprintf(w, "  Relay: %s\n", relayAddr)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  Config file: none (using defaults)")
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configViewCmd)
	rootCmd.AddCommand(configCmd)
}
