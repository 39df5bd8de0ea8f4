package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/logging"
)

var (
	cfgFile         string
	endpoint        string
	accessToken     string
	timeout         time.Duration
	offlineLocation string
	scrubFields     []string
	relayAddr       string
	outputJSON      bool
	verbose         bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reportctl",
	Short: "Harbor Report CLI - send reports and manage the offline store",
	Long: `Harbor Report CLI (reportctl) drives the report delivery core from the
command line.

You can use it to send payloads to an ingestion endpoint, inspect and replay
reports kept in the offline store, and check a running relay.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	def := config.DefaultSend()

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.reportctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", def.Endpoint, "ingestion endpoint URL")
	rootCmd.PersistentFlags().StringVar(&accessToken, "token", "", "access token (overrides REPORT_ACCESS_TOKEN env var)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", def.Timeout, "per-request timeout")
	rootCmd.PersistentFlags().StringVar(&offlineLocation, "offline", "", "offline store directory or postgres:// DSN")
	rootCmd.PersistentFlags().StringSliceVar(&scrubFields, "scrub", nil, "payload keys to redact before sending")
	rootCmd.PersistentFlags().StringVar(&relayAddr, "relay", "http://localhost:8080", "relay base URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "write delivery logs to stderr")

	// Bind flags to viper
	for _, name := range []string{"endpoint", "token", "timeout", "offline", "scrub", "relay", "json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	_ = viper.BindEnv("endpoint", "REPORT_ENDPOINT")
	_ = viper.BindEnv("token", "REPORT_ACCESS_TOKEN")
	_ = viper.BindEnv("offline", "OFFLINE_LOCATION")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".reportctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("endpoint") {
		if s := viper.GetString("endpoint"); s != "" {
			endpoint = s
		}
	}
	if !flags.Changed("token") {
		accessToken = viper.GetString("token")
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("offline") {
		offlineLocation = viper.GetString("offline")
	}
	if !flags.Changed("scrub") {
		if s := viper.GetStringSlice("scrub"); len(s) > 0 {
			scrubFields = s
		}
	}
	if !flags.Changed("relay") {
		if s := viper.GetString("relay"); s != "" {
			relayAddr = s
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// sendConfig builds the delivery settings from flags and config.
func sendConfig() config.Send {
	cfg := config.DefaultSend()
	cfg.Endpoint = endpoint
	cfg.AccessToken = accessToken
	cfg.Timeout = timeout
	cfg.ScrubFields = scrubFields
	cfg.MaxItemsInScope = 0
	if offlineLocation != "" {
		cfg.Offline.Enabled = true
		cfg.Offline.Location = offlineLocation
	}
	return cfg
}

// cliLogger writes delivery logs to stderr with --verbose, nowhere otherwise.
func cliLogger(cmd *cobra.Command) *logging.Logger {
	if verbose {
		return logging.NewWithWriter("reportctl", cmd.ErrOrStderr())
	}
	return logging.Discard()
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
