// Package cmd is the isolab command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/isolab/isolab/internal/config"
	"github.com/isolab/isolab/internal/logx"
	"github.com/isolab/isolab/internal/output"
)

var (
	cfgFile      string
	verbose      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "isolab",
	Short: "isolab - disposable development sandboxes with per-sandbox egress policy",
	Long: `isolab runs long-lived development sandboxes as hardened containers and
confines each sandbox's outbound traffic with host firewall rules.

Network modes:
  none      no outbound traffic (ISOLATED)
  packages  DNS restricted to an allowlist, HTTP/HTTPS only (PACKAGES)
  web       any HTTP/HTTPS destination (WEB)
  open      unrestricted; "full" is accepted as an alias (FULL)`,
	Version:       "dev",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := output.ParseFormat(outputFormat); err != nil {
			return err
		}
		return nil
	},
}

// Execute runs the root command.
func Execute(version, commit, date string) error {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date)
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (default: $ISOLAB_HOME/config.yaml, then ~/.config/isolab/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level on stderr")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads the config file and ISOLAB_* variables into viper.
func initConfig() {
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		for _, dir := range config.ConfigSearchPaths(viper.GetString("home")) {
			viper.AddConfigPath(dir)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	err := viper.ReadInConfig()
	switch {
	case err == nil:
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	case cfgFile != "":
		cobra.CheckErr(fmt.Errorf("failed to read config %s: %w", cfgFile, err))
	default:
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			cobra.CheckErr(fmt.Errorf("failed to read config: %w", err))
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", cfg.Home, err)
	}
	return cfg, nil
}

// initLogging sets up the process logger. Daemons log JSON to stdout,
// everything else logs text to stderr so stdout carries only results.
func initLogging(service string, daemon bool) (func() error, error) {
	profile := logx.CLIProfile
	if daemon {
		profile = logx.DaemonProfile
	}
	if verbose && os.Getenv("LOG_LEVEL") == "" {
		os.Setenv("LOG_LEVEL", "debug")
	}
	_, closer, err := logx.Init(service, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return closer, nil
}

func printer(w io.Writer) *output.Printer {
	format, _ := output.ParseFormat(outputFormat)
	return &output.Printer{Format: format, Out: w}
}

// opContext tags one CLI invocation with an operation id.
func opContext(cmd *cobra.Command) context.Context {
	return logx.NewOperation(cmd.Context())
}
