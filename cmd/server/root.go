package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/roomchat/internal/config"
)

var (
	configFile string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:           "roomchat",
	Short:         "Real-time room chat server with WebSocket fan-out and image uploads",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default "+config.DefaultConfigFile()+")")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// loadConfig resolves the config file from the flag or the default location.
func loadConfig(v *viper.Viper) (config.Config, error) {
	if configFile != "" {
		return config.Load(v, configFile, true)
	}
	return config.Load(v, config.DefaultConfigFile(), false)
}
