package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	serverKey = "server"
	nameKey   = "name"
)

var rootCmd = &cobra.Command{
	Use:   "iglu",
	Short: "Command line client for iglu meetings",
	Long: `iglu is a terminal client for the iglu signaling server: create
meetings, join them, exchange chat messages and stream prerecorded
media to the other participants.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.iglu.yaml)")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "base URL of the signaling server")
	rootCmd.PersistentFlags().String("name", "", "display name used in meetings")

	_ = viper.BindPFlag(serverKey, rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag(nameKey, rootCmd.PersistentFlags().Lookup("name"))
	viper.SetDefault(serverKey, "http://127.0.0.1:8080")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".iglu")
	}

	viper.SetEnvPrefix("IGLU")
	viper.AutomaticEnv()

	// Missing config files are fine; flags and env cover everything.
	_ = viper.ReadInConfig()
}
