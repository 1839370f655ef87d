package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beaconlabs/beaconq/internal/config"
	"github.com/beaconlabs/beaconq/storage"
)

var (
	cfgFile   string
	storePath string
	backend   string
	queueKey  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "beaconq",
	Short: "Beaconq CLI - Work with an offline-tolerant telemetry event queue",
	Long: `Beaconq CLI (beaconq) manages a durable, file- or sqlite-backed queue of
telemetry events and drains it to a remote collector.

You can use it to enqueue payloads while offline, inspect queue depth, and
run the sync engine until the backlog is delivered.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.beaconq.yaml)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "beaconq.db", "path to the durable store (DSN for the postgres backend)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "sqlite", "store backend: sqlite, file or postgres")
	rootCmd.PersistentFlags().StringVar(&queueKey, "key", "", "storage key for the queue snapshot")

	viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("key", rootCmd.PersistentFlags().Lookup("key"))
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
		viper.SetConfigName(".beaconq")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("store") {
		if s := viper.GetString("store"); s != "" {
			storePath = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("backend") {
		if s := viper.GetString("backend"); s != "" {
			backend = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("key") {
		if s := viper.GetString("key"); s != "" {
			queueKey = s
		}
	}
}

// openStore builds the selected durable store backend.
func openStore(ctx context.Context) (storage.Store, func(), error) {
	switch backend {
	case "sqlite":
		s, err := storage.NewSQLite(ctx, storePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "file":
		s, err := storage.NewFile(storePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		s, err := storage.NewPostgres(ctx, storePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want sqlite, file or postgres)", backend)
	}
}

// envConfig resolves the environment-driven settings shared by subcommands.
func envConfig() config.Config {
	cfg := config.FromEnv()
	if queueKey != "" {
		cfg.Queue.Key = queueKey
	}
	return cfg
}
