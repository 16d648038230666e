// Package cli implements the offload command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/seantiz/offload/internal/config"
)

const (
	appName   = "offload"
	envPrefix = "OFFLOAD"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          appName,
	Short:        "offload: accept tasks over HTTP and run them in the background",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/offload/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./offload.yaml)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("log-format", config.DefaultLogFormat, "log format: json | text")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("log_format", rootCmd.PersistentFlags(), "log-format")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for the SQLite database; empty keeps tasks in memory")
	bindFlag("data_dir", rootCmd.PersistentFlags(), "data-dir")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(newInitCmd(defaultConfigYAML))
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName(appName)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join(home, "."+appName))
		viper.AddConfigPath("/etc/" + appName)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(w io.Writer, cfg config.Config) *slog.Logger {
	return config.NewLogger(w, config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat).
		With(slog.String("service", appName))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q -> %q: %v", flagName, viperKey, err))
	}
}
