package cmd

import (
	"os"
	"time"

	"github.com/AzielCF/az-relay/core/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "az-relay",
	Short: "WhatsApp session supervisor bridged to a control plane",
	Long: `az-relay keeps a bounded set of WhatsApp sessions connected and
relays their traffic to a remote control plane over HTTP.`,
}

var (
	flagPort  string
	flagDebug bool
	flagOwner string
)

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&flagPort, "port", "p", "", "liveness server port | example: --port=8080")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "verbose logging | example: --debug=true")
	rootCmd.PersistentFlags().StringVarP(&flagOwner, "owner", "", "", "override the lock owner identity | example: --owner=worker-1")

	cobra.OnInitialize(initEnvConfig)
}

// initEnvConfig loads configuration and applies flag overrides.
func initEnvConfig() {
	time.Local = time.UTC

	if _, err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	viper.AutomaticEnv()
	if flagPort != "" {
		config.Global.App.Port = flagPort
	}
	if flagDebug {
		config.Global.App.Debug = true
	}
	if flagOwner != "" {
		config.Global.App.OwnerID = flagOwner
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if config.Global.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
