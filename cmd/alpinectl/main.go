package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alpinelight/alpine/pkg/logging"
)

var (
	flagAddr      string
	flagIdentity  string
	flagDeviceKey string
	flagTimeout   string
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	root := &cobra.Command{
		Use:   "alpinectl",
		Short: "Control and inspect lighting devices speaking the alpine protocol",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(flagLogLevel, flagLogFormat)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:7600", "device UDP address")
	root.PersistentFlags().StringVar(&flagIdentity, "identity", "", "path to the controller Ed25519 identity (generated if absent)")
	root.PersistentFlags().StringVar(&flagDeviceKey, "device-key", "", "base64 Ed25519 public key to pin the device to")
	root.PersistentFlags().StringVar(&flagTimeout, "timeout", "5s", "per-operation timeout")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(
		discoverCmd(),
		infoCmd(),
		statusCmd(),
		identifyCmd(),
		restartCmd(),
		setModeCmd(),
		timeSyncCmd(),
		streamCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
