package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kookgo/kookgo/cmd/kookgo/internal"
	"github.com/kookgo/kookgo/cmd/kookgo/internal/gateway"
	"github.com/kookgo/kookgo/cmd/kookgo/internal/run"
	"github.com/kookgo/kookgo/cmd/kookgo/internal/version"
)

func NewKookgoCommand() *cobra.Command {
	short := fmt.Sprintf("kookgo - KOOK gateway bot runtime v%s", internal.GetVersion())

	cmd := &cobra.Command{
		Use:           "kookgo",
		Short:         short,
		Example:       "kookgo run --metrics-listen 127.0.0.1:9464",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "", "Config file (default $KOOKGO_CONFIG or ~/.kookgo/config.yaml)")

	cmd.AddCommand(
		run.NewRunCommand(),
		gateway.NewGatewayCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	if err := NewKookgoCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
