package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/djcass44/go-utils/logging"
	"github.com/djcass44/repodata-gateway/cmd/cache"
	"github.com/djcass44/repodata-gateway/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var command = &cobra.Command{
	Use:          "rdg",
	Short:        "fetch, cache and query conda repodata",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel, _ := cmd.Flags().GetInt(flagLogLevel)

		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.Level(logLevel * -1))
		// repodata output goes to stdout
		zc.OutputPaths = []string{"stderr"}

		_, ctx := logging.NewZap(cmd.Context(), zc)
		cmd.SetContext(ctx)
	},
}

const flagLogLevel = "v"

func init() {
	command.PersistentFlags().Int(flagLogLevel, 0, "log level. Higher is more")
	config.AddFlags(command.PersistentFlags())
	command.AddCommand(queryCmd, cache.Command)
}

// Execute runs the CLI until it finishes or is interrupted.
// Fetches that are interrupted leave the cache as it was.
func Execute(version string) {
	command.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := command.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
