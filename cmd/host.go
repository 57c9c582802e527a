package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"extbridge/pkg/config"
	"extbridge/pkg/host"
	"extbridge/pkg/logger"
	"extbridge/pkg/wire"

	"github.com/spf13/cobra"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the extension host",
	Long: "Runs the extension host with the UI surface attached over stdin/stdout " +
		"as JSON lines. Logs are written to stderr.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.host")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ui := wire.NewJSONChannel(os.Stdin, os.Stdout, os.Stdin, wire.Options{MaxFrame: cfg.Extensions.MaxFrameBytes})

		svc, err := host.NewService(runCtx, cfg, ui, appLogger)
		if err != nil {
			log.Error("Failed to initialize host service", "error", err)
			return
		}

		log.Info("Host started", "extensions_dir", cfg.Extensions.Dir, "codec", cfg.Extensions.Codec, "storage", cfg.Storage.Path)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Host runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
}
