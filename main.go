package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"payment_emulator/config"
	"payment_emulator/utils"
	"payment_emulator/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:          "payment-emulator",
		Short:        "Emulates devices and merchants against a payment backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", ".", "directory holding config.yaml")

	setup := func() (*config.Config, *zap.SugaredLogger, error) {
		cfg, err := config.Load(configDir)
		if err != nil {
			return nil, nil, err
		}
		log, err := utils.InitLogger(cfg.App.LogLevel, cfg.App.LogDir)
		if err != nil {
			return nil, nil, err
		}
		utils.Logger = log
		return cfg, log, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Interactive console with the callback, health and log servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			return runConsole(cmd.Context(), cfg, log)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "headless",
		Short: "Resume devices, start enabled merchants and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			return runHeadless(cmd.Context(), cfg, log)
		},
	})

	var logsURL string
	var logsRetry time.Duration
	logsCmd := &cobra.Command{
		Use:   "logs <merchantID>",
		Short: "Tail a merchant's traffic log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			url := logsURL
			if url == "" {
				url = fmt.Sprintf("ws://%s:%d/ws/logs/%s", cfg.Server.CallbackHost, cfg.Server.CallbackPort, args[0])
			}
			return tailLogs(cmd.Context(), url, logsRetry, cmd, log)
		},
	}
	logsCmd.Flags().StringVar(&logsURL, "url", "", "websocket URL (defaults to the local server)")
	logsCmd.Flags().DurationVar(&logsRetry, "retry", 5*time.Minute, "give up after failing to connect for this long")
	root.AddCommand(logsCmd)

	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runConsole(parent context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.start(ctx)
	defer a.shutdown()

	c := newConsole(a)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, os.Stdin, os.Stdout) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Infow("Shutdown signal received")
		return nil
	}
}

func runHeadless(parent context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.start(ctx)
	defer a.shutdown()

	log.Infow("Running headless", "traffic_started", a.startEnabledTraffic())
	<-ctx.Done()
	log.Infow("Shutdown signal received")
	return nil
}

func tailLogs(parent context.Context, url string, retry time.Duration, cmd *cobra.Command, log *zap.SugaredLogger) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	client := ws.NewWebSocketClient(url, nil, log)
	out := cmd.OutOrStdout()
	client.OnMessage = func(l ws.LogLine) {
		fmt.Fprintln(out, l.Line)
	}

	err := client.Tail(ctx, retry)
	switch {
	case errors.Is(err, ws.ErrRunEnded):
		fmt.Fprintln(out, "traffic run ended")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
