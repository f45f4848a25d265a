package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/bookvoice/internal/inference"
)

// newServerCmd runs the loopback inference server in the foreground.
// The desktop process normally spawns this as `bookvoice server`; it is
// also handy on its own for debugging engines.
func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the loopback inference server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			prober := inference.NewDeviceProber(slog.Default())
			device := prober.Detect(ctx)
			slog.Info("inference device selected",
				"device", device.Device,
				"backend", device.Backend,
				"gpu", device.GPUName,
			)

			srv := inference.NewServer(
				cfg.Server.ListenAddr,
				inference.DefaultEngines(cfg.Paths.ResourcesDir),
				device,
				inference.WithRequestTimeout(time.Duration(cfg.Server.RequestTimeout)*time.Second),
				inference.WithShutdownDelay(time.Duration(cfg.Server.ShutdownDelayMS)*time.Millisecond),
				inference.WithLogger(slog.Default()),
			)
			return srv.Start(ctx)
		},
	}
	return cmd
}
