package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcsp-io/mcsp/internal/config"
	"github.com/mcsp-io/mcsp/internal/metrics"
	"github.com/mcsp-io/mcsp/internal/platform"
	"github.com/mcsp-io/mcsp/internal/server"
	"github.com/mcsp-io/mcsp/internal/tts"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mcsp inference daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			backend, err := config.NormalizeBackend(cfg.TTS.Backend)
			if err != nil {
				return err
			}

			var svc *tts.Service
			if backend == config.BackendNative || backend == config.BackendNativeSafetensors || backend == config.BackendKokoro {
				svc, err = tts.NewService(cfg)
				if err != nil {
					return err
				}

				defer svc.Close()
			}

			plat, err := platform.New(cfg)
			if err != nil {
				return err
			}

			defer plat.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			group, groupCtx := errgroup.WithContext(ctx)

			if cfg.Metrics.Enabled {
				metricsSrv, err := metrics.NewServer(cfg.Metrics.ListenAddr)
				if err != nil {
					return err
				}

				metrics.NewMetrics() // registers collectors against the default registry

				group.Go(func() error {
					slog.Info("metrics server listening", "addr", metricsSrv.Addr())
					return metricsSrv.Serve(groupCtx)
				})
			}

			srv := server.New(cfg, svc).
				WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeout) * time.Second).
				WithPlatform(plat)

			group.Go(func() error {
				return srv.Start(groupCtx)
			})

			return group.Wait()
		},
	}

	defaults := config.DefaultConfig()
	config.RegisterFlags(cmd.Flags(), defaults)

	return cmd
}
