package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/meshctl/internal/client"
	"github.com/danmuck/meshctl/internal/meshlog"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/danmuck/meshctl/internal/server"
	"github.com/danmuck/meshctl/internal/store"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	var (
		device string
		noHTTP bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the radio and serve the diagnostics API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if device != "" {
				cfg.DeviceAddress = device
			}
			addr, err := transport.NormalizeTCPAddress(cfg.DeviceAddress)
			if err != nil {
				return fmt.Errorf("device address: %w", err)
			}
			cc := cfg.Client()
			cc.DeviceAddress = addr

			deps := client.Deps{
				Dialer:  transport.NewTCPDialer(cc.Session.ConnectTimeout),
				Metrics: observability.NewMetrics(nil),
			}
			if cfg.NodeStorePath != "" {
				deps.Store = store.NewFileStore(cfg.NodeStorePath)
			}
			if cfg.ActivityLogPath != "" {
				sink, err := meshlog.NewFileSink(cfg.ActivityLogPath)
				if err != nil {
					return err
				}
				deps.LogSink = sink
			}
			c, err := client.New(cc, deps)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.Run(gctx) })
			g.Go(func() error { return connect(gctx, c) })
			if !noHTTP {
				srv := server.New(c, server.Options{
					Addr:        cfg.HTTPAddr,
					CorsOrigins: cfg.CorsOrigins,
					Metrics:     deps.Metrics,
					Token:       cfg.APIToken,
				})
				g.Go(func() error { return srv.Serve(gctx) })
			}
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "radio address host[:port], overrides device_address")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not start the diagnostics server")
	return cmd
}

// connect starts the first session. Later link losses are handled by the client's
// reconnect policy; a failed first attempt ends the run.
func connect(ctx context.Context, c *client.Client) error {
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	start := time.Now()
	if err := c.WaitState(ctx, session.Synchronized); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	sess := c.Session()
	log.Info().
		Str("session", sess.ID).
		Uint32("my_node", sess.MyNodeNum).
		Int("nodes", len(c.Nodes())).
		Dur("handshake", time.Since(start)).
		Msg("radio synchronized")
	return nil
}
