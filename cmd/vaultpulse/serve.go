package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"vaultpulse/internal/app"
	logx "vaultpulse/pkg/logx"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, broadcast queue, real-time client and relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(g.configPath, app.WithLogLevel(g.logLevel))
			if err != nil {
				return err
			}
			log := a.Logger()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
				defer c()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}
			notify(log, daemon.SdNotifyReady)

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			notify(log, daemon.SdNotifyStopping)

			stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
			defer c()
			runErr := a.Err()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

// notify is a no-op outside systemd (NOTIFY_SOCKET unset).
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
