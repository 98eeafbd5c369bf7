package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vaultpulse/internal/app"
	"vaultpulse/internal/broadcast"
	"vaultpulse/internal/eventbus"
)

func newBroadcastCommand(g *globalFlags) *cobra.Command {
	var (
		pl      broadcast.Payload
		data    []string
		wait    time.Duration
		targets []string
	)
	cmd := &cobra.Command{
		Use:     "broadcast",
		Short:   "Queue one broadcast and wait until it is executed or fails",
		Example: `  vaultpulse broadcast --type relic_evolved --data relic=42 --priority high`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := parseData(data)
			if err != nil {
				return err
			}
			if len(fields) > 0 {
				pl.Data = fields
			}
			pl.Targets = targets

			a, err := oneShotApp(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := a.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				_ = a.Stop(stopCtx, app.StopOneShot)
			}()

			events, unsub := a.Bus().Subscribe(16, eventbus.TopicBroadcastExecuted, eventbus.TopicBroadcastFailed)
			defer unsub()
			id, err := a.Processor().QueueBroadcast(pl)
			if err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return fmt.Errorf("broadcast %s: no outcome within %s", id, wait)
				case e := <-events:
					out, ok := e.Data.(broadcast.Outcome)
					if !ok || out.ID != id {
						continue
					}
					if err := printJSON(cmd.OutOrStdout(), out); err != nil {
						return err
					}
					if out.State == broadcast.StateFailed {
						return fmt.Errorf("broadcast %s failed after %d attempt(s): %s", id, out.Attempts, out.Error)
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVarP(&pl.Type, "type", "t", "", "broadcast type (required)")
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "payload data as key=value (repeatable)")
	cmd.Flags().StringVar(&pl.Priority, "priority", "", "priority hint, e.g. high")
	cmd.Flags().StringSliceVar(&targets, "targets", nil, "optional target ids")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the outcome")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
