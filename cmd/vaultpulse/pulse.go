package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vaultpulse/internal/app"
	"vaultpulse/internal/pulse"
)

func newPulseCommand(g *globalFlags) *cobra.Command {
	var (
		eventType string
		data      []string
		severity  int
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Send one event to every enabled channel and print the results",
		Example: `  vaultpulse pulse --type mint --data title=Genesis --data token=7
  vaultpulse pulse --type glyph_detected --severity 9 --data title="Sigil of Ash"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := pulse.ParseEventType(eventType)
			if err != nil {
				return err
			}
			fields, err := parseData(data)
			if err != nil {
				return err
			}
			ev, err := pulse.NewEvent(t, fields, severity)
			if err != nil {
				return err
			}

			a, err := oneShotApp(g)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopOneShot) }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			results := a.Orchestrator().SendPulse(ctx, ev)

			if err := printJSON(cmd.OutOrStdout(), map[string]any{
				"event_id": ev.ID,
				"spread":   pulse.Spread(results).String(),
				"results":  results,
			}); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if !r.Success {
					failed++
				}
			}
			if len(results) == 0 {
				return fmt.Errorf("no channels enabled")
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d channel(s) failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&eventType, "type", "t", "", "event type: glyph_detected, vault_activity, mint")
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "event data as key=value (repeatable)")
	cmd.Flags().IntVar(&severity, "severity", 0, "severity 0-10 (0 = unset)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall send timeout")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
