package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"vaultpulse/internal/app"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "vaultpulse",
		Short: "Multi-channel vault notifications and broadcast relay",
		Long: `vaultpulse fans vault events out to social, email, SMS and Telegram,
and delivers broadcast mutations through a retrying queue over WebSocket,
HTTP and an optional webhook.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level: trace, debug, info, warn, error")

	root.AddCommand(
		newServeCommand(g),
		newPulseCommand(g),
		newBroadcastCommand(g),
		newWebhookCommand(g),
	)
	return root
}

// oneShotApp builds an app without the relay server, real-time client or
// config watcher.
func oneShotApp(g *globalFlags) (*app.App, error) {
	return app.NewApp(g.configPath,
		app.WithServer(false),
		app.WithRealtime(false),
		app.WithWatch(false),
		app.WithLogLevel(g.logLevel),
	)
}

// parseData turns repeated k=v flags into a map. Numbers and booleans keep
// their type; everything else is a string.
func parseData(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --data %q (want key=value)", p)
		}
		switch {
		case v == "true" || v == "false":
			out[k] = v == "true"
		default:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				out[k] = n
			} else if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[k] = f
			} else {
				out[k] = v
			}
		}
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
