package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"vaultpulse/internal/app"
	"vaultpulse/internal/storage"
)

func newWebhookCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the persisted broadcast webhook URL",
		Long: `The persisted webhook URL takes precedence over broadcast.webhook_url in
the config file. It requires storage to be enabled.`,
	}

	withStore := func(fn func(ctx context.Context, st storage.Store) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			a, err := oneShotApp(g)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopOneShot) }()
			if a.Store() == nil {
				return fmt.Errorf("webhook: %w (set storage.driver)", storage.ErrDisabled)
			}
			return fn(cmd.Context(), a.Store())
		}
	}

	setCmd := &cobra.Command{
		Use:   "set <url>",
		Short: "Persist the webhook URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[0])
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return errors.New("webhook: want an absolute http(s) URL")
			}
			return withStore(func(ctx context.Context, st storage.Store) error {
				if err := st.PutSetting(ctx, storage.SettingWebhookURL, u.String()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "webhook set:", u.String())
				return nil
			})(cmd, args)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the persisted webhook URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st storage.Store) error {
				v, ok, err := st.GetSetting(ctx, storage.SettingWebhookURL)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "webhook not set")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})(cmd, args)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the persisted webhook URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st storage.Store) error {
				if err := st.DeleteSetting(ctx, storage.SettingWebhookURL); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "webhook cleared")
				return nil
			})(cmd, args)
		},
	}

	cmd.AddCommand(setCmd, getCmd, clearCmd)
	return cmd
}
