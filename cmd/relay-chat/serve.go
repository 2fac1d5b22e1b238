package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/relaychat/pkg/config"
	"github.com/go-go-golems/relaychat/pkg/provider"
	"github.com/go-go-golems/relaychat/pkg/webchat"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat relay over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			p, err := provider.New(ctx, provider.Settings{
				Name:        settings.Provider.Name,
				Model:       settings.Provider.Model,
				APIKey:      settings.Provider.APIKey,
				BaseURL:     settings.Provider.BaseURL,
				Temperature: settings.Provider.Temperature,
			})
			if err != nil {
				return errors.Wrap(err, "create provider")
			}
			log.Info().
				Str("provider", settings.Provider.Name).
				Str("model", settings.Provider.Model).
				Bool("redis", settings.Redis.Enabled).
				Msg("provider ready")

			srv, err := webchat.NewServer(ctx, settings, p)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}
