package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/relaychat/pkg/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay-chat",
		Short:         "relay-chat streams generative chat answers to browsers and terminals",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger now that --log-level and co are parsed
			return logging.InitLoggerFromCobra(cmd)
		},
	}
	logging.AddFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newChatCmd(), newDeleteHistoryCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
