package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/relaychat/pkg/client"
)

func newDeleteHistoryCmd() *cobra.Command {
	var (
		server    string
		statePath string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "delete-history",
		Short: "Delete the conversation of the current session and start a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, st, err := loadState(statePath)
			if err != nil {
				return err
			}
			id := st.SessionID
			if sessionID != "" {
				id = sessionID
			}

			c, err := client.New(client.Options{BaseURL: server})
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, 30*time.Second)
			defer cancel()

			res, err := c.DeleteHistory(ctx, id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Message)

			// an explicit --session is not the stored one, leave the state alone
			if sessionID != "" && sessionID != st.SessionID {
				return nil
			}
			if err := store.Rotate(st); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "new session: %s\n", st.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:3000", "Relay base URL")
	cmd.Flags().StringVar(&statePath, "state", "", "Client state file (default: user config dir)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to delete instead of the stored one")
	return cmd
}
