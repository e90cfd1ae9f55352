package main

import (
	"fmt"
	"text/tabwriter"

	"finsync/internal/core"
	"finsync/internal/session"

	"github.com/spf13/cobra"
)

func loginCmd(a *app) *cobra.Command {
	var guest bool

	cmd := &cobra.Command{
		Use:   "login [callback-url]",
		Short: "Start a session from an auth deep link, or a local guest session",
		Args: func(cmd *cobra.Command, args []string) error {
			if guest {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var cb session.Callback
			if guest {
				cb = session.Callback{UserID: core.NewLocalID(), Guest: true}
			} else {
				parsed, err := session.ParseCallback(args[0], a.cfg.AuthCallbackScheme)
				if err != nil {
					return err
				}
				cb = parsed
			}

			if err := a.sess.Restore(cmd.Context(), cb); err != nil {
				return err
			}
			if err := session.SaveCredentials(a.cfg.CredentialsPath, a.sess.Credentials()); err != nil {
				return err
			}

			if guest {
				fmt.Fprintf(cmd.OutOrStdout(), "Guest session started for %s (sync disabled)\n", cb.UserID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", cb.UserID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&guest, "guest", false, "Use the app without an account; nothing is synced")
	return cmd
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget saved credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.sess.SignOut()
			if err := session.RemoveCredentials(a.cfg.CredentialsPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session and sync state of local records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			mode := "signed in"
			if a.sess.IsGuest() {
				mode = "guest (sync disabled)"
			} else if err := a.sess.CheckSync(userID); err != nil {
				mode = err.Error()
			}
			fmt.Fprintf(out, "User:    %s\nSession: %s\n\n", userID, mode)

			counts, err := a.store.CountByState(cmd.Context(), userID)
			if err != nil {
				return err
			}
			states := []core.SyncState{core.SyncPending, core.SyncSyncing, core.SyncSynced, core.SyncFailed, core.SyncConflict}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprint(tw, "KIND")
			for _, st := range states {
				fmt.Fprintf(tw, "\t%s", st)
			}
			fmt.Fprintln(tw)
			for _, kind := range core.SyncKinds() {
				fmt.Fprint(tw, kind)
				for _, st := range states {
					fmt.Fprintf(tw, "\t%d", counts[kind][st])
				}
				fmt.Fprintln(tw)
			}
			return tw.Flush()
		},
	}
}

func pinCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Manage the device PIN",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <pin>",
		Short: "Set or replace the device PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			hash, err := session.HashPIN(args[0])
			if err != nil {
				return err
			}
			st, err := a.store.GetSecuritySettings(cmd.Context(), userID)
			if err != nil {
				return err
			}
			st.PINHash = hash
			// Zero lets the store stamp the write.
			st.UpdatedAt = 0
			if _, err := a.store.PutSecuritySettings(cmd.Context(), st); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN updated")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <pin>",
		Short: "Check a PIN against the stored one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			st, err := a.store.GetSecuritySettings(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if st.PINHash == "" {
				return fmt.Errorf("no PIN set")
			}
			if !session.VerifyPIN(st.PINHash, args[0]) {
				return fmt.Errorf("PIN does not match")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN ok")
			return nil
		},
	})

	return cmd
}
