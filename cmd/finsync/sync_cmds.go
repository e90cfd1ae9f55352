package main

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"finsync/internal/amqp"
	"finsync/internal/cli"
	"finsync/internal/core"
	"finsync/internal/storage"

	"github.com/spf13/cobra"
)

// parseKinds resolves --kind flags; none means every kind.
func parseKinds(names []string) ([]core.EntityKind, error) {
	if len(names) == 0 {
		return core.SyncKinds(), nil
	}
	kinds := make([]core.EntityKind, 0, len(names))
	for _, n := range names {
		k, err := core.ParseEntityKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func syncCmd(a *app) *cobra.Command {
	var (
		kindNames []string
		publish   bool
		reason    string
		changes   bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending local changes to the remote",
		Long: `Run a push pass now, or with --publish hand the request to a
finsync-worker over the AMQP trigger bus.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			kinds, err := parseKinds(kindNames)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if publish {
				if a.cfg.AMQPURL == "" {
					return fmt.Errorf("--publish needs AMQP_URL")
				}
				client, err := amqp.NewClient(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.cfg.AMQPQueue, a.cfg.AMQPResultQueue)
				if err != nil {
					return err
				}
				defer client.Close()

				msg := amqp.NewSyncRequestMessage(userID, reason, kinds...)
				if err := client.PublishSyncRequest(cmd.Context(), msg); err != nil {
					return err
				}
				fmt.Fprintf(out, "Sync request published for %s\n", userID)
				return nil
			}

			ctx, cancel := cli.SessionContext(cmd.Context(), a.sess)
			defer cancel()

			coord := cli.NewCoordinator(a.cfg, a.store, a.client, a.sess, nil)
			stop := func() {}
			if changes {
				stop = followChanges(a.store, out)
			}
			report, syncErr := coord.SyncKinds(ctx, userID, kinds)
			stop()

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tPENDING\tSYNCED\tREQUEUED\tFAILED\tCONFLICT\tSKIPPED\tDELETED\tTIME")
			for _, k := range report.Kinds {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
					k.Kind, k.Pending, k.Synced, k.Requeued, k.Failed, k.Conflicted, k.Skipped, k.Deleted,
					k.Duration.Round(time.Millisecond))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return syncErr
		},
	}
	cmd.Flags().StringSliceVar(&kindNames, "kind", nil, "Entity kind to sync (repeatable; default all)")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish a sync request instead of syncing in-process")
	cmd.Flags().StringVar(&reason, "reason", amqp.ReasonManual, "Trigger reason sent with --publish")
	cmd.Flags().BoolVar(&changes, "changes", false, "Print each record state change as the pass runs")
	return cmd
}

func refreshCmd(a *app) *cobra.Command {
	var kindNames []string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Pull remote records and merge them into the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			kinds, err := parseKinds(kindNames)
			if err != nil {
				return err
			}

			ctx, cancel := cli.SessionContext(cmd.Context(), a.sess)
			defer cancel()

			coord := cli.NewCoordinator(a.cfg, a.store, a.client, a.sess, nil)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tFETCHED\tINSERTED\tUPDATED\tUNCHANGED\tPRESERVED\tSKIPPED")
			for _, kind := range kinds {
				r, err := coord.RefreshFromRemote(ctx, userID, kind)
				if err != nil {
					tw.Flush()
					return fmt.Errorf("refresh %s: %w", kind, err)
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					r.Kind, r.Fetched, r.Inserted, r.Updated, r.Unchanged, r.Preserved, r.Skipped)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&kindNames, "kind", nil, "Entity kind to refresh (repeatable; default all)")
	return cmd
}

// followChanges prints every store change until the returned stop is called.
func followChanges(store *storage.Store, out io.Writer) (stop func()) {
	merged := make(chan storage.Change)
	var (
		feeders sync.WaitGroup
		cancels []func()
	)
	for _, kind := range core.SyncKinds() {
		ch, unsubscribe := store.Subscribe(kind)
		cancels = append(cancels, unsubscribe)
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			for c := range ch {
				merged <- c
			}
		}()
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for c := range merged {
			id := c.LocalID
			if id == "" {
				id = "*"
			}
			fmt.Fprintf(out, "%s %s %s\n", c.Kind, id, c.Op)
		}
	}()

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
		feeders.Wait()
		close(merged)
		<-printed
	}
}
