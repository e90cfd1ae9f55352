package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"finsync/internal/cache"
	"finsync/internal/cli"
	"finsync/internal/core"
	"finsync/internal/services"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func walletCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage wallets",
	}

	var (
		name, walletType, balance, color, icon string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			bal := decimal.Zero
			if balance != "" {
				if bal, err = core.ParseAmount(balance); err != nil {
					return err
				}
			}
			w, err := a.store.PutWallet(cmd.Context(), core.Wallet{
				Envelope: core.Envelope{UserID: userID},
				Name:     name,
				Type:     core.WalletType(strings.ToUpper(walletType)),
				Balance:  bal,
				Color:    color,
				Icon:     icon,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), w.LocalID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Wallet name")
	add.Flags().StringVar(&walletType, "type", string(core.WalletCash), "CASH, BANK, E_WALLET, INVESTMENT or DEBT")
	add.Flags().StringVar(&balance, "balance", "", "Opening balance")
	add.Flags().StringVar(&color, "color", "", "Display color")
	add.Flags().StringVar(&icon, "icon", "", "Display icon")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			wallets, err := a.store.ListWallets(cmd.Context(), userID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tBALANCE\tSTATE")
			for _, w := range wallets {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", w.LocalID, w.Name, w.Type, core.FormatAmount(w.Balance), w.SyncState)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func txnCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "txn",
		Aliases: []string{"transaction"},
		Short:   "Manage transactions",
	}

	var amount, txnType, category, date, merchant, location, notes string
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			amt, err := core.ParseAmount(amount)
			if err != nil {
				return err
			}
			typ := core.TransactionType(strings.ToUpper(txnType))
			// Expenses are stored negative, income positive.
			switch {
			case typ == core.Expense && amt.IsPositive():
				amt = amt.Neg()
			case typ == core.Income && amt.IsNegative():
				amt = amt.Neg()
			}

			day := a.store.Now().UTC().Truncate(24 * time.Hour)
			if date != "" {
				if day, err = time.Parse(dateLayout, date); err != nil {
					return fmt.Errorf("invalid --date %q, want YYYY-MM-DD", date)
				}
			}

			t, err := a.store.PutTransaction(cmd.Context(), core.Transaction{
				Envelope: core.Envelope{UserID: userID},
				Amount:   amt,
				Type:     typ,
				Category: category,
				Date:     day,
				Merchant: merchant,
				Location: location,
				Notes:    notes,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.LocalID)
			return nil
		},
	}
	add.Flags().StringVar(&amount, "amount", "", "Amount, e.g. 12.50 or 12,50")
	add.Flags().StringVar(&txnType, "type", string(core.Expense), "EXPENSE or INCOME")
	add.Flags().StringVar(&category, "category", "", "Category name")
	add.Flags().StringVar(&date, "date", "", "Date as YYYY-MM-DD (default today)")
	add.Flags().StringVar(&merchant, "merchant", "", "Merchant")
	add.Flags().StringVar(&location, "location", "", "Location")
	add.Flags().StringVar(&notes, "notes", "", "Notes (max 500 bytes)")
	_ = add.MarkFlagRequired("amount")
	_ = add.MarkFlagRequired("category")

	list := &cobra.Command{
		Use:   "list",
		Short: "List transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			txns, err := a.store.ListTransactions(cmd.Context(), userID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDATE\tTYPE\tAMOUNT\tCATEGORY\tMERCHANT\tSTATE")
			for _, t := range txns {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.LocalID, t.Date.Format(dateLayout), t.Type, core.FormatAmount(t.Amount), t.Category, t.Merchant, t.SyncState)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <local-id>",
		Short: "Delete a record; the removal is synced on the next pass",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := core.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			if err := a.store.SoftDelete(cmd.Context(), kind, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s\n", kind, args[1])
			return nil
		},
	}
}

func ingestCmd(a *app) *cobra.Command {
	var promote bool

	cmd := &cobra.Command{
		Use:   "ingest <image>...",
		Short: "Extract receipts from images and store them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc := cli.NewReceiptService(a.cfg, a.store, a.client)

			caches := cache.NewManager()
			caches.Register("ocr", svc.Cache())
			caches.StartCleanup(ctx, time.Minute)
			defer caches.Stop()

			out := cmd.OutOrStdout()
			for _, path := range args {
				rt, err := ingestFile(cmd, svc, path, userID)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%s\treceipt %s\t%s %s\tconfidence %.2f\n",
					path, rt.LocalID, core.FormatAmount(rt.Total), rt.Currency, rt.Confidence)

				if !promote {
					continue
				}
				t, err := svc.Promote(ctx, rt.LocalID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\ttransaction %s\n", path, t.LocalID)
			}

			st := svc.Cache().Stats()
			a.logger.Debug("OCR cache", "hits", st.Hits, "misses", st.Misses, "size", st.Size)
			return nil
		},
	}
	cmd.Flags().BoolVar(&promote, "promote", false, "Also turn each receipt into an expense")
	return cmd
}

func ingestFile(cmd *cobra.Command, svc *services.ReceiptService, path, userID string) (core.ReceiptTransaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.ReceiptTransaction{}, err
	}
	defer f.Close()
	return svc.Ingest(cmd.Context(), f, userID)
}

func promoteCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "promote [receipt-id]...",
		Short: "Turn stored receipts into expense transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ids := args
			if all {
				userID, err := a.userID()
				if err != nil {
					return err
				}
				pending, err := a.store.ListUnprocessedReceipts(ctx, userID)
				if err != nil {
					return err
				}
				for _, rt := range pending {
					ids = append(ids, rt.LocalID)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no receipts to promote: pass ids or --all")
			}

			svc := cli.NewReceiptService(a.cfg, a.store, a.client)
			for _, id := range ids {
				t, err := svc.Promote(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", id, t.LocalID, core.FormatAmount(t.Amount))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Promote every unprocessed receipt")
	return cmd
}

func summaryCmd(a *app) *cobra.Command {
	var month string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show income and expenses for a month",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.userID()
			if err != nil {
				return err
			}
			at := a.store.Now().UTC()
			if month != "" {
				if at, err = time.Parse("2006-01", month); err != nil {
					return fmt.Errorf("invalid --month %q, want YYYY-MM", month)
				}
			}

			txns, err := a.store.ListTransactions(cmd.Context(), userID)
			if err != nil {
				return err
			}
			ov := core.Summarize(txns, at.Year(), int(at.Month()))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%04d-%02d\n", ov.Year, ov.Month)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Income\t%s\n", core.FormatAmount(ov.Income))
			fmt.Fprintf(tw, "Expense\t%s\n", core.FormatAmount(ov.Expense))
			fmt.Fprintf(tw, "Net\t%s\n", core.FormatAmount(ov.Net))
			for _, c := range ov.ByCategory {
				fmt.Fprintf(tw, "  %s\t%s\n", c.Name, core.FormatAmount(c.Amount))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "Month as YYYY-MM (default current)")
	return cmd
}
