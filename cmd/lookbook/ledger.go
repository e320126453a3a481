package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/lookbook-bot/internal/ledger"
)

var historyLimitFlag int

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Print a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, _, err := bootLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		balance, err := store.Balance(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", balance)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Add credits to a user as an admin adjustment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer, got %q", args[1])
		}
		ctx := cmd.Context()
		store, _, err := bootLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.AddCredits(ctx, userID, amount, ledger.KindAdjust, "admin:cli"); err != nil {
			return err
		}
		balance, err := store.Balance(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted %d, balance %d\n", amount, balance)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List a user's transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, _, err := bootLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		return printHistory(ctx, cmd, store, userID, historyLimitFlag)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", ledger.DefaultListLimit, "Maximum transactions to list")
}

func printHistory(ctx context.Context, cmd *cobra.Command, store ledger.Store, userID int64, limit int) error {
	txns, err := store.Transactions(ctx, userID, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(txns) == 0 {
		fmt.Fprintln(out, "no transactions")
		return nil
	}
	for _, t := range txns {
		fmt.Fprintf(out, "%s  %-8s %+6d  %s\n", t.CreatedAt.Local().Format(time.DateTime), t.Kind, t.Amount, t.Meta)
	}
	return nil
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
