package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fpang/lookbook-bot/internal/payments"
)

var checkPaymentCmd = &cobra.Command{
	Use:   "check-payment <provider-payment-id>",
	Short: "Reconcile a payment with the provider and credit it once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := bootLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		yk := newYooKassa(cfg)
		if !yk.Enabled() {
			return errors.New("YK_SHOP_ID and YK_SECRET are required")
		}
		out, err := payments.NewReconciler(store, yk).Reconcile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n%s\n", out.Kind, out.Status, out.Message())
		return nil
	},
}
