package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/levbot/utils"
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Preview sizing without executing",
}

var quoteOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Preview the flash-loan and borrow amounts for an open",
	RunE:  runQuoteOpen,
}

var quoteUnwindCmd = &cobra.Command{
	Use:   "unwind",
	Short: "Preview the collateral withdrawal for an unwind",
	RunE:  runQuoteUnwind,
}

func init() {
	quoteOpenCmd.Flags().StringVar(&openFlags.collateral, "collateral", "", "collateral token address")
	quoteOpenCmd.Flags().StringVar(&openFlags.borrow, "borrow", "", "borrow token address")
	quoteOpenCmd.Flags().StringVar(&openFlags.amount, "amount", "", "collateral amount to deposit (human units)")
	quoteOpenCmd.Flags().StringVar(&openFlags.leverage, "leverage", "", "target leverage multiple")
	for _, f := range []string{"collateral", "borrow", "amount", "leverage"} {
		if err := quoteOpenCmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}

	quoteUnwindCmd.Flags().StringVar(&unwindFlags.collateral, "collateral", "", "collateral token address")
	quoteUnwindCmd.Flags().StringVar(&unwindFlags.debt, "debt", "", "debt token address")
	quoteUnwindCmd.Flags().StringVar(&unwindFlags.amount, "amount", "", "debt amount to repay (human units)")
	for _, f := range []string{"collateral", "debt", "amount"} {
		if err := quoteUnwindCmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}

	quoteCmd.AddCommand(quoteOpenCmd)
	quoteCmd.AddCommand(quoteUnwindCmd)
	rootCmd.AddCommand(quoteCmd)
}

func runQuoteOpen(cmd *cobra.Command, args []string) error {
	s, err := buildStack(utils.GetLogger())
	if err != nil {
		return err
	}
	p, collDec, err := openParamsFromFlags(cmd, s)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	szg, err := s.engine.ComputeOpenSizing(ctx, p)
	if err != nil {
		return fmt.Errorf("sizing failed: %w", err)
	}
	borrowCfg, err := s.client.ReserveConfig(ctx, common.HexToAddress(openFlags.borrow))
	if err != nil {
		return fmt.Errorf("borrow reserve: %w", err)
	}

	fmt.Printf("Collateral deposit:  %s\n", openFlags.amount)
	fmt.Printf("Flash loan:          %s (collateral units)\n", formatAmount(szg.FlashLoanAmount, collDec))
	fmt.Printf("Borrow:              %s (borrow units)\n", formatAmount(szg.BorrowAmount, borrowCfg.Decimals))
	return nil
}

func runQuoteUnwind(cmd *cobra.Command, args []string) error {
	s, err := buildStack(utils.GetLogger())
	if err != nil {
		return err
	}
	p, collDec, err := unwindParamsFromFlags(cmd, s)
	if err != nil {
		return err
	}

	szg, err := s.engine.ComputeUnwindSizing(cmd.Context(), p)
	if err != nil {
		return fmt.Errorf("sizing failed: %w", err)
	}

	fmt.Printf("Debt to repay:       %s\n", unwindFlags.amount)
	fmt.Printf("Withdraw (buffered): %s (collateral units)\n", formatAmount(szg.CollateralToWithdraw, collDec))
	fmt.Printf("Withdraw (raw):      %s (collateral units)\n", formatAmount(szg.Unbuffered, collDec))
	return nil
}
