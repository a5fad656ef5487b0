package cmd

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/levbot/engine"
	"github.com/michaelpento.lv/levbot/utils"
)

var unwindFlags struct {
	collateral  string
	debt        string
	amount      string
	instruction string
	minOutput   string
	deadline    time.Duration
}

var unwindCmd = &cobra.Command{
	Use:   "unwind",
	Short: "Unwind part of a leveraged position",
	Long: `Unwind a leveraged position: the engine flash loans the debt asset,
repays the requested amount, withdraws the freed collateral, swaps it
back into the debt asset and repays the flash loan.`,
	RunE: runUnwind,
}

func init() {
	unwindCmd.Flags().StringVar(&unwindFlags.collateral, "collateral", "", "collateral token address")
	unwindCmd.Flags().StringVar(&unwindFlags.debt, "debt", "", "debt token address")
	unwindCmd.Flags().StringVar(&unwindFlags.amount, "amount", "", "debt amount to repay (human units)")
	unwindCmd.Flags().StringVar(&unwindFlags.instruction, "instruction", "", "hex-encoded aggregator calldata for the collateral->debt swap")
	unwindCmd.Flags().StringVar(&unwindFlags.minOutput, "min-output", "", "minimum swap output in debt units (human units)")
	unwindCmd.Flags().DurationVar(&unwindFlags.deadline, "deadline", 5*time.Minute, "time budget before the operation is refused")

	for _, f := range []string{"collateral", "debt", "amount"} {
		if err := unwindCmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(unwindCmd)
}

func runUnwind(cmd *cobra.Command, args []string) error {
	log := utils.GetLogger()
	s, err := buildStack(log)
	if err != nil {
		return err
	}
	if err := requireReceiver(s.cfg); err != nil {
		return err
	}

	p, collDec, err := unwindParamsFromFlags(cmd, s)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	szg, err := s.engine.ComputeUnwindSizing(ctx, p)
	if err != nil {
		return fmt.Errorf("sizing failed: %w", err)
	}
	log.Info("Unwinding position",
		zap.String("collateral", p.CollateralToken.Hex()),
		zap.String("debt", p.DebtToken.Hex()),
		zap.String("withdraw", formatAmount(szg.CollateralToWithdraw, collDec)),
	)

	if err := s.engine.UnwindPosition(ctx, p); err != nil {
		return fmt.Errorf("unwind failed: %w", err)
	}

	fmt.Printf("Position unwound: repaid %s of debt\n", unwindFlags.amount)
	return nil
}

func unwindParamsFromFlags(cmd *cobra.Command, s *stack) (engine.UnwindParams, uint8, error) {
	var p engine.UnwindParams

	collateral := common.HexToAddress(unwindFlags.collateral)
	debt := common.HexToAddress(unwindFlags.debt)

	ctx := cmd.Context()
	collCfg, err := s.client.ReserveConfig(ctx, collateral)
	if err != nil {
		return p, 0, fmt.Errorf("collateral reserve: %w", err)
	}
	debtCfg, err := s.client.ReserveConfig(ctx, debt)
	if err != nil {
		return p, 0, fmt.Errorf("debt reserve: %w", err)
	}

	amount, err := parseAmount(unwindFlags.amount, debtCfg.Decimals)
	if err != nil {
		return p, 0, err
	}
	instruction, err := parseInstruction(unwindFlags.instruction)
	if err != nil {
		return p, 0, err
	}
	minOutput := new(big.Int)
	if unwindFlags.minOutput != "" {
		minOutput, err = parseAmount(unwindFlags.minOutput, debtCfg.Decimals)
		if err != nil {
			return p, 0, err
		}
	}

	p = engine.UnwindParams{
		Caller:          s.owner,
		CollateralToken: collateral,
		DebtToken:       debt,
		DebtAmount:      amount,
		SwapInstruction: instruction,
		MinSwapOutput:   minOutput,
		Deadline:        time.Now().Add(unwindFlags.deadline),
	}
	return p, collCfg.Decimals, nil
}
