package cmd

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/levbot/engine"
	"github.com/michaelpento.lv/levbot/utils"
)

var openFlags struct {
	collateral  string
	borrow      string
	amount      string
	leverage    string
	instruction string
	minOutput   string
	deadline    time.Duration
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a leveraged position",
	Long: `Open a leveraged position: the engine pulls your collateral, flash
loans the shortfall, supplies the total, borrows against it and swaps
the borrowings back into the collateral asset to repay the loan.`,
	RunE: runOpen,
}

func init() {
	openCmd.Flags().StringVar(&openFlags.collateral, "collateral", "", "collateral token address")
	openCmd.Flags().StringVar(&openFlags.borrow, "borrow", "", "borrow token address")
	openCmd.Flags().StringVar(&openFlags.amount, "amount", "", "collateral amount to deposit (human units)")
	openCmd.Flags().StringVar(&openFlags.leverage, "leverage", "", "target leverage multiple, e.g. 3 or 2.5")
	openCmd.Flags().StringVar(&openFlags.instruction, "instruction", "", "hex-encoded aggregator calldata for the borrow->collateral swap")
	openCmd.Flags().StringVar(&openFlags.minOutput, "min-output", "", "minimum swap output in collateral units (human units)")
	openCmd.Flags().DurationVar(&openFlags.deadline, "deadline", 5*time.Minute, "time budget before the operation is refused")

	for _, f := range []string{"collateral", "borrow", "amount", "leverage"} {
		if err := openCmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(openCmd)
}

func runOpen(cmd *cobra.Command, args []string) error {
	log := utils.GetLogger()
	s, err := buildStack(log)
	if err != nil {
		return err
	}
	if err := requireReceiver(s.cfg); err != nil {
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
	log.Info("Opening position",
		zap.String("collateral", p.CollateralToken.Hex()),
		zap.String("borrow", p.BorrowToken.Hex()),
		zap.String("flash_loan", formatAmount(szg.FlashLoanAmount, collDec)),
	)

	if err := s.engine.OpenPosition(ctx, p); err != nil {
		return fmt.Errorf("open failed: %w", err)
	}

	fmt.Printf("Position opened: supplied %s collateral at %sx leverage\n",
		openFlags.amount, openFlags.leverage)
	return nil
}

// openParamsFromFlags parses the open flags into engine params, also
// returning the collateral decimals for display formatting.
func openParamsFromFlags(cmd *cobra.Command, s *stack) (engine.OpenParams, uint8, error) {
	var p engine.OpenParams

	collateral := common.HexToAddress(openFlags.collateral)
	borrow := common.HexToAddress(openFlags.borrow)

	ctx := cmd.Context()
	collCfg, err := s.client.ReserveConfig(ctx, collateral)
	if err != nil {
		return p, 0, fmt.Errorf("collateral reserve: %w", err)
	}

	amount, err := parseAmount(openFlags.amount, collCfg.Decimals)
	if err != nil {
		return p, 0, err
	}
	leverage, err := parseLeverage(openFlags.leverage)
	if err != nil {
		return p, 0, err
	}
	instruction, err := parseInstruction(openFlags.instruction)
	if err != nil {
		return p, 0, err
	}
	minOutput := new(big.Int)
	if openFlags.minOutput != "" {
		minOutput, err = parseAmount(openFlags.minOutput, collCfg.Decimals)
		if err != nil {
			return p, 0, err
		}
	}

	p = engine.OpenParams{
		Caller:           s.owner,
		CollateralToken:  collateral,
		BorrowToken:      borrow,
		CollateralAmount: amount,
		Leverage:         leverage,
		SwapInstruction:  instruction,
		MinSwapOutput:    minOutput,
		Deadline:         time.Now().Add(openFlags.deadline),
	}
	return p, collCfg.Decimals, nil
}

// parseInstruction decodes hex aggregator calldata, with or without a
// 0x prefix. Empty input yields nil, which the engine only accepts for
// same-token operations.
func parseInstruction(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid swap instruction: %w", err)
	}
	return b, nil
}
