package cmd

import (
	"context"

	"github.com/michaelpento.lv/levbot/utils"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "levbot",
	Short: "A CLI for opening and unwinding leveraged lending-pool positions",
	Long: `A CLI that opens and unwinds leveraged positions by combining a
flash loan, a lending-pool supply/borrow cycle and an aggregator swap,
executed as a single atomic unit with strict repayment checks.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.levbot.json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	utils.InitLogger(debug)
}
