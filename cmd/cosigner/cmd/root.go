package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vault-cosigner/pkg/config"
	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/logger"
)

var (
	configDir   string
	destination string
	amount      uint64
	uiAmount    string
)

// rootCmd 没有子命令时执行一次完整的两阶段联签
var rootCmd = &cobra.Command{
	Use:   "cosigner",
	Short: "Solana SPL 转账的两阶段 vault 联签工具",
	Long: `先由 fee payer vault 签名 (不广播)，再由 source vault 补签并广播。
每个状态变化都会持久化，中断后可通过 resume 继续。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx, true, false)
		if err != nil {
			return err
		}
		defer a.close()

		spec, err := a.cfg.Transfer.TransferSpec()
		if err != nil {
			return err
		}
		if destination != "" {
			spec.Destination = destination
		}
		switch {
		case amount > 0:
			spec.Amount = amount
		case uiAmount != "":
			if spec.Amount, err = config.BaseUnits(uiAmount, spec.Decimals); err != nil {
				return err
			}
		}

		a.log.Info("开始联签",
			zap.String("source", spec.Source), zap.String("destination", spec.Destination),
			zap.String("fee_payer", spec.FeePayer), zap.Uint64("amount", spec.Amount))
		res, err := a.cosign.Run(ctx, spec)
		if res != nil {
			printJSON(res)
		}
		return err
	},
}

// Execute 执行命令并返回进程退出码
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code, _ := errno.Decode(err)
		logger.Error("命令执行失败", zap.Int("code", code), zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		return errno.ExitCode(err)
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "config.yaml 所在目录 (默认 . 与 ./config)")
	rootCmd.Flags().StringVar(&destination, "destination", "", "覆盖 transfer.destination")
	rootCmd.Flags().Uint64Var(&amount, "amount", 0, "覆盖 transfer.amount (最小单位)")
	rootCmd.Flags().StringVar(&uiAmount, "ui-amount", "", "覆盖 transfer.ui_amount (十进制)")
	rootCmd.MarkFlagsMutuallyExclusive("amount", "ui-amount")
}

func configPaths() []string {
	if configDir == "" {
		return nil
	}
	return []string{configDir}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
