package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "查看 run 的当前状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context(), false, false)
		if err != nil {
			return err
		}
		defer a.close()

		run, err := a.cosign.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJSON(run)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
