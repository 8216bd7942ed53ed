package cmd

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "从持久化状态继续一个中断的 run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context(), true, false)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.cosign.Resume(cmd.Context(), args[0])
		if res != nil {
			printJSON(res)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
