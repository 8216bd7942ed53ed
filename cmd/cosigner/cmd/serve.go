package cmd

import (
	"github.com/spf13/cobra"

	"vault-cosigner/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 run 状态查询接口与 /metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx, false, false)
		if err != nil {
			return err
		}
		defer a.close()

		a.startRelay(ctx)
		app := server.New(server.Config{HttpPort: a.cfg.App.HttpPort}, server.NewHTTPRouter(a.cosign))
		return app.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
