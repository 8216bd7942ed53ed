package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vault-cosigner/pkg/apisigner"
	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/keystore"
)

var (
	keyIn       string
	keyOut      string
	passwordEnv string
)

// encryptKeyCmd 将 API Signer 私钥加密保存，配合 vault.private_key_password 使用
var encryptKeyCmd = &cobra.Command{
	Use:   "encrypt-key",
	Short: "使用密码加密 API Signer 私钥 (scrypt + AES-256-GCM)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := os.Getenv(passwordEnv)
		if password == "" {
			return errno.Newf(errno.ErrConfig, "environment variable %s is empty", passwordEnv)
		}
		pem, err := os.ReadFile(keyIn)
		if err != nil {
			return errno.Wrap(errno.ErrConfig, "read private key", err)
		}
		// 先确认是可用的签名私钥
		if _, err := apisigner.NewSigner(pem); err != nil {
			return err
		}

		k, err := keystore.Encrypt(pem, password, 0)
		if err != nil {
			return err
		}
		if err := k.SaveToFile(keyOut); err != nil {
			return errno.Wrap(errno.ErrConfig, "write keystore", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "keystore %s written to %s\n", k.Id, keyOut)
		return nil
	},
}

func init() {
	encryptKeyCmd.Flags().StringVar(&keyIn, "in", "./secret/private.pem", "PEM 私钥路径")
	encryptKeyCmd.Flags().StringVar(&keyOut, "out", "./secret/private.json", "输出的 keystore 路径")
	encryptKeyCmd.Flags().StringVar(&passwordEnv, "password-env", "VAULT_PRIVATE_KEY_PASSWORD", "读取密码的环境变量")
	rootCmd.AddCommand(encryptKeyCmd)
}
