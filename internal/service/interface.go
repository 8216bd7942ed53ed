package service

import (
	"context"

	"vault-cosigner/pkg/vault"
	"vault-cosigner/pkg/wallet/types"
)

// MessageBuilder 生成未签名消息 (txbuilder.Builder)
type MessageBuilder interface {
	BuildLatest(ctx context.Context, spec types.TransferSpec) (*types.UnsignedMessage, error)
}

// RequestSigner 为 API 调用生成认证签名 (apisigner.Signer)
type RequestSigner interface {
	Sign(path string, timestampMillis int64, body string) (string, error)
}

// VaultAPI 远端签名服务 (vault.Client)
type VaultAPI interface {
	Submit(ctx context.Context, path, accessToken, signature string, timestamp int64, body string) (*vault.TransactionRecord, error)
	Fetch(ctx context.Context, path, accessToken, id string) (*vault.TransactionRecord, error)
}
