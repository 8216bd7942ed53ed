package txbuilder

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCBlockhashSource 通过 JSON-RPC 获取 finalized blockhash
type RPCBlockhashSource struct {
	client *rpc.Client
}

func NewRPCBlockhashSource(endpoint string) *RPCBlockhashSource {
	return &RPCBlockhashSource{client: rpc.New(endpoint)}
}

func (s *RPCBlockhashSource) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, err
	}
	return out.Value.Blockhash, nil
}

// StaticBlockhash 返回固定 blockhash，用于离线构建与测试
type StaticBlockhash solana.Hash

func (h StaticBlockhash) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash(h), nil
}
