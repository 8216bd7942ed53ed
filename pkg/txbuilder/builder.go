package txbuilder

import (
	"bytes"
	"context"
	"encoding/binary"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/wallet/types"
)

// DefaultComputeUnitLimit 单笔 TransferChecked 的计算单元上限
const DefaultComputeUnitLimit uint32 = 100_000

// ComputeBudgetProgramID 官方 ComputeBudget 程序
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const setComputeUnitLimitDiscriminator uint8 = 2

// BlockhashSource 提供最新的 recent blockhash
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// Builder 生成固定布局的未签名转账消息: [ComputeBudget?] + TransferChecked
type Builder struct {
	blockhash        BlockhashSource
	computeUnitLimit uint32 // 0 表示不添加 ComputeBudget 指令
}

func NewBuilder(blockhash BlockhashSource, computeUnitLimit uint32) *Builder {
	return &Builder{blockhash: blockhash, computeUnitLimit: computeUnitLimit}
}

// BuildLatest 先获取 blockhash 再编译消息
func (b *Builder) BuildLatest(ctx context.Context, spec types.TransferSpec) (*types.UnsignedMessage, error) {
	if b.blockhash == nil {
		return nil, errno.Newf(errno.ErrBuild, "no blockhash source configured")
	}
	hash, err := b.blockhash.LatestBlockhash(ctx)
	if err != nil {
		return nil, errno.Wrap(errno.ErrBuild, "fetch latest blockhash", err)
	}
	return b.Build(spec, hash)
}

// Build 对同一 spec 与 blockhash 的输出逐字节一致
func (b *Builder) Build(spec types.TransferSpec, blockhash solana.Hash) (*types.UnsignedMessage, error) {
	keys, err := parseKeys(spec)
	if err != nil {
		return nil, err
	}
	if spec.Amount == 0 {
		return nil, errno.Newf(errno.ErrBuild, "amount must be positive")
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(keys.source, keys.mint)
	if err != nil {
		return nil, errno.Wrap(errno.ErrBuild, "derive source token account", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(keys.destination, keys.mint)
	if err != nil {
		return nil, errno.Wrap(errno.ErrBuild, "derive destination token account", err)
	}

	transfer, err := token.NewTransferCheckedInstruction(
		spec.Amount, spec.Decimals, sourceATA, keys.mint, destATA, keys.source, nil,
	).ValidateAndBuild()
	if err != nil {
		return nil, errno.Wrap(errno.ErrBuild, "build transfer instruction", err)
	}

	var instructions []solana.Instruction
	if b.computeUnitLimit > 0 {
		ix, err := computeUnitLimitInstruction(b.computeUnitLimit)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
	}
	instructions = append(instructions, transfer)

	// 签名校验针对编译后的字节，角色提升必须发生在编译之前
	instructions, err = upgradeAuthority(instructions, keys.source)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(keys.feePayer))
	if err != nil {
		return nil, errno.Wrap(errno.ErrBuild, "compile message", err)
	}
	raw, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, errno.Wrap(errno.ErrBuild, "marshal message", err)
	}

	msg := fromMessage(&tx.Message, raw)
	if got := msg.Signers(); len(got) != 2 || got[0] != keys.feePayer.String() || got[1] != keys.source.String() {
		return nil, errno.Newf(errno.ErrBuild, "unexpected signer layout %v", got)
	}
	return msg, nil
}

type transferKeys struct {
	source, destination, feePayer, mint solana.PublicKey
}

func parseKeys(spec types.TransferSpec) (transferKeys, error) {
	var k transferKeys
	fields := []struct {
		name  string
		value string
		dst   *solana.PublicKey
	}{
		{"source", spec.Source, &k.source},
		{"destination", spec.Destination, &k.destination},
		{"fee payer", spec.FeePayer, &k.feePayer},
		{"mint", spec.Mint, &k.mint},
	}
	for _, f := range fields {
		pk, err := solana.PublicKeyFromBase58(f.value)
		if err != nil {
			return k, errno.Wrap(errno.ErrBuild, "invalid "+f.name+" address", err)
		}
		*f.dst = pk
	}
	if k.source.Equals(k.feePayer) {
		return k, errno.Newf(errno.ErrBuild, "fee payer and source must be distinct signers")
	}
	return k, nil
}

// upgradeAuthority 复制 token 程序指令，并将 authority 账户标记为可写签名者
func upgradeAuthority(instructions []solana.Instruction, authority solana.PublicKey) ([]solana.Instruction, error) {
	out := make([]solana.Instruction, len(instructions))
	copy(out, instructions)

	for i, ix := range instructions {
		if !ix.ProgramID().Equals(solana.TokenProgramID) {
			continue
		}
		data, err := ix.Data()
		if err != nil {
			return nil, errno.Wrap(errno.ErrBuild, "encode token instruction", err)
		}
		metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts()))
		found := false
		for _, m := range ix.Accounts() {
			meta := *m
			if meta.PublicKey.Equals(authority) && meta.IsSigner {
				meta.IsWritable = true
				found = true
			}
			metas = append(metas, &meta)
		}
		if !found {
			return nil, errno.Newf(errno.ErrBuild, "token instruction has no signer meta for %s", authority)
		}
		out[i] = solana.NewInstruction(ix.ProgramID(), metas, data)
		return out, nil
	}
	return nil, errno.Newf(errno.ErrBuild, "no token program instruction to upgrade")
}

func computeUnitLimitInstruction(units uint32) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(setComputeUnitLimitDiscriminator); err != nil {
		return nil, errno.Wrap(errno.ErrBuild, "encode compute budget", err)
	}
	if err := enc.WriteUint32(units, binary.LittleEndian); err != nil {
		return nil, errno.Wrap(errno.ErrBuild, "encode compute budget", err)
	}
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, buf.Bytes()), nil
}

// fromMessage 根据 header 计算账户角色表
func fromMessage(m *solana.Message, raw []byte) *types.UnsignedMessage {
	numSigners := int(m.Header.NumRequiredSignatures)
	writableSigners := numSigners - int(m.Header.NumReadonlySignedAccounts)
	writableUnsigned := len(m.AccountKeys) - numSigners - int(m.Header.NumReadonlyUnsignedAccounts)

	roles := make([]types.AccountRole, len(m.AccountKeys))
	for i, key := range m.AccountKeys {
		role := types.AccountRole{Address: key.String(), Signer: i < numSigners}
		if role.Signer {
			role.Writable = i < writableSigners
		} else {
			role.Writable = i-numSigners < writableUnsigned
		}
		roles[i] = role
	}
	return &types.UnsignedMessage{
		Bytes:      raw,
		Blockhash:  m.RecentBlockhash.String(),
		Roles:      roles,
		NumSigners: numSigners,
	}
}

// DecodeMessage 解析已编译的消息字节 (例如 vault 回传的消息)，不修改原始字节
func DecodeMessage(raw []byte) (*types.UnsignedMessage, error) {
	var m solana.Message
	if err := m.UnmarshalWithDecoder(bin.NewBinDecoder(raw)); err != nil {
		return nil, errno.Wrap(errno.ErrAssembly, "decode message", err)
	}
	if int(m.Header.NumRequiredSignatures) > len(m.AccountKeys) {
		return nil, errno.Newf(errno.ErrAssembly, "header declares %d signers for %d accounts",
			m.Header.NumRequiredSignatures, len(m.AccountKeys))
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return fromMessage(&m, cp), nil
}
