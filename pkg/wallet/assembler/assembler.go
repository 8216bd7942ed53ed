package assembler

import (
	"encoding/base64"

	"github.com/gagliardetto/solana-go"

	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/vault"
	"vault-cosigner/pkg/wallet/types"
)

// SignatureLength ed25519 签名长度
const SignatureLength = 64

// EmptySlots 按签名者顺序返回全空的签名槽
func EmptySlots(msg *types.UnsignedMessage) []types.SignatureSlot {
	signers := msg.Signers()
	slots := make([]types.SignatureSlot, len(signers))
	for i, s := range signers {
		slots[i] = types.SignatureSlot{Signer: s}
	}
	return slots
}

// Merge 返回新的签名槽数组，仅 index 位置被替换
func Merge(slots []types.SignatureSlot, index int, sig []byte) ([]types.SignatureSlot, error) {
	if index < 0 || index >= len(slots) {
		return nil, errno.Newf(errno.ErrAssembly, "signer index %d out of range [0,%d)", index, len(slots))
	}
	if len(sig) != SignatureLength {
		return nil, errno.Newf(errno.ErrAssembly, "signature for slot %d has %d bytes, want %d", index, len(sig), SignatureLength)
	}
	out := make([]types.SignatureSlot, len(slots))
	copy(out, slots)
	cp := make([]byte, len(sig))
	copy(cp, sig)
	out[index].Signature = cp
	return out, nil
}

// MergeVerified 在 Merge 之前校验签名确实由该槽位的签名者对消息字节签出
func MergeVerified(msg *types.UnsignedMessage, slots []types.SignatureSlot, index int, sig []byte) ([]types.SignatureSlot, error) {
	if err := CheckOrder(msg, slots); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(slots) {
		return nil, errno.Newf(errno.ErrAssembly, "signer index %d out of range [0,%d)", index, len(slots))
	}
	if err := verify(msg.Bytes, slots[index].Signer, sig); err != nil {
		return nil, err
	}
	return Merge(slots, index, sig)
}

// CheckOrder 槽位数量与顺序必须与消息的签名者表一致
func CheckOrder(msg *types.UnsignedMessage, slots []types.SignatureSlot) error {
	signers := msg.Signers()
	if len(slots) != len(signers) {
		return errno.Newf(errno.ErrAssembly, "message requires %d signatures, got %d slots", len(signers), len(slots))
	}
	for i, s := range signers {
		if slots[i].Signer != s {
			return errno.Newf(errno.ErrAssembly, "slot %d belongs to %s, message expects %s", i, slots[i].Signer, s)
		}
	}
	return nil
}

// Serialize 只编码给定的字节，不会重新编译消息
func Serialize(msg *types.UnsignedMessage, slots []types.SignatureSlot) (*vault.TransactionDetails, error) {
	if err := CheckOrder(msg, slots); err != nil {
		return nil, err
	}
	sigs := make([]vault.SignatureData, len(slots))
	for i, s := range slots {
		sigs[i] = vault.EncodeSignature(s.Signature)
	}
	return &vault.TransactionDetails{
		Type:       vault.DetailsTypeMsg,
		Chain:      vault.DefaultChain,
		Data:       base64.StdEncoding.EncodeToString(msg.Bytes),
		Signatures: sigs,
	}, nil
}

// Deserialize 是 Serialize 的逆操作，signers 用于恢复槽位归属
func Deserialize(details *vault.TransactionDetails, signers []string) ([]byte, []types.SignatureSlot, error) {
	raw, err := base64.StdEncoding.DecodeString(details.Data)
	if err != nil {
		return nil, nil, errno.Wrap(errno.ErrAssembly, "decode message", err)
	}
	if len(details.Signatures) != len(signers) {
		return nil, nil, errno.Newf(errno.ErrAssembly, "%d signatures for %d signers", len(details.Signatures), len(signers))
	}
	slots := make([]types.SignatureSlot, len(signers))
	for i, d := range details.Signatures {
		sig, err := vault.DecodeSignature(d)
		if err != nil {
			return nil, nil, errno.Wrap(errno.ErrAssembly, "decode signature", err)
		}
		slots[i] = types.SignatureSlot{Signer: signers[i], Signature: sig}
	}
	return raw, slots, nil
}

// VerifyComplete 所有槽位均已签名且签名有效，等价于链上验证器的签名检查
func VerifyComplete(msg *types.UnsignedMessage, slots []types.SignatureSlot) error {
	if err := CheckOrder(msg, slots); err != nil {
		return err
	}
	for i, s := range slots {
		if !s.Present() {
			return errno.Newf(errno.ErrIncompleteSignature, "slot %d (%s) is not signed", i, s.Signer)
		}
		if err := verify(msg.Bytes, s.Signer, s.Signature); err != nil {
			return err
		}
	}
	return nil
}

func verify(message []byte, signer string, sig []byte) error {
	if len(sig) != SignatureLength {
		return errno.Newf(errno.ErrAssembly, "signature has %d bytes, want %d", len(sig), SignatureLength)
	}
	pk, err := solana.PublicKeyFromBase58(signer)
	if err != nil {
		return errno.Wrap(errno.ErrAssembly, "invalid signer "+signer, err)
	}
	var s solana.Signature
	copy(s[:], sig)
	if !s.Verify(pk, message) {
		return errno.Newf(errno.ErrAssembly, "signature does not verify for %s", signer)
	}
	return nil
}
