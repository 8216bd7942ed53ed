package assembler

import (
	bin "github.com/gagliardetto/binary"

	"vault-cosigner/pkg/errno"
)

// SplitRawTransaction 将线上格式的交易拆分为签名与消息字节
//
// 格式: shortvec(签名数) || 签名 * n || 消息
func SplitRawTransaction(raw []byte) ([][]byte, []byte, error) {
	n, off, err := decodeShortVec(raw)
	if err != nil {
		return nil, nil, err
	}
	end := off + n*SignatureLength
	if end > len(raw) {
		return nil, nil, errno.Newf(errno.ErrAssembly, "raw transaction truncated: %d signatures need %d bytes, have %d", n, end, len(raw))
	}
	sigs := make([][]byte, n)
	for i := range sigs {
		start := off + i*SignatureLength
		sigs[i] = raw[start : start+SignatureLength]
	}
	if end == len(raw) {
		return nil, nil, errno.Newf(errno.ErrAssembly, "raw transaction has no message")
	}
	return sigs, raw[end:], nil
}

// decodeShortVec 解析 compact-u16，返回值与占用字节数
func decodeShortVec(b []byte) (int, int, error) {
	v, n, err := bin.DecodeCompactU16(b)
	if err != nil {
		return 0, 0, errno.Wrap(errno.ErrAssembly, "decode short-vec length", err)
	}
	return v, n, nil
}
