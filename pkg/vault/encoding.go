package vault

import "encoding/base64"

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// EncodeSignature 将签名编码为 {data: base64}，空签名编码为 {data: null}
func EncodeSignature(sig []byte) SignatureData {
	if len(sig) == 0 {
		return SignatureData{}
	}
	s := base64.StdEncoding.EncodeToString(sig)
	return SignatureData{Data: &s}
}

// DecodeSignature 是 EncodeSignature 的逆操作
func DecodeSignature(d SignatureData) ([]byte, error) {
	if d.Data == nil || *d.Data == "" {
		return nil, nil
	}
	return decodeBase64(*d.Data)
}

// RawTransactionBytes 解码 raw_transaction 字段，不存在时返回 nil
func (r *TransactionRecord) RawTransactionBytes() ([]byte, error) {
	if r.RawTransaction == "" {
		return nil, nil
	}
	return decodeBase64(r.RawTransaction)
}
