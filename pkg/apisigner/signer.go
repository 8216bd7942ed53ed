package apisigner

import (
	"crypto"
	"encoding/base64"
	"strconv"

	"vault-cosigner/pkg/crypto_util"
	"vault-cosigner/pkg/errno"
)

// HTTP 头名称
const (
	SignatureHeader = "x-signature"
	TimestampHeader = "x-timestamp"
)

// CanonicalPayload 构造待签名的规范字符串: path|timestamp|body
func CanonicalPayload(path string, timestampMillis int64, body string) string {
	return path + "|" + strconv.FormatInt(timestampMillis, 10) + "|" + body
}

// Sign 解析 PEM 私钥并对规范字符串签名，返回 base64 编码的签名
func Sign(path string, timestampMillis int64, body string, privateKeyPEM string) (string, error) {
	s, err := NewSigner([]byte(privateKeyPEM))
	if err != nil {
		return "", err
	}
	return s.Sign(path, timestampMillis, body)
}

// Signer 持有已解析的 API Signer 私钥，无其他可变状态
type Signer struct {
	key crypto.Signer
}

func NewSigner(privateKeyPEM []byte) (*Signer, error) {
	key, err := crypto_util.ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, errno.Wrap(errno.ErrSigning, "parse private key", err)
	}
	return &Signer{key: key}, nil
}

// Public 返回对应的公钥 (供服务端或测试验签)
func (s *Signer) Public() crypto.PublicKey {
	return s.key.Public()
}

func (s *Signer) Sign(path string, timestampMillis int64, body string) (string, error) {
	payload := CanonicalPayload(path, timestampMillis, body)
	sig, err := crypto_util.SignSHA256(s.key, []byte(payload))
	if err != nil {
		return "", errno.Wrap(errno.ErrSigning, "sign payload", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
