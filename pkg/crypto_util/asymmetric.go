package crypto_util

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrNoPEMBlock     = errors.New("未找到 PEM 数据块")
	ErrUnsupportedKey = errors.New("不支持的私钥类型")
)

// ------------------------------------------------------------------------------------------------
// 私钥解析 (PEM)
// ------------------------------------------------------------------------------------------------

// ParsePrivateKeyPEM 解析 PKCS#8 / PKCS#1 (RSA) / SEC1 (EC) 格式的 PEM 私钥。
func ParsePrivateKeyPEM(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("解析 PKCS#1 私钥失败: %w", err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("解析 EC 私钥失败: %w", err)
		}
		return k, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("解析 PKCS#8 私钥失败: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// SignSHA256 对消息做 SHA-256 摘要后签名。
// RSA 使用 PKCS#1 v1.5 (结果确定)，ECDSA 返回 ASN.1 DER 编码的签名。
func SignSHA256(key crypto.Signer, message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(nil, k, crypto.SHA256, hash[:])
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, k, hash[:])
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// VerifySHA256 验证 SignSHA256 产生的签名。
func VerifySHA256(pub crypto.PublicKey, message, signature []byte) error {
	hash := sha256.Sum256(message)
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, hash[:], signature)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, hash[:], signature) {
			return errors.New("ECDSA 签名无效")
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// ------------------------------------------------------------------------------------------------
// 密钥生成与导出 (主要用于测试与本地开发)
// ------------------------------------------------------------------------------------------------

// GenerateRSAKeyPair 生成指定位大小（例如 2048, 4096）的新 RSA 密钥对。
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	return priv, &priv.PublicKey, nil
}

// GenerateECDSAKeyPair 使用 Curve P-256 生成新的 ECDSA 密钥对。
func GenerateECDSAKeyPair() (*ecdsa.PrivateKey, *ecdsa.PublicKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv, &priv.PublicKey, nil
}

// ExportPrivateKeyAsPEM 以 PKCS#8 PEM 导出私钥
func ExportPrivateKeyAsPEM(priv crypto.Signer) (string, error) {
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	privPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: privBytes,
		},
	)
	return string(privPEM), nil
}

func ExportRSAPrivateKeyAsPEM(priv *rsa.PrivateKey) string {
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	privPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: privBytes,
		},
	)
	return string(privPEM)
}
