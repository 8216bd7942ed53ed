package crypto_util

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"testing"
)

func TestRSASignSHA256(t *testing.T) {
	priv, pub, err := GenerateRSAKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateRSAKeyPair 失败: %v", err)
	}

	msg := []byte("Hello RSA")
	sig, err := SignSHA256(priv, msg)
	if err != nil {
		t.Fatalf("SignSHA256 失败: %v", err)
	}
	if err := VerifySHA256(pub, msg, sig); err != nil {
		t.Errorf("VerifySHA256 失败: %v", err)
	}

	// PKCS#1 v1.5 是确定性的
	sig2, _ := SignSHA256(priv, msg)
	if string(sig) != string(sig2) {
		t.Error("同一消息的 RSA 签名应该相同")
	}

	if err := VerifySHA256(pub, []byte("Hello RSA Modified"), sig); err == nil {
		t.Error("对于篡改后的消息，VerifySHA256 应该失败")
	}
}

func TestECDSASignSHA256(t *testing.T) {
	priv, pub, err := GenerateECDSAKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDSAKeyPair 失败: %v", err)
	}

	msg := []byte("Hello ECDSA")
	sig, err := SignSHA256(priv, msg)
	if err != nil {
		t.Fatalf("SignSHA256 失败: %v", err)
	}
	if err := VerifySHA256(pub, msg, sig); err != nil {
		t.Errorf("VerifySHA256 失败: %v", err)
	}
	if err := VerifySHA256(pub, []byte("Hello ECDSA Modified"), sig); err == nil {
		t.Error("对于篡改后的消息，VerifySHA256 应该失败")
	}
}

func TestParsePrivateKeyPEM(t *testing.T) {
	rsaPriv, _, err := GenerateRSAKeyPair(2048)
	if err != nil {
		t.Fatal(err)
	}
	ecPriv, _, err := GenerateECDSAKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	pkcs1 := ExportRSAPrivateKeyAsPEM(rsaPriv)
	key, err := ParsePrivateKeyPEM([]byte(pkcs1))
	if err != nil {
		t.Fatalf("解析 PKCS#1 失败: %v", err)
	}
	if _, ok := key.(*rsa.PrivateKey); !ok {
		t.Errorf("期望 *rsa.PrivateKey, 得到 %T", key)
	}

	pkcs8, err := ExportPrivateKeyAsPEM(ecPriv)
	if err != nil {
		t.Fatal(err)
	}
	key, err = ParsePrivateKeyPEM([]byte(pkcs8))
	if err != nil {
		t.Fatalf("解析 PKCS#8 失败: %v", err)
	}
	if _, ok := key.(*ecdsa.PrivateKey); !ok {
		t.Errorf("期望 *ecdsa.PrivateKey, 得到 %T", key)
	}

	if _, err := ParsePrivateKeyPEM([]byte("not a pem")); !errors.Is(err, ErrNoPEMBlock) {
		t.Errorf("期望 ErrNoPEMBlock, 得到 %v", err)
	}
}

func TestHashes(t *testing.T) {
	input := []byte("hello world")

	if h := CalculateSHA256(input); len(h) != 64 {
		t.Errorf("SHA256 哈希长度不匹配: 得到 %d, 期望 64", len(h))
	}
	b1 := CalculateBlake3(input)
	if len(b1) != 64 {
		t.Errorf("Blake3 哈希长度不匹配: 得到 %d, 期望 64", len(b1))
	}
	if b1 != CalculateBlake3(input) {
		t.Error("Blake3 结果应该稳定")
	}
}
