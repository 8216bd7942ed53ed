package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"

	"vault-cosigner/pkg/errno"
)

// EncryptedKeyJSON 参照 Ethereum Keystore V3 的结构，内容为 API Signer 私钥 PEM
type EncryptedKeyJSON struct {
	Crypto  CryptoJSON `json:"crypto"`
	Id      string     `json:"id"`      // UUID
	Version int        `json:"version"` // 3
}

type CryptoJSON struct {
	Cipher       string       `json:"cipher"`       // "aes-256-gcm"
	CipherText   string       `json:"ciphertext"`   // Hex string
	CipherParams CipherParams `json:"cipherparams"` // IV
	KDF          string       `json:"kdf"`          // "scrypt"
	KDFParams    KDFParams    `json:"kdfparams"`
	MAC          string       `json:"mac"` // Hex string
}

type CipherParams struct {
	IV string `json:"iv"` // Hex string
}

type KDFParams struct {
	DKLen int    `json:"dklen"` // Derived Key Length (32)
	N     int    `json:"n"`     // Scrypt N (262144)
	R     int    `json:"r"`     // Scrypt r (8)
	P     int    `json:"p"`     // Scrypt p (1)
	Salt  string `json:"salt"`  // Hex string
}

const (
	DefaultScryptN = 262144
	scryptR        = 8
	scryptP        = 1
	scryptDKLen    = 32
)

// Encrypt 使用密码加密 plaintext，n 为 scrypt 代价参数 (<=0 时使用 DefaultScryptN)
func Encrypt(plaintext []byte, password string, n int) (*EncryptedKeyJSON, error) {
	if n <= 0 {
		n = DefaultScryptN
	}

	// 1. 生成随机 Salt
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "keystore salt", err)
	}

	// 2. 使用 Scrypt 派生密钥，直接用作 AES-256-GCM 的 Key
	derivedKey, err := scrypt.Key([]byte(password), salt, n, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "keystore kdf", err)
	}

	// 3. 加密
	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "keystore nonce", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	// 4. MAC = SHA256(derivedKey + ciphertext)，用于区分密码错误与数据损坏
	mac := sha256.Sum256(append(derivedKey, ciphertext...))

	return &EncryptedKeyJSON{
		Version: 3,
		Id:      uuid.NewString(),
		Crypto: CryptoJSON{
			Cipher:       "aes-256-gcm",
			CipherText:   hex.EncodeToString(ciphertext),
			CipherParams: CipherParams{IV: hex.EncodeToString(nonce)},
			KDF:          "scrypt",
			KDFParams: KDFParams{
				DKLen: scryptDKLen,
				N:     n,
				R:     scryptR,
				P:     scryptP,
				Salt:  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(mac[:]),
		},
	}, nil
}

// Decrypt 解密 Keystore JSON
func Decrypt(keyJSON *EncryptedKeyJSON, password string) ([]byte, error) {
	c := keyJSON.Crypto
	if c.KDF != "scrypt" || c.Cipher != "aes-256-gcm" {
		return nil, errno.Newf(errno.ErrConfig, "unsupported keystore %s/%s", c.KDF, c.Cipher)
	}

	// 1. 解析 Hex 参数
	salt, err := hex.DecodeString(c.KDFParams.Salt)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "invalid salt", err)
	}
	nonce, err := hex.DecodeString(c.CipherParams.IV)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "invalid iv", err)
	}
	ciphertext, err := hex.DecodeString(c.CipherText)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "invalid ciphertext", err)
	}
	mac, err := hex.DecodeString(c.MAC)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "invalid mac", err)
	}

	// 2. 重新派生密钥
	derivedKey, err := scrypt.Key([]byte(password), salt, c.KDFParams.N, c.KDFParams.R, c.KDFParams.P, c.KDFParams.DKLen)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "keystore kdf", err)
	}

	// 3. 验证 MAC
	calculated := sha256.Sum256(append(derivedKey, ciphertext...))
	if subtle.ConstantTimeCompare(mac, calculated[:]) != 1 {
		return nil, errno.Newf(errno.ErrConfig, "invalid keystore password or corrupted data (MAC mismatch)")
	}

	// 4. 解密
	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "keystore decryption", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "keystore cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "keystore cipher", err)
	}
	return gcm, nil
}

// SaveToFile 保存到文件 (0600)
func (k *EncryptedKeyJSON) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o600)
}

// LoadFromFile 从文件加载
func LoadFromFile(filename string) (*EncryptedKeyJSON, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "read keystore", err)
	}
	return Parse(data)
}

// Parse 解析 Keystore JSON
func Parse(data []byte) (*EncryptedKeyJSON, error) {
	var k EncryptedKeyJSON
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, errno.Wrap(errno.ErrConfig, fmt.Sprintf("parse keystore (%d bytes)", len(data)), err)
	}
	return &k, nil
}
