package secret

// 凭据文件中的口令可以以加密形式保存，字段值带 "enc:" 前缀。
//
//	enc:k1:<base64>  XChaCha20-Poly1305，密钥由 NETPILOT_SECRET_KEY 经 argon2id 派生，任意平台可用
//	enc:<base64>     Windows DPAPI (当前用户)，仅 Windows 可解
//
// 未加前缀的值原样返回。

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix 标识已加密字段。
const Prefix = "enc:"

// KeyPrefix 标识使用口令密钥加密的字段。
const KeyPrefix = Prefix + "k1:"

// KeyEnv 保存口令密钥的环境变量。
const KeyEnv = "NETPILOT_SECRET_KEY"

const saltLen = 16

var (
	ErrNoKey       = errors.New("secret: " + KeyEnv + " is not set")
	ErrUnsupported = errors.New("secret: DPAPI value cannot be decrypted on non-windows platform")
)

// EncryptString 加密。设置了 NETPILOT_SECRET_KEY 时使用口令密钥；否则 Windows 上使用 DPAPI，
// 其它平台原样返回。
func EncryptString(s string) (string, error) {
	if s == "" || strings.HasPrefix(s, Prefix) {
		return s, nil
	}
	if pass := os.Getenv(KeyEnv); pass != "" {
		return Seal(s, pass)
	}
	if runtime.GOOS != "windows" {
		return s, nil
	}
	b, err := dpapiProtect([]byte(s))
	if err != nil {
		return "", err
	}
	return Prefix + base64.StdEncoding.EncodeToString(b), nil
}

// DecryptString 解密；不是加密格式则原样返回以兼容明文配置。
func DecryptString(s string) (string, error) {
	switch {
	case strings.HasPrefix(s, KeyPrefix):
		pass := os.Getenv(KeyEnv)
		if pass == "" {
			return "", ErrNoKey
		}
		return Open(s, pass)
	case strings.HasPrefix(s, Prefix):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, Prefix))
		if err != nil {
			return "", err
		}
		if runtime.GOOS != "windows" {
			return "", ErrUnsupported
		}
		plain, err := dpapiUnprotect(raw)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	default:
		return s, nil
	}
}

// Seal 用口令加密 s，返回 enc:k1: 格式。
func Seal(s, pass string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(deriveKey(pass, salt))
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, saltLen+len(nonce)+len(s)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(s), nil)
	return KeyPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open 解开 Seal 的输出。
func Open(s, pass string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, KeyPrefix))
	if err != nil {
		return "", err
	}
	if len(raw) < saltLen+chacha20poly1305.NonceSizeX {
		return "", errors.New("secret: ciphertext too short")
	}
	salt, rest := raw[:saltLen], raw[saltLen:]
	aead, err := chacha20poly1305.NewX(deriveKey(pass, salt))
	if err != nil {
		return "", err
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secret: decrypt: %w", err)
	}
	return string(plain), nil
}

func deriveKey(pass string, salt []byte) []byte {
	return argon2.IDKey([]byte(pass), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}
