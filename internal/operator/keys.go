package operator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"
)

// LoadKey 读取 solana-keygen 格式（64 个字节的 JSON 数组）的密钥文件。
func LoadKey(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取密钥文件失败: %w", err)
	}
	return key, nil
}

// WriteKey 以 solana-keygen 格式写出密钥，文件权限为 0600。
func WriteKey(path string, key solana.PrivateKey) error {
	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("序列化密钥失败: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("创建密钥目录失败: %w", err)
		}
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("写入密钥文件失败: %w", err)
	}
	return nil
}
