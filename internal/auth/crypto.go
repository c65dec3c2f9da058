package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// NewRandomToken 生成 prefix + base64url 随机串，用于签发 API key。
func NewRandomToken(prefix string, bytesLen int) (string, error) {
	if bytesLen < 16 {
		bytesLen = 16
	}
	b := make([]byte, bytesLen)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}
