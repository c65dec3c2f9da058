// Package crypto 提供 API key 的确定性哈希：库里只存摘要，查找时对明文重新计算。
package crypto

import "crypto/sha256"

func KeyHash(rawKey string) []byte {
	sum := sha256.Sum256([]byte(rawKey))
	return sum[:]
}

// KeyPrefix 返回用于展示/日志的 key 前缀，不足长度时原样返回。
func KeyPrefix(rawKey string, n int) string {
	if n <= 0 {
		n = 8
	}
	if len(rawKey) <= n {
		return rawKey
	}
	return rawKey[:n]
}
