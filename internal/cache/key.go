package cache

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DefaultPrefix 預設 key 前綴
const DefaultPrefix = "spinal:"

// Key 組合快取 key：prefix + methodKey + ":" + id
func Key(prefix, methodKey, id string) string {
	return prefix + methodKey + ":" + id
}

// ContentID 以輸入內容計算 cache id
//
// 先正規化（物件 key 排序、移除多餘空白），再取 sha1，
// 因此欄位順序不同但內容相同的輸入會得到相同的 id。
func ContentID(data json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("content id: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("content id: %w", err)
	}
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}
