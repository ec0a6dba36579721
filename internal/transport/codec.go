package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Encode 將訊息序列化為 JSON，放進 google.protobuf.BytesValue
//
// payload 以原始 JSON 位元組傳送，數字不經過 double 轉換。
func Encode(v any) (*wrapperspb.BytesValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return wrapperspb.Bytes(raw), nil
}

// Decode 將 BytesValue 內的 JSON 還原到 v；空訊息視為 `{}`
func Decode(b *wrapperspb.BytesValue, v any) error {
	raw := b.GetValue()
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
