package wal

// ============================================================================
// WAL 工具函式
// ============================================================================

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 從頭掃描到 EOF，檔尾若有寫到一半的紀錄則忽略。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// 截斷的尾端紀錄
			break
		}
		last = &event
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中可解析的事件總數
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	count := 0
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return count, &CorruptionError{Seq: uint64(count), Cause: err}
		}
		count++
	}
	return count, nil
}
