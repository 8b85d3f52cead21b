package wal

// ============================================================================
// WAL 工具函式
// 職責：逐行掃描事件、截斷損壞的檔尾、改寫保留的事件
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// scanFile 從頭逐行讀取 path 中的事件並呼叫 fn
//
// 行為：
//   - 檔案不存在視為空日誌
//   - 最後一行沒有換行符號代表寫入中途崩潰，忽略該行（torn tail）
//   - 其他無法解析或校驗失敗的行回傳 *CorruptionError
//
// 回傳最後一個完整事件結尾的位元組位置，供截斷檔尾使用。
func scanFile(path string, fn func(Event) error) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// 沒有換行的殘餘資料是未完成的寫入
			return offset, nil
		}
		if err != nil {
			return offset, err
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var event Event
			if err := json.Unmarshal(trimmed, &event); err != nil {
				return offset, &CorruptionError{Offset: offset, Cause: err}
			}
			if err := VerifyChecksum(event); err != nil {
				return offset, &CorruptionError{Offset: offset, Cause: err}
			}
			if err := fn(event); err != nil {
				return offset, err
			}
		}
		offset += int64(len(line))
	}
}

// recoverFile 取得最後的序號，並截斷未完成的檔尾
func recoverFile(path string) (uint64, error) {
	var last uint64
	good, err := scanFile(path, func(e Event) error {
		if e.Seq > last {
			last = e.Seq
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return last, nil
	}
	if err != nil {
		return 0, err
	}
	if info.Size() > good {
		if err := os.Truncate(path, good); err != nil {
			return 0, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	return last, nil
}

// rewriteFile 原子性地以 events 取代 path 的內容（temp file + fsync + rename）
func rewriteFile(path string, events []Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// CountEvents 計算 WAL 中完整事件的數量
func CountEvents(path string) (int, error) {
	n := 0
	_, err := scanFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}
