package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32-IEEE 校驗和
//
// 涵蓋 Seq、Type、JobID 與任務內容的 JSON；不含 Timestamp 與 Checksum 本身。
func CalculateChecksum(event Event) (uint32, error) {
	body, err := json.Marshal(event.Job)
	if err != nil {
		return 0, err
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], event.Seq)

	h := crc32.NewIEEE()
	h.Write(seq[:])
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.JobID))
	h.Write([]byte{0})
	h.Write(body)
	return h.Sum32(), nil
}

// VerifyChecksum 驗證事件的校驗和，不符時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected, err := CalculateChecksum(event)
	if err != nil {
		return err
	}
	if expected != event.Checksum {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
