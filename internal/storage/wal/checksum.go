package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋除 Checksum 以外的所有欄位，欄位間以 0x1f 分隔
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	for _, s := range []string{
		strconv.FormatUint(event.Seq, 10),
		string(event.Type),
		string(event.JobID),
		event.Queue,
		event.Requester,
		event.Detail,
		strconv.FormatInt(event.Timestamp, 10),
	} {
		b.WriteString(s)
		b.WriteByte(0x1f)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
