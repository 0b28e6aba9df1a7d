package snapshot

// ============================================================================
// Legacy 二進位格式
// ============================================================================
//
// 佈局（little-endian）:
//   固定結構（queueFix / jobFix）
//   屬性串流: varint 筆數，每筆為
//     varint 名稱長度 + 名稱
//     varint 資源名稱長度 + 資源名稱（非資源清單為 0）
//     varint 值長度 + 值
//     varint 旗標
//
// varint 使用 protowire 編碼。ACL 屬性不在串流中，由旁檔恢復。
// ============================================================================

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
)

const (
	legacyQueueNameLen = 16
	legacyJobIDLen     = 64
	legacyPrefixLen    = 16
)

var errShortStream = errors.New("attribute stream truncated")

// queueFix 佇列固定結構
type queueFix struct {
	Modified int32
	Type     int32
	CTime    int64
	MTime    int64
	Name     [legacyQueueNameLen]byte
}

// jobFix 任務固定結構
type jobFix struct {
	State      int32
	Substate   int32
	SvrFlags   uint32
	LastDest   int32
	CTime      int64
	MTime      int64
	Queue      [legacyQueueNameLen]byte
	ID         [legacyJobIDLen]byte
	FilePrefix [legacyPrefixLen]byte
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// decodeLegacyQueue 解析 legacy 佇列映像
func decodeLegacyQueue(data []byte) (Image, error) {
	var fix queueFix
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &fix); err != nil {
		return Image{}, fmt.Errorf("read queuefix: %w", err)
	}
	ops, err := decodeAttrStream(data[binary.Size(fix):])
	if err != nil {
		return Image{}, err
	}
	return Image{
		Fields: map[string]string{
			"modified":    strconv.Itoa(int(fix.Modified)),
			"type":        strconv.Itoa(int(fix.Type)),
			"create_time": strconv.FormatInt(fix.CTime, 10),
			"modify_time": strconv.FormatInt(fix.MTime, 10),
			"name":        cString(fix.Name[:]),
		},
		Attrs: ops,
	}, nil
}

// decodeLegacyJob 解析 legacy 任務映像
func decodeLegacyJob(data []byte) (Image, error) {
	var fix jobFix
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &fix); err != nil {
		return Image{}, fmt.Errorf("read jobfix: %w", err)
	}
	ops, err := decodeAttrStream(data[binary.Size(fix):])
	if err != nil {
		return Image{}, err
	}
	return Image{
		Fields: map[string]string{
			"jobid":       cString(fix.ID[:]),
			"state":       strconv.Itoa(int(fix.State)),
			"substate":    strconv.Itoa(int(fix.Substate)),
			"svrflags":    strconv.FormatUint(uint64(fix.SvrFlags), 10),
			"lastdest":    strconv.Itoa(int(fix.LastDest)),
			"queue":       cString(fix.Queue[:]),
			"fileprefix":  cString(fix.FilePrefix[:]),
			"create_time": strconv.FormatInt(fix.CTime, 10),
			"modify_time": strconv.FormatInt(fix.MTime, 10),
		},
		Attrs: ops,
	}, nil
}

func decodeAttrStream(b []byte) ([]attr.Op, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("attribute count: %w", protowire.ParseError(n))
	}
	b = b[n:]
	// 每筆至少 4 bytes：三個長度前綴加 flags
	if count > uint64(len(b))/4 {
		return nil, fmt.Errorf("attribute count %d: %w", count, errShortStream)
	}

	ops := make([]attr.Op, 0, count)
	for i := uint64(0); i < count; i++ {
		var name, resc, value []byte
		for _, dst := range []*[]byte{&name, &resc, &value} {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("attribute %d: %w", i, errShortStream)
			}
			*dst = v
			b = b[n:]
		}
		_, fn := protowire.ConsumeVarint(b)
		if fn < 0 {
			return nil, fmt.Errorf("attribute %d flags: %w", i, errShortStream)
		}
		b = b[fn:]
		ops = append(ops, attr.Op{Name: string(name), Resource: string(resc), Value: string(value)})
	}
	return ops, nil
}

// encodeAttrStream 產生屬性串流（供工具與測試建立 legacy 映像）
func encodeAttrStream(ops []attr.Op) []byte {
	b := protowire.AppendVarint(nil, uint64(len(ops)))
	for _, op := range ops {
		b = protowire.AppendBytes(b, []byte(op.Name))
		b = protowire.AppendBytes(b, []byte(op.Resource))
		b = protowire.AppendBytes(b, []byte(op.Value))
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// encodeLegacyQueue 產生 legacy 佇列映像
func encodeLegacyQueue(fix queueFix, ops []attr.Op) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, fix)
	buf.Write(encodeAttrStream(ops))
	return buf.Bytes()
}

// encodeLegacyJob 產生 legacy 任務映像
func encodeLegacyJob(fix jobFix, ops []attr.Op) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, fix)
	buf.Write(encodeAttrStream(ops))
	return buf.Bytes()
}
