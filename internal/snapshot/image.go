package snapshot

// ============================================================================
// 職責說明：
// 1. 定義佇列與任務映像檔的標籤文字格式（<queue>...</queue>、<job>...</job>）
// 2. 結構探測：有開頭標籤走 Current 變體，否則走 Legacy 二進位變體
// 3. 原子性寫入（<name>.new + O_SYNC + fsync + rename）
// ============================================================================

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedImage = errors.New("image file is corrupted")
	ErrImageNotFound  = errors.New("image file not found")
)

// Variant 映像檔格式變體
type Variant int

const (
	VariantCurrent Variant = iota // 標籤文字格式
	VariantLegacy                 // 固定結構 + 屬性串流
)

func (v Variant) String() string {
	if v == VariantLegacy {
		return "legacy"
	}
	return "current"
}

// Image 解碼後、尚未轉成領域物件的映像內容
type Image struct {
	Variant Variant
	Fields  map[string]string // 固定信封欄位
	Attrs   []attr.Op         // 屬性（資源清單每個資源一筆）
}

// ============================================================================
// 文字格式
// ============================================================================

var (
	escaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\n", "&#10;")
	unescaper = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#10;", "\n")
)

// field 一個欄位 <name>value</name>
type field struct {
	name  string
	value string
}

// encodeText 產生完整的標籤文字映像
func encodeText(root string, envelope []field, attrs []attr.Op) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<%s>\n", root)
	for _, f := range envelope {
		fmt.Fprintf(&b, "<%s>%s</%s>\n", f.name, escaper.Replace(f.value), f.name)
	}
	b.WriteString("<attributes>\n")
	writeAttrs(&b, attrs)
	b.WriteString("</attributes>\n")
	fmt.Fprintf(&b, "</%s>\n", root)
	return b.Bytes()
}

// writeAttrs 資源清單以巢狀標籤輸出：<Resource_List>\n<walltime>..</walltime>\n</Resource_List>
func writeAttrs(b *bytes.Buffer, attrs []attr.Op) {
	for i := 0; i < len(attrs); {
		op := attrs[i]
		if op.Resource == "" {
			fmt.Fprintf(b, "<%s>%s</%s>\n", op.Name, escaper.Replace(op.Value), op.Name)
			i++
			continue
		}
		fmt.Fprintf(b, "<%s>\n", op.Name)
		for ; i < len(attrs) && attrs[i].Name == op.Name && attrs[i].Resource != ""; i++ {
			r := attrs[i]
			fmt.Fprintf(b, "<%s>%s</%s>\n", r.Resource, escaper.Replace(r.Value), r.Resource)
		}
		fmt.Fprintf(b, "</%s>\n", op.Name)
	}
}

// decodeText 解析標籤文字映像；缺少結尾標籤視為損壞
func decodeText(data []byte, root string) (Image, error) {
	img := Image{Variant: VariantCurrent, Fields: make(map[string]string)}
	if !bytes.Contains(data, []byte("</"+root+">")) {
		return img, fmt.Errorf("%w: missing </%s>", ErrCorruptedImage, root)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	const (
		inEnvelope = iota
		inAttrs
		inResource
	)
	mode := inEnvelope
	var parent string
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || line == "<"+root+">":
			continue
		case line == "</"+root+">":
			return img, nil
		case line == "<attributes>":
			mode = inAttrs
			continue
		case line == "</attributes>":
			mode = inEnvelope
			continue
		}

		name, value, isOpen, isClose, err := parseLine(line)
		if err != nil {
			return img, fmt.Errorf("%w: line %d: %v", ErrCorruptedImage, lineNo, err)
		}
		switch mode {
		case inEnvelope:
			if isOpen || isClose {
				return img, fmt.Errorf("%w: line %d: unexpected tag %q", ErrCorruptedImage, lineNo, line)
			}
			img.Fields[name] = value
		case inAttrs:
			if isOpen {
				parent, mode = name, inResource
				continue
			}
			if isClose {
				return img, fmt.Errorf("%w: line %d: stray %q", ErrCorruptedImage, lineNo, line)
			}
			img.Attrs = append(img.Attrs, attr.Op{Name: name, Value: value})
		case inResource:
			if isClose && name == parent {
				mode = inAttrs
				continue
			}
			if isOpen || isClose {
				return img, fmt.Errorf("%w: line %d: unexpected tag %q", ErrCorruptedImage, lineNo, line)
			}
			img.Attrs = append(img.Attrs, attr.Op{Name: parent, Resource: name, Value: value})
		}
	}
	if err := sc.Err(); err != nil {
		return img, fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}
	return img, fmt.Errorf("%w: missing </%s>", ErrCorruptedImage, root)
}

// parseLine 解析單行：<n>v</n>、<n> 或 </n>
func parseLine(line string) (name, value string, isOpen, isClose bool, err error) {
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return "", "", false, false, fmt.Errorf("bad line %q", line)
	}
	if strings.HasPrefix(line, "</") {
		return line[2 : len(line)-1], "", false, true, nil
	}
	end := strings.IndexByte(line, '>')
	name = line[1:end]
	rest := line[end+1:]
	if rest == "" {
		return name, "", true, false, nil
	}
	closing := "</" + name + ">"
	if !strings.HasSuffix(rest, closing) {
		return "", "", false, false, fmt.Errorf("unterminated <%s>", name)
	}
	return name, unescaper.Replace(strings.TrimSuffix(rest, closing)), false, false, nil
}

// probe 結構探測：有 <root> 走文字格式，否則走二進位格式
func probe(data []byte, root string, legacy func([]byte) (Image, error)) (Image, error) {
	if bytes.Contains(data, []byte("<"+root+">")) {
		return decodeText(data, root)
	}
	log.Info("No tag found, attempting to load legacy format", "root", root)
	img, err := legacy(data)
	if err != nil {
		return img, fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}
	img.Variant = VariantLegacy
	return img, nil
}

// ============================================================================
// 原子性寫入
// ============================================================================

// writeAtomic 寫入 path.new（O_SYNC + fsync），再 rename 覆蓋 path
//
// rename 之前崩潰時 path 保持舊內容
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".new"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open temp image: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp image: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp image: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace image: %w", err)
	}
	return nil
}

// readImage 讀取檔案，不存在時回傳 ErrImageNotFound
func readImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}
