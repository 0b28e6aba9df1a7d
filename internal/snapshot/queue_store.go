package snapshot

// ============================================================================
// 職責說明：
// 1. 佇列映像的儲存與恢復（<queue_dir>/<name>）
// 2. ACL 屬性另存旁檔（<acl_dir>/<queue>/<attr>，一行一筆）
// 3. 恢復 legacy 映像後以目前格式重寫；缺少 mtime 的映像補蓋時間後重寫
// ============================================================================

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

const queueRoot = "queue"

// QueueStore 佇列映像管理器
type QueueStore struct {
	dir    string
	aclDir string
	clock  clock.Clock
	mu     sync.Mutex
}

// NewQueueStore 建立佇列映像管理器，目錄不存在時建立
func NewQueueStore(dir, aclDir string, clk clock.Clock) (*QueueStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	for _, d := range []string{dir, aclDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return &QueueStore{dir: dir, aclDir: aclDir, clock: clk}, nil
}

// Save 寫入佇列映像
//
// 流程：
//  1. 蓋上 mtime 屬性與 ModifyTime
//  2. 寫入 <name>.new 並 fsync，rename 覆蓋 <name>
//  3. ACL 屬性寫入旁檔
func (s *QueueStore) Save(q *types.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(q)
}

func (s *QueueStore) saveLocked(q *types.Queue) error {
	now := s.clock.Now().Unix()
	mt := &q.Attrs[attr.QueMTime]
	mt.Type = types.TypeLong
	mt.Long = now
	mt.Flags = types.AttrSet
	q.ModifyTime = now

	envelope := []field{
		{"modified", strconv.Itoa(q.Modified)},
		{"type", strconv.Itoa(int(q.Type))},
		{"create_time", strconv.FormatInt(q.CreateTime, 10)},
		{"modify_time", strconv.FormatInt(q.ModifyTime, 10)},
		{"name", q.Name},
	}
	data := encodeText(queueRoot, envelope, persistedOps(attr.QueueDefs, q.Attrs))

	if err := writeAtomic(filepath.Join(s.dir, q.Name), data); err != nil {
		return fmt.Errorf("save queue %s: %w", q.Name, err)
	}
	if err := s.saveACLs(q); err != nil {
		return fmt.Errorf("save queue %s acl: %w", q.Name, err)
	}
	q.Attrs.ClearModify()
	return nil
}

// Load 恢復單一佇列
func (s *QueueStore) Load(name string) (*types.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := readImage(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	img, err := probe(data, queueRoot, decodeLegacyQueue)
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", name, err)
	}
	q, err := s.newQueue(img)
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", name, err)
	}

	resave := false
	switch {
	case img.Variant == VariantLegacy:
		log.Info("Converting legacy queue image", "queue", q.Name)
		resave = true
	case !q.Attrs[attr.QueMTime].IsSet():
		resave = true
	}
	if resave {
		if err := s.saveLocked(q); err != nil {
			log.Error("Failed to re-save recovered queue", "queue", q.Name, "error", err)
		}
	}
	return q, nil
}

// LoadAll 恢復目錄中所有佇列，略過 .new 暫存檔
func (s *QueueStore) LoadAll() ([]*types.Queue, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	var out []*types.Queue
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".new") {
			continue
		}
		q, err := s.Load(e.Name())
		if err != nil {
			log.Error("Failed to recover queue", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// Remove 刪除佇列映像與 ACL 旁檔
func (s *QueueStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove queue %s: %w", name, err)
	}
	return os.RemoveAll(filepath.Join(s.aclDir, name))
}

// newQueue 兩種變體在這裡匯合
func (s *QueueStore) newQueue(img Image) (*types.Queue, error) {
	q := &types.Queue{
		Name:  img.Fields["name"],
		Attrs: attr.NewQueueAttrs(),
	}
	if q.Name == "" {
		return nil, fmt.Errorf("%w: queue has no name", ErrCorruptedImage)
	}
	var err error
	if q.Modified, err = atoiField(img.Fields, "modified"); err != nil {
		return nil, err
	}
	typ, err := atoiField(img.Fields, "type")
	if err != nil {
		return nil, err
	}
	q.Type = types.QueueType(typ)
	if q.CreateTime, err = int64Field(img.Fields, "create_time"); err != nil {
		return nil, err
	}
	if q.ModifyTime, err = int64Field(img.Fields, "modify_time"); err != nil {
		return nil, err
	}

	if err := attr.DecodeAll(attr.QueueDefs, q.Attrs, img.Attrs, -1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}
	if err := s.loadACLs(q); err != nil {
		return nil, err
	}
	q.Attrs.ClearModify()
	return q, nil
}

// ============================================================================
// ACL 旁檔
// ============================================================================

func (s *QueueStore) saveACLs(q *types.Queue) error {
	for i, def := range attr.QueueDefs {
		if def.Type != types.TypeACL {
			continue
		}
		dir := filepath.Join(s.aclDir, q.Name)
		path := filepath.Join(dir, def.Name)
		v := q.Attrs[i]
		if !v.IsSet() || len(v.List) == 0 {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
		var b bytes.Buffer
		for _, entry := range v.List {
			b.WriteString(entry)
			b.WriteByte('\n')
		}
		if err := writeAtomic(path, b.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (s *QueueStore) loadACLs(q *types.Queue) error {
	for i, def := range attr.QueueDefs {
		if def.Type != types.TypeACL {
			continue
		}
		f, err := os.Open(filepath.Join(s.aclDir, q.Name, def.Name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read acl %s: %w", def.Name, err)
		}
		var list []string
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				list = append(list, line)
			}
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read acl %s: %w", def.Name, err)
		}
		q.Attrs[i] = types.Value{Type: types.TypeACL, Flags: types.AttrSet, List: list}
	}
	return nil
}

// ============================================================================
// 共用輔助
// ============================================================================

// persistedOps 輸出要寫入映像的屬性：已設定、非 ACL、非 NoSave
func persistedOps(t attr.Table, attrs types.Attrs) []attr.Op {
	var ops []attr.Op
	for i := range t {
		d := &t[i]
		if i >= len(attrs) || !attrs[i].IsSet() || d.Type == types.TypeACL || d.Flags&attr.FlagNoSave != 0 {
			continue
		}
		ops = append(ops, opsFor(d, attrs[i])...)
	}
	return ops
}

func opsFor(d *attr.Def, v types.Value) []attr.Op {
	switch d.Type {
	case types.TypeResource:
		ops := make([]attr.Op, 0, len(v.Resc))
		for _, r := range v.Resc {
			ops = append(ops, attr.Op{Name: d.Name, Resource: r.Name, Value: r.Value})
		}
		return ops
	default:
		return []attr.Op{{Name: d.Name, Value: attr.EncodeValue(d, v)}}
	}
}

func atoiField(fields map[string]string, name string) (int, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: field %s: %v", ErrCorruptedImage, name, err)
	}
	return n, nil
}

func int64Field(fields map[string]string, name string) (int64, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: field %s: %v", ErrCorruptedImage, name, err)
	}
	return n, nil
}
