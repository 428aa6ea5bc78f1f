package memory

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FilePersister 将历史条目保存为单个 JSON 文件，每次写入整体替换。
type FilePersister struct {
	path    string
	mu      sync.Mutex
	entries map[string]HistoryEntry
}

// NewFilePersister 创建文件持久化后端。
func NewFilePersister(path string) (*FilePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("历史文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建历史目录失败: %w", err)
	}
	return &FilePersister{path: path, entries: make(map[string]HistoryEntry)}, nil
}

// Load 读取文件中的全部条目，文件不存在时返回空列表。
func (p *FilePersister) Load(_ context.Context) ([]HistoryEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	content, err := os.ReadFile(p.path)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取历史文件失败: %w", err)
	}
	var stored map[string]HistoryEntry
	if err := json.Unmarshal(content, &stored); err != nil {
		return nil, fmt.Errorf("解析历史文件失败: %w", err)
	}
	entries := make([]HistoryEntry, 0, len(stored))
	for fp, entry := range stored {
		entry.Fingerprint = fp
		p.entries[fp] = entry
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Fingerprint < entries[j].Fingerprint })
	return entries, nil
}

// Save 写入单个条目并落盘。
func (p *FilePersister) Save(_ context.Context, entry HistoryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries[entry.Fingerprint] = entry
	encoded, err := json.MarshalIndent(p.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("编码历史文件失败: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("写入历史文件失败: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("替换历史文件失败: %w", err)
	}
	return nil
}

// Ping 确认历史文件所在目录仍然存在。
func (p *FilePersister) Ping(_ context.Context) error {
	info, err := os.Stat(filepath.Dir(p.path))
	if err != nil {
		return fmt.Errorf("历史目录不可用: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("历史目录 %s 不是目录", filepath.Dir(p.path))
	}
	return nil
}

var _ Persister = (*FilePersister)(nil)
