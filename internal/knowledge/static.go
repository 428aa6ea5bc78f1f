package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"SleepyTesting/internal/step"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(task string, platforms []step.Platform) []Snippet
}

// Snippet 描述可供大模型引用的一段操作知识。
type Snippet struct {
	Title     string          `json:"title" yaml:"title"`
	Content   string          `json:"content" yaml:"content"`
	Keywords  []string        `json:"keywords" yaml:"keywords"`
	Platforms []step.Platform `json:"platforms" yaml:"platforms"`
}

// StaticProvider 通过加载本地文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目，格式由扩展名决定。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		err = json.Unmarshal(content, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 根据任务文本和涉及的平台进行关键词匹配。
func (p *StaticProvider) Query(task string, platforms []step.Platform) []Snippet {
	if p == nil {
		return nil
	}

	task = strings.ToLower(strings.TrimSpace(task))
	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !platformMatches(item, platforms) || !keywordMatches(item, task) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func keywordMatches(snippet Snippet, task string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(task, normalized) {
			return true
		}
	}
	return false
}

// 未声明平台的条目适用于所有平台。
func platformMatches(snippet Snippet, platforms []step.Platform) bool {
	if len(snippet.Platforms) == 0 || len(platforms) == 0 {
		return true
	}
	for _, want := range snippet.Platforms {
		for _, have := range platforms {
			if want == have {
				return true
			}
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
