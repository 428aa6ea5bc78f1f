package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"SleepyTesting/internal/step"
)

func TestQueryMatchesKeywordsAndPlatforms(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "短信", Content: "打开信息应用", Keywords: []string{"短信", "sms"}, Platforms: []step.Platform{step.PlatformAndroid}},
		{Title: "iOS 通知", Content: "下拉通知中心", Keywords: []string{"通知"}, Platforms: []step.Platform{step.PlatformIOS}},
		{Title: "通用", Content: "操作前确认已登录"},
	}, 5)

	got := provider.Query("在Android设备上查看短信", []step.Platform{step.PlatformAndroid})
	if len(got) != 2 || got[0].Title != "短信" || got[1].Title != "通用" {
		t.Fatalf("unexpected snippets: %+v", got)
	}

	got = provider.Query("查看通知", []step.Platform{step.PlatformAndroid})
	if len(got) != 1 || got[0].Title != "通用" {
		t.Fatalf("platform filter not applied: %+v", got)
	}
}

func TestQueryHonoursMaxResults(t *testing.T) {
	provider := NewStaticProvider([]Snippet{{Title: "a"}, {Title: "b"}, {Title: "c"}}, 2)
	if got := provider.Query("任意任务", nil); len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
}

func TestLoadStaticProviderFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	content := "- title: 登录\n  content: 点击登录按钮\n  keywords: [登录]\n  platforms: [web]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := LoadStaticProvider(path, 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := provider.Query("网页登录", []step.Platform{step.PlatformWeb})
	if len(got) != 1 || got[0].Content != "点击登录按钮" {
		t.Fatalf("unexpected snippets: %+v", got)
	}
}

func TestLoadStaticProviderFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	if err := os.WriteFile(path, []byte(`[{"title":"天气","content":"调用 weather 工具"}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := provider.Query("天气", nil); len(got) != 1 {
		t.Fatalf("unexpected snippets: %+v", got)
	}
}
