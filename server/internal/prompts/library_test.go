package prompts

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"epic-poem/server/internal/model"
)

// TestPickNeverRepeatsExcluded 验证 Pick 不会返回被排除的主题。
// 场景：反复以同一主题为 exclude 挑选，结果始终不同。
func TestPickNeverRepeatsExcluded(t *testing.T) {
	lib := New(nil, nil)
	rng := rand.New(rand.NewPCG(1, 2))
	current := Builtin[0]

	for i := 0; i < 500; i++ {
		got := lib.Pick(rng, &current)
		if got == current {
			t.Fatalf("iteration %d: picked excluded prompt %v", i, got)
		}
	}
}

// TestPickSingleEntryLibrary 验证只有一个主题时允许重复。
func TestPickSingleEntryLibrary(t *testing.T) {
	only := model.Prompt{Name: "Diana", Dream: "became a firefighter"}
	lib := New([]model.Prompt{only}, nil)

	got := lib.Pick(rand.New(rand.NewPCG(3, 4)), &only)
	if got != only {
		t.Fatalf("expected %v, got %v", only, got)
	}
}

// TestSupportVoicesDistinct 验证两个配音员名字不同且来自名字池。
func TestSupportVoicesDistinct(t *testing.T) {
	lib := New(nil, nil)
	rng := rand.New(rand.NewPCG(5, 6))
	pool := make(map[string]bool)
	for _, n := range SupportVoiceNames {
		pool[n] = true
	}

	for i := 0; i < 100; i++ {
		voices := lib.SupportVoices(rng)
		if voices[0] == voices[1] {
			t.Fatalf("duplicate support voices: %v", voices)
		}
		if !pool[voices[0]] || !pool[voices[1]] {
			t.Fatalf("voice outside pool: %v", voices)
		}
	}
}

// TestLoadFromFile 验证从 JSON 文件加载主题清单。
// 场景：合法文件加载成功；缺少 dream 的条目报错；空路径回退内置清单。
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "prompts.json")
	if err := os.WriteFile(good, []byte(`[{"name":"Ada","dream":"built an engine"}]`), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	lib, err := Load(good)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := lib.Prompts(); len(got) != 1 || got[0].Name != "Ada" {
		t.Fatalf("unexpected prompts: %v", got)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"name":"Ada"}]`), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected error for prompt without dream")
	}

	lib, err = Load("")
	if err != nil {
		t.Fatalf("load builtin: %v", err)
	}
	if len(lib.Prompts()) != len(Builtin) {
		t.Fatalf("expected builtin prompts, got %d", len(lib.Prompts()))
	}
}
