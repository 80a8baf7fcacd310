package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"epic-poem/server/internal/clock"
	"epic-poem/server/internal/llm"
	"epic-poem/server/internal/model"
	"epic-poem/server/internal/prompts"
	"epic-poem/server/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var (
	diana = model.Prompt{Name: "Diana", Dream: "became a firefighter"}
	bob   = model.Prompt{Name: "Bob", Dream: "flew a fighter jet"}
)

type harness struct {
	engine *Engine
	clock  *clock.Manual
	gen    *llm.MockGenerator
	store  *store.InMemoryStore
	timing Timing
}

type harnessOption func(*Options)

func withPrompts(ps ...model.Prompt) harnessOption {
	return func(o *Options) { o.Library = prompts.New(ps, nil) }
}

func withStore(s store.Store) harnessOption {
	return func(o *Options) { o.Store = s }
}

func withGenerators(g GeneratorSource) harnessOption {
	return func(o *Options) { o.Generators = g }
}

func newHarness(t *testing.T, steps []llm.MockStep, opts ...harnessOption) *harness {
	t.Helper()

	gen := llm.NewMockGenerator(steps...)
	reg := llm.NewRegistry()
	reg.Register(model.ProviderOpenAI, gen)

	mem := store.NewInMemoryStore(0)
	clk := clock.NewManual(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	o := Options{
		Library:    prompts.New([]model.Prompt{diana}, nil),
		Generators: reg,
		Store:      mem,
		Scheduler:  clk,
		Rand:       rand.New(rand.NewPCG(1, 2)),
		Timing:     DefaultTiming(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	e, err := New(context.Background(), o)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return &harness{engine: e, clock: clk, gen: gen, store: mem, timing: o.Timing}
}

func couplet(a, b string) llm.MockStep {
	return llm.MockStep{Chunks: []string{`"` + a, `"` + "\n", "Stanza 1: " + b}}
}

// waitingState 等待生成结束并断言进入等待用户状态
func (h *harness) waitingState(t *testing.T) model.PoemState {
	t.Helper()
	h.engine.Wait()
	st := h.engine.State()
	if !st.IsWaitingForUser || st.IsGenerating {
		t.Fatalf("expected waiting for user, got generating=%v waiting=%v status=%q",
			st.IsGenerating, st.IsWaitingForUser, h.engine.Snapshot().Status)
	}
	return st
}

func checkInvariants(t *testing.T, st model.PoemState) {
	t.Helper()
	if err := st.Check(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

// TestStartGeneratesFirstCouplet 验证开始后生成第一节并清理输出。
// 场景：生成器输出带引号和 "Stanza 1:" 前缀，展示的两行应已清理干净。
func TestStartGeneratesFirstCouplet(t *testing.T) {
	h := newHarness(t, []llm.MockStep{couplet("Diana woke up early and bright", "She grabbed her gear to join the fight")})

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := h.waitingState(t)

	want := []string{"Diana woke up early and bright", "She grabbed her gear to join the fight"}
	if !reflect.DeepEqual(st.GeneratedLines, want) {
		t.Fatalf("generated lines = %q, want %q", st.GeneratedLines, want)
	}
	if !st.HasStarted || st.CurrentStanza != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if !strings.Contains(h.gen.Prompts()[0], "first stanza out of 4") {
		t.Fatalf("first instruction should introduce the dream: %s", h.gen.Prompts()[0])
	}

	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

// TestDianaScenario 验证完整的四节流程与归档。
// 场景：Diana / became a firefighter，依次提交 ok1..ok4，生成一首标题正确、四节的归档诗，
// 状态重置为新诗第一节。
func TestDianaScenario(t *testing.T) {
	h := newHarness(t, nil, withPrompts(diana))
	e := h.engine

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	lines := []string{"ok1", "ok2", "ok3", "ok4"}
	for i, line := range lines {
		st := h.waitingState(t)
		if st.CurrentStanza != i+1 {
			t.Fatalf("expected stanza %d, got %d", i+1, st.CurrentStanza)
		}
		if len(st.CompletedStanzas) != st.CurrentStanza-1 {
			t.Fatalf("completed=%d stanza=%d", len(st.CompletedStanzas), st.CurrentStanza)
		}

		if !e.SubmitUserLine(line) {
			t.Fatalf("submission %q rejected", line)
		}
		st = e.State()
		if len(st.CompletedStanzas) != i+1 || len(st.CompletedStanzas) > model.StanzaCount {
			t.Fatalf("after submit: completed=%d", len(st.CompletedStanzas))
		}
		if st.UserLine != line || st.IsWaitingForUser {
			t.Fatalf("unexpected state after submit: %+v", st)
		}
		checkInvariants(t, st)

		h.clock.Advance(h.timing.StanzaDwell)
		if i < len(lines)-1 {
			st = e.State()
			if st.CurrentStanza != i+2 || len(st.CompletedStanzas) != st.CurrentStanza-1 {
				t.Fatalf("after advance: stanza=%d completed=%d", st.CurrentStanza, len(st.CompletedStanzas))
			}
			if len(st.GeneratedLines) != 0 || st.UserLine != "" {
				t.Fatalf("new stanza should start empty: %+v", st)
			}
			h.clock.Advance(h.timing.RegenerateDelay)
		}
	}

	archive := e.Archive()
	if len(archive) != 1 {
		t.Fatalf("expected exactly one archived poem, got %d", len(archive))
	}
	p := archive[0]
	if p.Title != "The Day Diana became a firefighter" {
		t.Fatalf("title = %q", p.Title)
	}
	if len(p.Stanzas) != 4 {
		t.Fatalf("stanzas = %d", len(p.Stanzas))
	}
	for i, s := range p.Stanzas {
		if s[2] != lines[i] {
			t.Fatalf("stanza %d user line = %q, want %q", i, s[2], lines[i])
		}
	}
	if !p.Timestamp.Equal(h.clock.Now()) {
		t.Fatalf("timestamp = %v, want %v", p.Timestamp, h.clock.Now())
	}

	snap := e.Snapshot()
	if snap.ActiveArchiveID != p.ID {
		t.Fatalf("archived poem should be the active selection")
	}
	st := snap.Poem
	if st.CurrentStanza != 1 || len(st.CompletedStanzas) != 0 || !st.HasStarted {
		t.Fatalf("expected fresh started poem, got %+v", st)
	}

	// 新诗在 NewPoemDelay 之后开始生成
	calls := h.gen.CallCount()
	h.clock.Advance(h.timing.NewPoemDelay)
	h.waitingState(t)
	if h.gen.CallCount() != calls+1 {
		t.Fatalf("expected new poem generation to start")
	}

	h.engine.Wait()
	stored, _ := h.store.ListArchive(context.Background())
	if len(stored) != 1 || stored[0].ID != p.ID {
		t.Fatalf("archive not persisted: %+v", stored)
	}
}

// TestInstructionFollowsProgress 场景：中间诗节带上前文，最后一节要求收尾。
func TestInstructionFollowsProgress(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	_ = e.Start(context.Background())

	for i := 0; i < 3; i++ {
		h.waitingState(t)
		e.SubmitUserLine("mine")
		h.clock.Advance(h.timing.StanzaDwell + h.timing.RegenerateDelay)
	}
	h.waitingState(t)

	ps := h.gen.Prompts()
	if len(ps) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(ps))
	}
	if !strings.Contains(ps[1], "Previous stanzas of the story") || !strings.Contains(ps[1], "leave it open") {
		t.Fatalf("middle stanza instruction: %s", ps[1])
	}
	if !strings.Contains(ps[3], "final stanza") || !strings.Contains(ps[3], "Stanza 3:") {
		t.Fatalf("final stanza instruction: %s", ps[3])
	}
}

// TestRejectedSubmissionLeavesStateUnchanged 验证校验失败是静默的。
// 场景：未开始、生成中、空白输入三种情况下提交都返回 false，状态逐字节不变。
func TestRejectedSubmissionLeavesStateUnchanged(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, []llm.MockStep{{Chunks: []string{"a\n", "b"}, Gate: gate}})
	e := h.engine

	before := e.Snapshot()
	if e.SubmitUserLine("too early") {
		t.Fatalf("submission before start accepted")
	}
	if after := e.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed after rejected submission")
	}

	_ = e.Start(context.Background())
	before = e.Snapshot()
	if e.SubmitUserLine("while generating") {
		t.Fatalf("submission while generating accepted")
	}
	if after := e.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed while generating")
	}

	close(gate)
	h.waitingState(t)
	before = e.Snapshot()
	for _, blank := range []string{"", "   ", "\t\n"} {
		if e.SubmitUserLine(blank) {
			t.Fatalf("blank submission %q accepted", blank)
		}
	}
	if after := e.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed after blank submission")
	}

	if !e.SubmitUserLine("  trimmed line  ") {
		t.Fatalf("valid submission rejected")
	}
	if got := e.State().CompletedStanzas[0][2]; got != "trimmed line" {
		t.Fatalf("user line not trimmed: %q", got)
	}
}

// TestRerollDiscardsStaleGeneration 验证 reroll 后慢请求的结果不会写入新主题。
// 场景：第一次生成被卡住且忽略取消；reroll 后放行，最终展示的只能是新主题自己的两行。
func TestRerollDiscardsStaleGeneration(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, []llm.MockStep{
		{Chunks: []string{"Stale line one\n", "Stale line two"}, Gate: gate, IgnoreCancel: true},
		couplet("Fresh line one", "Fresh line two"),
	}, withPrompts(diana, bob))
	e := h.engine

	_ = e.Start(context.Background())
	original := e.State().Prompt()

	if !e.RerollPrompt() {
		t.Fatalf("reroll refused")
	}
	if e.State().Prompt() == original {
		t.Fatalf("reroll should pick a different prompt")
	}

	close(gate)
	st := h.waitingState(t)
	want := []string{"Fresh line one", "Fresh line two"}
	if !reflect.DeepEqual(st.GeneratedLines, want) {
		t.Fatalf("generated lines = %q, want %q", st.GeneratedLines, want)
	}
	if st.Prompt() == original {
		t.Fatalf("prompt reverted to the stale one")
	}
}

// TestRerollBeforeStartDoesNotGenerate 场景：未开始时 reroll 只换主题。
func TestRerollBeforeStartDoesNotGenerate(t *testing.T) {
	h := newHarness(t, nil, withPrompts(diana, bob))
	original := h.engine.State().Prompt()

	if !h.engine.RerollPrompt() {
		t.Fatalf("reroll refused")
	}
	st := h.engine.State()
	if st.HasStarted || st.IsGenerating || st.Prompt() == original {
		t.Fatalf("unexpected state after reroll: %+v", st)
	}
	if h.gen.CallCount() != 0 {
		t.Fatalf("reroll before start should not generate")
	}
}

// TestRerollRefusedDuringFinalAdvance 场景：第 4 节已提交、归档未执行时 reroll 被拒绝；
// 中间诗节的推进则会被 reroll 取消。
func TestRerollRefusedDuringFinalAdvance(t *testing.T) {
	h := newHarness(t, nil, withPrompts(diana, bob))
	e := h.engine
	_ = e.Start(context.Background())

	h.waitingState(t)
	e.SubmitUserLine("first")
	if !e.RerollPrompt() {
		t.Fatalf("reroll during a middle advance should be allowed")
	}
	// 被取消的推进不会再执行
	h.clock.Advance(h.timing.StanzaDwell)
	st := h.waitingState(t)
	if st.CurrentStanza != 1 || len(st.CompletedStanzas) != 0 {
		t.Fatalf("stale advance applied: %+v", st)
	}

	for i := 0; i < 4; i++ {
		h.waitingState(t)
		e.SubmitUserLine("line")
		if i < 3 {
			h.clock.Advance(h.timing.StanzaDwell + h.timing.RegenerateDelay)
		}
	}
	if e.RerollPrompt() {
		t.Fatalf("reroll accepted while final advance pending")
	}
	h.clock.Advance(h.timing.StanzaDwell)
	if len(e.Archive()) != 1 {
		t.Fatalf("final advance should still archive")
	}
	if !e.RerollPrompt() {
		t.Fatalf("reroll should be allowed again after archiving")
	}
}

// TestGenerationFailureKeepsPartialLines 验证生成失败的处理。
// 场景：流在第一行后出错，保留部分结果并给出提示，不自动重试；手动 Regenerate 后恢复。
func TestGenerationFailureKeepsPartialLines(t *testing.T) {
	h := newHarness(t, []llm.MockStep{
		{Chunks: []string{"Half a line"}, Err: errors.New("connection reset")},
	})
	e := h.engine
	_ = e.Start(context.Background())
	e.Wait()

	snap := e.Snapshot()
	st := snap.Poem
	if st.IsGenerating || st.IsWaitingForUser {
		t.Fatalf("expected halted state, got %+v", st)
	}
	if !reflect.DeepEqual(st.GeneratedLines, []string{"Half a line"}) {
		t.Fatalf("partial lines lost: %q", st.GeneratedLines)
	}
	if snap.Status == "" {
		t.Fatalf("expected a status message")
	}
	h.clock.RunPending()
	if h.gen.CallCount() != 1 {
		t.Fatalf("generation retried automatically")
	}

	if !e.Regenerate() {
		t.Fatalf("regenerate refused")
	}
	h.waitingState(t)
	if e.Snapshot().Status != "" {
		t.Fatalf("status should clear after success")
	}
	if e.Regenerate() {
		t.Fatalf("regenerate accepted while waiting for user")
	}
}

// TestUnauthorizedStatus 场景：key 无效时提示检查配置。
func TestUnauthorizedStatus(t *testing.T) {
	h := newHarness(t, []llm.MockStep{{Err: llm.ErrUnauthorized}})
	_ = h.engine.Start(context.Background())
	h.engine.Wait()
	if s := h.engine.Snapshot().Status; !strings.Contains(s, "API key") {
		t.Fatalf("status = %q", s)
	}
}

// TestProviderUnavailable 场景：选中的提供方没有配置时，不进入生成状态。
func TestProviderUnavailable(t *testing.T) {
	h := newHarness(t, nil, withGenerators(llm.NewRegistry()))
	_ = h.engine.Start(context.Background())
	h.engine.Wait()

	snap := h.engine.Snapshot()
	if snap.Poem.IsGenerating || !snap.Poem.HasStarted {
		t.Fatalf("unexpected state: %+v", snap.Poem)
	}
	if !strings.Contains(snap.Status, "not configured") {
		t.Fatalf("status = %q", snap.Status)
	}
}

// TestNewPoemResets 场景：新诗回到未开始，清掉归档选中与持久化快照，并作废进行中的生成。
func TestNewPoemResets(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, []llm.MockStep{{Chunks: []string{"late\n", "lines"}, Gate: gate, IgnoreCancel: true}})
	e := h.engine
	_ = e.Start(context.Background())

	e.NewPoem()
	close(gate)
	e.Wait()

	st := e.State()
	if st.HasStarted || st.IsGenerating || len(st.GeneratedLines) != 0 {
		t.Fatalf("expected unstarted fresh poem, got %+v", st)
	}
	snap, _ := h.store.LoadSnapshot(context.Background())
	if snap != nil {
		t.Fatalf("persisted snapshot should be cleared")
	}
}

// TestSnapshotRestore 验证进行中的诗可在重启后恢复。
// 场景：提交第一节后关闭，新实例从同一存储恢复并重新安排推进。
func TestSnapshotRestore(t *testing.T) {
	mem := store.NewInMemoryStore(0)
	h := newHarness(t, nil, withStore(mem))
	_ = h.engine.Start(context.Background())
	h.waitingState(t)
	h.engine.SubmitUserLine("saved line")
	h.engine.Wait()
	_ = h.engine.Close()

	h2 := newHarness(t, nil, withStore(mem))
	st := h2.engine.State()
	if !st.HasStarted || len(st.CompletedStanzas) != 1 || st.CompletedStanzas[0][2] != "saved line" {
		t.Fatalf("poem not restored: %+v", st)
	}

	h2.clock.Advance(h2.timing.StanzaDwell + h2.timing.RegenerateDelay)
	st = h2.waitingState(t)
	if st.CurrentStanza != 2 {
		t.Fatalf("restored poem should advance to stanza 2, got %d", st.CurrentStanza)
	}
}

// TestInterruptedGenerationRestore 场景：生成中被关闭，恢复后不在生成状态，可以手动重试。
func TestInterruptedGenerationRestore(t *testing.T) {
	mem := store.NewInMemoryStore(0)
	state := model.NewPoemState(diana)
	state.HasStarted = true
	state.IsGenerating = true
	_ = mem.SaveSnapshot(context.Background(), state)

	h := newHarness(t, nil, withStore(mem))
	snap := h.engine.Snapshot()
	if snap.Poem.IsGenerating || snap.Status == "" {
		t.Fatalf("unexpected restored state: %+v status=%q", snap.Poem, snap.Status)
	}
	if !h.engine.Regenerate() {
		t.Fatalf("regenerate should be allowed after restore")
	}
	h.waitingState(t)
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t, nil)
	hard := model.RhymeHard
	crazy := model.NarrativeCrazy

	got, err := h.engine.UpdateSettings(model.SettingsPatch{RhymeDifficulty: &hard, NarrativeMode: &crazy})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if got.RhymeDifficulty != model.RhymeHard || !got.FamilyFriendly {
		t.Fatalf("unexpected settings: %+v", got)
	}

	bad := model.Provider("mystery")
	if _, err := h.engine.UpdateSettings(model.SettingsPatch{Provider: &bad}); err == nil {
		t.Fatalf("expected invalid provider to be rejected")
	}
	if h.engine.Settings().Provider != model.ProviderOpenAI {
		t.Fatalf("invalid patch should not be applied")
	}

	_ = h.engine.Start(context.Background())
	h.waitingState(t)
	if p := h.gen.Prompts()[0]; !strings.Contains(p, "multi-syllable") || !strings.Contains(p, "absurd") {
		t.Fatalf("style constraints missing: %s", p)
	}

	saved, ok, _ := h.store.LoadSettings(context.Background())
	if !ok || saved.RhymeDifficulty != model.RhymeHard {
		t.Fatalf("settings not persisted: %+v", saved)
	}
}

// TestArchiveToggleAndDelete 场景：切换选中归档，删除后选中项同步清空。
func TestArchiveToggleAndDelete(t *testing.T) {
	mem := store.NewInMemoryStore(0)
	_ = mem.AppendArchive(context.Background(), model.ArchivedPoem{ID: "old", Title: "The Day Bob flew a fighter jet"})
	h := newHarness(t, nil, withStore(mem))
	e := h.engine

	if e.ToggleArchive("missing") {
		t.Fatalf("toggle of unknown id accepted")
	}
	e.ToggleArchive("old")
	if e.Snapshot().ActiveArchiveID != "old" {
		t.Fatalf("toggle did not select")
	}
	e.ToggleArchive("old")
	if e.Snapshot().ActiveArchiveID != "" {
		t.Fatalf("second toggle should clear")
	}

	e.ToggleArchive("old")
	if err := e.DeleteArchive(context.Background(), "old"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(e.Archive()) != 0 || e.Snapshot().ActiveArchiveID != "" {
		t.Fatalf("delete did not clean up")
	}
	if err := e.DeleteArchive(context.Background(), "old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestSubscribeVersions 验证监听者收到的快照带有互不相同的版本号，最新一个等于当前版本。
// 场景：生成 goroutine 与调用方可能并发通知，到达顺序不保证，消费方按版本号取舍。
func TestSubscribeVersions(t *testing.T) {
	h := newHarness(t, nil)
	var (
		mu       sync.Mutex
		versions []uint64
	)
	unsubscribe := h.engine.Subscribe(func(s model.Snapshot) {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	})

	_ = h.engine.Start(context.Background())
	h.waitingState(t)
	unsubscribe()
	h.engine.SubmitUserLine("x")

	mu.Lock()
	defer mu.Unlock()
	if len(versions) < 2 {
		t.Fatalf("expected several notifications, got %d", len(versions))
	}
	seen := make(map[uint64]bool)
	var latest uint64
	for _, v := range versions {
		if seen[v] {
			t.Fatalf("duplicate version %d in %v", v, versions)
		}
		seen[v] = true
		latest = max(latest, v)
	}
	if latest >= h.engine.Snapshot().Version {
		t.Fatalf("listener called after unsubscribe: latest=%d current=%d", latest, h.engine.Snapshot().Version)
	}
}

func TestClosedEngineRejects(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.engine.Close()
	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if h.engine.RerollPrompt() {
		t.Fatalf("reroll accepted after close")
	}
}
