// Package engine 驱动一首诗的逐节推进：生成两行、等待用户一行、推进或归档。
//
// 所有状态由 Engine 的互斥锁保护。每个异步结果（流式片段、延时步骤）都带着
// 发起时的 epoch，只有 epoch 仍是当前值时才会写回状态；reroll / 新诗会推进
// epoch，使旧结果被静默丢弃。
package engine

import (
	"context"
	"errors"
	"iter"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"epic-poem/server/internal/clock"
	"epic-poem/server/internal/llm"
	"epic-poem/server/internal/logging"
	"epic-poem/server/internal/metrics"
	"epic-poem/server/internal/model"
	"epic-poem/server/internal/prompts"
	"epic-poem/server/internal/sanitize"
	"epic-poem/server/internal/store"
)

var (
	ErrAlreadyStarted = errors.New("poem already started")
	ErrClosed         = errors.New("engine closed")
)

// GeneratorSource 按提供方取生成器，llm.Registry 实现了它。
type GeneratorSource interface {
	For(p model.Provider) (llm.Generator, error)
}

// Timing 节奏参数
type Timing struct {
	// StanzaDwell 用户提交后展示完整诗节的时间
	StanzaDwell time.Duration
	// RegenerateDelay 进入下一节后开始生成前的停顿
	RegenerateDelay time.Duration
	// NewPoemDelay 归档后开始新诗前的停顿
	NewPoemDelay time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		StanzaDwell:     2 * time.Second,
		RegenerateDelay: 100 * time.Millisecond,
		NewPoemDelay:    time.Second,
	}
}

type Options struct {
	Library    *prompts.Library
	Generators GeneratorSource
	// Store 为空时使用内存存储
	Store     store.Store
	Scheduler clock.Scheduler
	Rand      *rand.Rand
	Metrics   *metrics.PoemMetrics
	Logger    *zap.Logger
	Timing    Timing
	// Defaults 存储里没有设置时使用
	Defaults model.PoemSettings
	// NewID 归档 ID，默认 uuid
	NewID func() string
}

const (
	persistQueueSize = 64
	persistTimeout   = 5 * time.Second
)

// Engine 诗歌会话控制器
type Engine struct {
	lib     *prompts.Library
	gens    GeneratorSource
	store   store.Store
	sched   clock.Scheduler
	metrics *metrics.PoemMetrics
	logger  *zap.Logger
	timing  Timing
	newID   func() string

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu              sync.Mutex
	rng             *rand.Rand
	state           model.PoemState
	voices          [2]string
	archive         []model.ArchivedPoem
	activeArchiveID string
	status          string
	settings        model.PoemSettings
	version         uint64
	closed          bool

	// epoch 每次开始生成或作废进行中的工作时递增
	epoch     uint64
	cancelGen context.CancelFunc
	// pendingStop 取消尚未执行的延时步骤（推进或延迟生成）
	pendingStop func() bool
	// finalPending 第 4 节已提交、归档尚未执行
	finalPending bool

	listeners    map[int]func(model.Snapshot)
	nextListener int

	genWG     sync.WaitGroup
	persistCh chan func(context.Context)
	persistWG sync.WaitGroup
	workerWG  sync.WaitGroup
}

// New 创建控制器并从存储恢复设置、归档与进行中的诗。
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Library == nil {
		opts.Library = prompts.New(nil, nil)
	}
	if opts.Generators == nil {
		return nil, errors.New("engine: generator source is required")
	}
	if opts.Store == nil {
		opts.Store = store.NewInMemoryStore(0)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.Real{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	if opts.Defaults == (model.PoemSettings{}) {
		opts.Defaults = model.DefaultSettings()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	e := &Engine{
		lib:        opts.Library,
		gens:       opts.Generators,
		store:      opts.Store,
		sched:      opts.Scheduler,
		metrics:    opts.Metrics,
		logger:     logging.OrNop(opts.Logger).Named("engine"),
		timing:     opts.Timing,
		newID:      opts.NewID,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		rng:        opts.Rand,
		settings:   opts.Defaults,
		listeners:  make(map[int]func(model.Snapshot)),
		persistCh:  make(chan func(context.Context), persistQueueSize),
	}

	e.restore(ctx)

	e.workerWG.Add(1)
	go e.persistLoop()

	e.logger.Info("[Engine] ✅ ready",
		zap.String("title", model.PoemTitle(e.state.Character, e.state.Dream)),
		zap.Bool("has_started", e.state.HasStarted),
		zap.Int("archived", len(e.archive)))
	return e, nil
}

// restore 尽力而为：任何读取失败都只记录日志。
func (e *Engine) restore(ctx context.Context) {
	if s, ok, err := e.store.LoadSettings(ctx); err != nil {
		e.logger.Warn("[Engine] ⚠️  load settings failed", zap.Error(err))
	} else if ok {
		if err := s.Validate(); err != nil {
			e.logger.Warn("[Engine] ⚠️  ignoring invalid stored settings", zap.Error(err))
		} else {
			e.settings = s
		}
	}

	if archive, err := e.store.ListArchive(ctx); err != nil {
		e.logger.Warn("[Engine] ⚠️  load archive failed", zap.Error(err))
	} else {
		e.archive = archive
	}

	e.voices = e.lib.SupportVoices(e.rng)
	e.state = model.NewPoemState(e.lib.Pick(e.rng, nil))

	snap, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		e.logger.Warn("[Engine] ⚠️  load poem snapshot failed", zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	restored := snap.Clone()
	if restored.GeneratedLines == nil {
		restored.GeneratedLines = []string{}
	}
	if restored.CompletedStanzas == nil {
		restored.CompletedStanzas = []model.Stanza{}
	}
	// 被中断的生成恢复为“未在生成”，由用户重新触发
	if restored.IsGenerating {
		restored.IsGenerating = false
		e.status = "Generation was interrupted. Regenerate to continue."
	}
	if err := restored.Check(); err != nil {
		e.logger.Warn("[Engine] ⚠️  discarding invalid poem snapshot", zap.Error(err))
		e.status = ""
		return
	}
	e.state = restored

	// 提交之后、推进之前被打断：重新安排推进
	if restored.HasStarted && !restored.IsWaitingForUser && len(restored.CompletedStanzas) == restored.CurrentStanza {
		e.scheduleAdvanceLocked()
	}
	e.logger.Info("[Engine] ♻️  restored poem in progress",
		zap.Int("stanza", restored.CurrentStanza),
		zap.Int("completed", len(restored.CompletedStanzas)))
}

// Start 开始当前这首诗，生成第一节。
// ctx 只用于传递 trace 等值，生成本身不随 ctx 取消。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state.HasStarted {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.state.HasStarted = true
	e.voices = e.lib.SupportVoices(e.rng)
	e.logger.Info("[Engine] 🎬 poem started", zap.String("title", model.PoemTitle(e.state.Character, e.state.Dream)))
	e.beginGenerationLocked(context.WithoutCancel(ctx))
	e.persistStateLocked()
	e.unlockAndNotify()
	return nil
}

// SubmitUserLine 记录用户这一节的诗行。
// 未在等待用户或内容为空时返回 false，状态不变。
func (e *Engine) SubmitUserLine(raw string) bool {
	line := strings.TrimSpace(raw)

	e.mu.Lock()
	if e.closed || !e.state.IsWaitingForUser || line == "" {
		e.mu.Unlock()
		return false
	}

	var l1, l2 string
	if len(e.state.GeneratedLines) > 0 {
		l1 = e.state.GeneratedLines[0]
	}
	if len(e.state.GeneratedLines) > 1 {
		l2 = e.state.GeneratedLines[1]
	}
	e.state.CompletedStanzas = append(e.state.CompletedStanzas, model.Stanza{l1, l2, line})
	e.state.UserLine = line
	e.state.IsWaitingForUser = false
	e.status = ""

	e.scheduleAdvanceLocked()
	e.logger.Info("[Engine] ✍️  user line accepted",
		zap.Int("stanza", e.state.CurrentStanza),
		zap.Bool("final", e.finalPending))

	e.persistStateLocked()
	e.unlockAndNotify()
	return true
}

// scheduleAdvanceLocked 在展示停留后执行推进步骤
func (e *Engine) scheduleAdvanceLocked() {
	epoch := e.epoch
	e.finalPending = e.state.CurrentStanza >= model.StanzaCount
	e.pendingStop = e.sched.After(e.timing.StanzaDwell, func() { e.advance(epoch) })
}

// advance 是提交后的推进步骤，由调度器在停留时间后调用。
// epoch 过期时不做任何事。
func (e *Engine) advance(epoch uint64) {
	e.mu.Lock()
	if e.closed || e.epoch != epoch {
		e.mu.Unlock()
		return
	}
	e.pendingStop = nil

	if e.state.CurrentStanza+1 > model.StanzaCount {
		e.archiveAndResetLocked()
	} else {
		e.state.CurrentStanza++
		e.state.GeneratedLines = []string{}
		e.state.UserLine = ""
		e.scheduleGenerationLocked(e.timing.RegenerateDelay)
		e.persistStateLocked()
	}
	e.unlockAndNotify()
}

func (e *Engine) archiveAndResetLocked() {
	finished := e.state
	poem := model.ArchivedPoem{
		ID:        e.newID(),
		Title:     model.PoemTitle(finished.Character, finished.Dream),
		Stanzas:   append([]model.Stanza(nil), finished.CompletedStanzas...),
		Timestamp: e.sched.Now(),
	}
	e.archive = append([]model.ArchivedPoem{poem}, e.archive...)
	e.activeArchiveID = poem.ID
	e.finalPending = false
	e.metrics.RecordPoemArchived(e.rootCtx)

	current := finished.Prompt()
	e.state = model.NewPoemState(e.lib.Pick(e.rng, &current))
	e.state.HasStarted = true
	e.voices = e.lib.SupportVoices(e.rng)
	e.epoch++

	e.logger.Info("[Engine] 📜 poem archived",
		zap.String("id", poem.ID),
		zap.String("title", poem.Title),
		zap.String("next", model.PoemTitle(e.state.Character, e.state.Dream)))

	e.enqueuePersistLocked(func(ctx context.Context) {
		if err := e.store.AppendArchive(ctx, poem); err != nil {
			e.logger.Warn("[Engine] ⚠️  persist archived poem failed", zap.String("id", poem.ID), zap.Error(err))
		}
	})
	e.scheduleGenerationLocked(e.timing.NewPoemDelay)
	e.persistStateLocked()
}

// scheduleGenerationLocked 延迟 d 后为当前诗节开始生成
func (e *Engine) scheduleGenerationLocked(d time.Duration) {
	epoch := e.epoch
	e.pendingStop = e.sched.After(d, func() {
		e.mu.Lock()
		if e.closed || e.epoch != epoch {
			e.mu.Unlock()
			return
		}
		e.pendingStop = nil
		e.beginGenerationLocked(e.rootCtx)
		e.unlockAndNotify()
	})
}

// RerollPrompt 换一个主题重新开始。最后一节的归档尚未执行时拒绝。
func (e *Engine) RerollPrompt() bool {
	e.mu.Lock()
	if e.closed || e.finalPending {
		e.mu.Unlock()
		return false
	}
	wasStarted := e.state.HasStarted
	e.invalidateLocked()

	current := e.state.Prompt()
	e.state = model.NewPoemState(e.lib.Pick(e.rng, &current))
	e.state.HasStarted = wasStarted
	e.status = ""
	e.logger.Info("[Engine] 🎲 prompt rerolled",
		zap.String("title", model.PoemTitle(e.state.Character, e.state.Dream)),
		zap.Bool("regenerate", wasStarted))

	if wasStarted {
		e.beginGenerationLocked(e.rootCtx)
		e.persistStateLocked()
	} else {
		e.clearSnapshotLocked()
	}
	e.unlockAndNotify()
	return true
}

// NewPoem 回到一首未开始的新诗，丢弃进行中的一切。
func (e *Engine) NewPoem() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.invalidateLocked()

	current := e.state.Prompt()
	e.state = model.NewPoemState(e.lib.Pick(e.rng, &current))
	e.voices = e.lib.SupportVoices(e.rng)
	e.activeArchiveID = ""
	e.status = ""
	e.logger.Info("[Engine] 🆕 new poem", zap.String("title", model.PoemTitle(e.state.Character, e.state.Dream)))

	e.clearSnapshotLocked()
	e.unlockAndNotify()
}

// Regenerate 在生成失败后由用户手动重试当前诗节。
// 只有已开始、不在生成、不在等待用户且没有待执行步骤时允许。
func (e *Engine) Regenerate() bool {
	e.mu.Lock()
	if e.closed || !e.state.HasStarted || e.state.IsGenerating || e.state.IsWaitingForUser || e.pendingStop != nil {
		e.mu.Unlock()
		return false
	}
	e.logger.Info("[Engine] 🔁 regenerate", zap.Int("stanza", e.state.CurrentStanza))
	e.beginGenerationLocked(e.rootCtx)
	e.unlockAndNotify()
	return true
}

// invalidateLocked 作废进行中的生成与待执行步骤
func (e *Engine) invalidateLocked() {
	e.epoch++
	if e.cancelGen != nil {
		e.cancelGen()
		e.cancelGen = nil
	}
	if e.pendingStop != nil {
		e.pendingStop()
		e.pendingStop = nil
	}
	e.finalPending = false
}

// beginGenerationLocked 清空当前两行并启动一次流式生成
func (e *Engine) beginGenerationLocked(parent context.Context) {
	e.epoch++
	epoch := e.epoch
	if e.cancelGen != nil {
		e.cancelGen()
		e.cancelGen = nil
	}

	e.state.GeneratedLines = []string{}
	e.state.IsWaitingForUser = false

	provider := e.settings.Provider
	gen, err := e.gens.For(provider)
	if err != nil {
		e.state.IsGenerating = false
		e.status = generationStatus(err)
		e.metrics.RecordGenerationFailed(e.rootCtx, string(provider), "unavailable")
		e.logger.Warn("[Engine] ❌ no generator", zap.String("provider", string(provider)), zap.Error(err))
		return
	}

	e.state.IsGenerating = true
	e.status = ""
	instruction := BuildInstruction(e.state, e.settings)

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(e.rootCtx, cancel)
	e.cancelGen = cancel
	e.metrics.RecordGenerationStarted(e.rootCtx, string(provider), e.state.CurrentStanza)

	// 序列在锁内创建，保证调用生成器的顺序与 epoch 顺序一致
	seq := gen.Stream(ctx, instruction)

	e.genWG.Add(1)
	go func() {
		defer e.genWG.Done()
		defer stop()
		defer cancel()
		e.runGeneration(epoch, string(provider), seq)
	}()
}

func (e *Engine) runGeneration(epoch uint64, provider string, seq iter.Seq2[string, error]) {
	var buf strings.Builder
	var streamErr error

	for chunk, err := range seq {
		if err != nil {
			streamErr = err
			break
		}
		buf.WriteString(chunk)
		if !e.applyPartial(epoch, sanitize.Lines(buf.String(), model.LinesPerCouplet)) {
			e.metrics.RecordGenerationDiscarded(e.rootCtx, provider)
			e.logger.Debug("[Engine] 🗑️  stale generation dropped", zap.Uint64("epoch", epoch))
			return
		}
	}
	e.finishGeneration(epoch, provider, buf.String(), streamErr)
}

// applyPartial 渐进展示；epoch 过期时返回 false
func (e *Engine) applyPartial(epoch uint64, lines []string) bool {
	e.mu.Lock()
	if e.epoch != epoch || e.closed {
		e.mu.Unlock()
		return false
	}
	e.state.GeneratedLines = lines
	e.unlockAndNotify()
	return true
}

func (e *Engine) finishGeneration(epoch uint64, provider, buffer string, streamErr error) {
	e.mu.Lock()
	if e.epoch != epoch || e.closed {
		e.mu.Unlock()
		e.metrics.RecordGenerationDiscarded(e.rootCtx, provider)
		return
	}
	e.cancelGen = nil
	e.state.IsGenerating = false

	lines := sanitize.Lines(buffer, model.LinesPerCouplet)
	switch {
	case streamErr != nil:
		// 保留最后一次的部分结果，不自动重试
		e.status = generationStatus(streamErr)
		e.metrics.RecordGenerationFailed(e.rootCtx, provider, errorType(streamErr))
		e.logger.Warn("[Engine] ❌ generation failed",
			zap.Int("stanza", e.state.CurrentStanza),
			zap.Int("partial_lines", len(e.state.GeneratedLines)),
			zap.Error(streamErr))
	case len(lines) == 0:
		e.status = "The generator returned no lines. Try regenerating."
		e.metrics.RecordGenerationFailed(e.rootCtx, provider, "empty")
		e.logger.Warn("[Engine] ⚠️  generation returned nothing", zap.Int("stanza", e.state.CurrentStanza))
	default:
		e.state.GeneratedLines = lines
		e.state.IsWaitingForUser = true
		e.status = ""
		e.metrics.RecordGenerationCompleted(e.rootCtx, provider)
		e.logger.Info("[Engine] ✅ couplet ready",
			zap.Int("stanza", e.state.CurrentStanza),
			zap.Strings("lines", lines))
		e.persistStateLocked()
	}
	e.unlockAndNotify()
}

func generationStatus(err error) string {
	switch {
	case errors.Is(err, llm.ErrUnauthorized):
		return "The text generator rejected the API key. Check your configuration."
	case errors.Is(err, llm.ErrProviderUnavailable):
		return "The selected model provider is not configured."
	default:
		return "Error generating lines. Try regenerating."
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, llm.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "stream"
	}
}

// UpdateSettings 应用部分更新，新的提供方与风格从下一次生成开始生效。
func (e *Engine) UpdateSettings(patch model.SettingsPatch) (model.PoemSettings, error) {
	e.mu.Lock()
	next := patch.Apply(e.settings)
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return model.PoemSettings{}, err
	}
	e.settings = next
	e.enqueuePersistLocked(func(ctx context.Context) {
		if err := e.store.SaveSettings(ctx, next); err != nil {
			e.logger.Warn("[Engine] ⚠️  persist settings failed", zap.Error(err))
		}
	})
	e.logger.Info("[Engine] ⚙️  settings updated",
		zap.String("provider", string(next.Provider)),
		zap.String("difficulty", string(next.RhymeDifficulty)),
		zap.String("audio", string(next.AudioMode)))
	e.unlockAndNotify()
	return next, nil
}

func (e *Engine) Settings() model.PoemSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// State 返回当前诗歌状态的拷贝
func (e *Engine) State() model.PoemState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

func (e *Engine) Archive() []model.ArchivedPoem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.ArchivedPoem(nil), e.archive...)
}

// ToggleArchive 切换归档展开项；id 不存在时返回 false。
func (e *Engine) ToggleArchive(id string) bool {
	e.mu.Lock()
	found := false
	for _, p := range e.archive {
		if p.ID == id {
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return false
	}
	if e.activeArchiveID == id {
		e.activeArchiveID = ""
	} else {
		e.activeArchiveID = id
	}
	e.unlockAndNotify()
	return true
}

// DeleteArchive 删除一首归档的诗
func (e *Engine) DeleteArchive(ctx context.Context, id string) error {
	e.mu.Lock()
	idx := -1
	for i, p := range e.archive {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return store.ErrNotFound
	}
	e.archive = append(e.archive[:idx:idx], e.archive[idx+1:]...)
	if e.activeArchiveID == id {
		e.activeArchiveID = ""
	}
	e.unlockAndNotify()

	if err := e.store.DeleteArchive(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Snapshot 返回展示层需要的全部状态
func (e *Engine) Snapshot() model.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() model.Snapshot {
	return model.Snapshot{
		Version:         e.version,
		Poem:            e.state.Clone(),
		SupportVoices:   e.voices,
		Archive:         append([]model.ArchivedPoem(nil), e.archive...),
		ActiveArchiveID: e.activeArchiveID,
		Status:          e.status,
		Settings:        e.settings,
	}
}

// Subscribe 注册快照监听，返回取消函数。监听在状态变化后、锁外调用。
func (e *Engine) Subscribe(fn func(model.Snapshot)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// unlockAndNotify 递增版本、解锁并通知监听者
func (e *Engine) unlockAndNotify() {
	e.version++
	snap := e.snapshotLocked()
	fns := make([]func(model.Snapshot), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (e *Engine) persistStateLocked() {
	state := e.state.Clone()
	e.enqueuePersistLocked(func(ctx context.Context) {
		if err := e.store.SaveSnapshot(ctx, state); err != nil {
			e.logger.Warn("[Engine] ⚠️  persist poem snapshot failed", zap.Error(err))
		}
	})
}

func (e *Engine) clearSnapshotLocked() {
	e.enqueuePersistLocked(func(ctx context.Context) {
		if err := e.store.ClearSnapshot(ctx); err != nil {
			e.logger.Warn("[Engine] ⚠️  clear poem snapshot failed", zap.Error(err))
		}
	})
}

// enqueuePersistLocked 持锁入队，保证写入顺序与状态变化顺序一致
func (e *Engine) enqueuePersistLocked(fn func(context.Context)) {
	if e.closed {
		return
	}
	e.persistWG.Add(1)
	select {
	case e.persistCh <- fn:
	default:
		e.persistWG.Done()
		e.logger.Warn("[Engine] ⚠️  persist queue full, dropping write")
	}
}

func (e *Engine) persistLoop() {
	defer e.workerWG.Done()
	for fn := range e.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		fn(ctx)
		cancel()
		e.persistWG.Done()
	}
}

// Wait 等待进行中的生成结束、排队的持久化写完
func (e *Engine) Wait() {
	e.genWG.Wait()
	e.persistWG.Wait()
}

// Close 停止一切后台工作。之后的操作都会被拒绝。
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.invalidateLocked()
	e.closed = true
	close(e.persistCh)
	e.mu.Unlock()

	e.rootCancel()
	e.genWG.Wait()
	e.workerWG.Wait()
	e.logger.Info("[Engine] 🔌 closed")
	return nil
}
