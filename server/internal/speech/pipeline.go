// Package speech 负责朗读两行诗并在之后打开一个录音窗口。
//
// Pipeline 用单调递增的会话号作为唯一的取消原语：每个异步步骤（合成、播放、
// 录音、转写）都记下发起时的会话号，在产生任何可见效果之前重新核对。
// 播放与录音是例外，取消时会被主动停止。
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"epic-poem/server/internal/clock"
	"epic-poem/server/internal/logging"
	"epic-poem/server/internal/metrics"
	"epic-poem/server/internal/model"
)

var (
	// ErrPermissionDenied 麦克风权限被拒绝，Recorder.Start 应返回（或包装）它。
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrEmptyTranscript 转写结果为空
	ErrEmptyTranscript = errors.New("empty transcript")
	// ErrNarrationFailed 远端合成与本地合成都失败
	ErrNarrationFailed = errors.New("narration failed")
	// ErrBusy 正在朗读或已在录音时拒绝手动录音
	ErrBusy = errors.New("speech pipeline busy")
)

// Synthesizer 远端语音合成：文本 + 音色 → 可播放的音频。
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// LocalSynthesizer 本地合成器，直接播放，返回时播放已结束。
// voiceIndex 是行号提示（0 或 1），实现可以据此换音色。
type LocalSynthesizer interface {
	Speak(ctx context.Context, text string, voiceIndex int) error
}

// Player 播放音频直到结束；Stop 立即停止当前播放。
type Player interface {
	Play(ctx context.Context, audio []byte) error
	Stop()
}

// Unlocker 可选接口：首次朗读前需要一次用户手势解锁播放的平台实现它。
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Recorder 开始一次录音。权限失败返回 ErrPermissionDenied。
type Recorder interface {
	Start(ctx context.Context) (Recording, error)
}

// Recording 一次进行中的录音。
type Recording interface {
	// Stop 结束采集，Wait 随后返回已采集的音频
	Stop()
	// Discard 结束采集并丢弃缓冲
	Discard()
	// Wait 阻塞到录音结束
	Wait(ctx context.Context) ([]byte, error)
}

// Transcriber 远端转写：音频 → 文本。
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

const DefaultListenTimeout = 8 * time.Second

type Options struct {
	// Synthesizer 为空表示没有配置远端语音，只尝试本地合成
	Synthesizer Synthesizer
	Local       LocalSynthesizer
	Player      Player
	Recorder    Recorder
	// Transcriber 为空时不进入录音阶段
	Transcriber Transcriber
	Voices      [2]string
	// ListenTimeout 录音硬上限，到时强制停止并转写已采集的部分
	ListenTimeout time.Duration
	Scheduler     clock.Scheduler
	Mode          model.AudioMode
	Metrics       *metrics.PoemMetrics
	Logger        *zap.Logger

	// OnTranscription 在持有内部锁时调用，保证被取消的会话不会再回调；
	// 实现不能阻塞，也不能同步回调 Pipeline。
	OnTranscription func(text string)
}

// Pipeline 朗读 + 录音控制器。一个客户端连接一个实例。
type Pipeline struct {
	synth       Synthesizer
	local       LocalSynthesizer
	player      Player
	recorder    Recorder
	transcriber Transcriber
	voices      [2]string
	timeout     time.Duration
	sched       clock.Scheduler
	metrics     *metrics.PoemMetrics
	logger      *zap.Logger
	onText      func(string)

	rootCtx    context.Context
	rootCancel context.CancelFunc
	unlockOnce sync.Once

	mu            sync.Mutex
	session       uint64
	cancelSession context.CancelFunc
	mode          model.AudioMode
	speaking      bool
	listening     bool
	activeLine    int
	lastErr       string
	recording     Recording
	stopTimer     func() bool
	closed        bool
	onChange      []func(model.SpeechStatus)

	wg sync.WaitGroup
}

func New(opts Options) *Pipeline {
	if opts.Scheduler == nil {
		opts.Scheduler = clock.Real{}
	}
	if opts.ListenTimeout <= 0 {
		opts.ListenTimeout = DefaultListenTimeout
	}
	if opts.Mode == "" {
		opts.Mode = model.AudioHuman
	}
	if opts.OnTranscription == nil {
		opts.OnTranscription = func(string) {}
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Pipeline{
		synth:       opts.Synthesizer,
		local:       opts.Local,
		player:      opts.Player,
		recorder:    opts.Recorder,
		transcriber: opts.Transcriber,
		voices:      opts.Voices,
		timeout:     opts.ListenTimeout,
		sched:       opts.Scheduler,
		metrics:     opts.Metrics,
		logger:      logging.OrNop(opts.Logger).Named("speech"),
		onText:      opts.OnTranscription,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		mode:        opts.Mode,
		activeLine:  -1,
	}
}

// OnChange 注册状态监听，在锁外调用
func (p *Pipeline) OnChange(fn func(model.SpeechStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, fn)
}

func (p *Pipeline) State() model.SpeechStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pipeline) statusLocked() model.SpeechStatus {
	return model.SpeechStatus{
		Speaking:      p.speaking,
		Listening:     p.listening,
		ActiveSpeaker: p.activeLine,
		Error:         p.lastErr,
	}
}

func (p *Pipeline) unlockAndNotify() {
	st := p.statusLocked()
	fns := append([]func(model.SpeechStatus){}, p.onChange...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// SetMode 切换朗读方式；none 会取消进行中的会话。
func (p *Pipeline) SetMode(mode model.AudioMode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	if mode == model.AudioNone {
		p.Cancel()
	}
}

// UnlockAudio 满足自动播放限制，只执行一次，可以重复调用。
func (p *Pipeline) UnlockAudio(ctx context.Context) {
	p.unlockOnce.Do(func() {
		u, ok := p.player.(Unlocker)
		if !ok {
			return
		}
		if err := u.Unlock(ctx); err != nil {
			p.logger.Warn("[Speech] ⚠️  audio unlock failed", zap.Error(err))
		}
	})
}

// Run 朗读至多两行，然后打开录音窗口。空输入不做任何事。
// 会先取消进行中的会话。
func (p *Pipeline) Run(lines []string) {
	if len(lines) == 0 {
		return
	}
	if len(lines) > model.LinesPerCouplet {
		lines = lines[:model.LinesPerCouplet]
	}
	lines = append([]string(nil), lines...)

	p.mu.Lock()
	if p.closed || p.mode == model.AudioNone {
		p.mu.Unlock()
		return
	}
	teardown := p.invalidateLocked()
	id, ctx := p.beginSessionLocked()
	p.speaking = true
	p.lastErr = ""
	p.logger.Debug("[Speech] 🎙️  pipeline started", zap.Uint64("session", id), zap.Int("lines", len(lines)))
	p.wg.Add(1)
	p.unlockAndNotify()
	teardown()

	go func() {
		defer p.wg.Done()
		p.runSession(ctx, id, lines)
	}()
}

// Cancel 作废当前会话，立即停止播放与录音并丢弃录音缓冲。
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	teardown := p.invalidateLocked()
	p.unlockAndNotify()
	teardown()
}

// invalidateLocked 推进会话号并复位状态，返回需要在锁外执行的停止动作
func (p *Pipeline) invalidateLocked() func() {
	p.session++
	if p.cancelSession != nil {
		p.cancelSession()
		p.cancelSession = nil
	}
	if p.stopTimer != nil {
		p.stopTimer()
		p.stopTimer = nil
	}
	rec := p.recording
	p.recording = nil
	wasSpeaking := p.speaking
	p.speaking = false
	p.listening = false
	p.activeLine = -1

	return func() {
		if wasSpeaking && p.player != nil {
			p.player.Stop()
		}
		if rec != nil {
			rec.Discard()
		}
	}
}

func (p *Pipeline) beginSessionLocked() (uint64, context.Context) {
	p.session++
	ctx, cancel := context.WithCancel(p.rootCtx)
	p.cancelSession = cancel
	return p.session, ctx
}

func (p *Pipeline) current(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.session == id
}

func (p *Pipeline) runSession(ctx context.Context, id uint64, lines []string) {
	narrated := 0
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !p.setActiveLine(id, i) {
			return
		}
		err := p.narrate(ctx, id, i, line)
		if !p.current(id) {
			return
		}
		if errors.Is(err, errNothingToNarrate) {
			p.logger.Info("[Speech] ⏭️  no synthesizer available, skipping narration", zap.Uint64("session", id))
			break
		}
		if err != nil {
			p.metrics.RecordNarrationFailed(ctx)
			p.logger.Warn("[Speech] ❌ narration failed", zap.Int("line", i), zap.Error(err))
			p.fail(id, fmt.Errorf("%w: %v", ErrNarrationFailed, err))
			return
		}
		narrated++
	}

	p.mu.Lock()
	if p.session != id || p.closed {
		p.mu.Unlock()
		return
	}
	p.speaking = false
	p.activeLine = -1
	p.unlockAndNotify()

	p.logger.Debug("[Speech] ✅ narration done", zap.Uint64("session", id), zap.Int("narrated", narrated))
	p.listen(ctx, id)
}

func (p *Pipeline) setActiveLine(id uint64, line int) bool {
	p.mu.Lock()
	if p.session != id || p.closed {
		p.mu.Unlock()
		return false
	}
	p.activeLine = line
	p.unlockAndNotify()
	return true
}

var errNothingToNarrate = errors.New("no synthesizer available")

// narrate 先走远端合成再播放，失败时降级到本地合成器
func (p *Pipeline) narrate(ctx context.Context, id uint64, line int, text string) error {
	p.mu.Lock()
	useRemote := p.synth != nil && p.mode != model.AudioDevice
	p.mu.Unlock()

	var remoteErr error
	if useRemote {
		audio, err := p.synth.Synthesize(ctx, text, p.voices[line%len(p.voices)])
		if err == nil {
			if !p.current(id) {
				return nil
			}
			if p.player == nil {
				err = errors.New("no audio player")
			} else if err = p.player.Play(ctx, audio); err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remoteErr = err
		p.metrics.RecordNarrationFallback(ctx, line)
		p.logger.Warn("[Speech] ⚠️  remote narration failed, falling back to local",
			zap.Int("line", line), zap.Error(err))
	}

	if p.local == nil {
		if remoteErr == nil {
			return errNothingToNarrate
		}
		return remoteErr
	}
	if err := p.local.Speak(ctx, text, line); err != nil {
		if remoteErr == nil && p.synth == nil {
			// 没有配置远端语音且本地也不可用：跳过朗读直接录音
			return errNothingToNarrate
		}
		return errors.Join(remoteErr, err)
	}
	return nil
}

// StartRecording 手动开始录音（按住说话），正在朗读或已在录音时拒绝。
func (p *Pipeline) StartRecording() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return context.Canceled
	}
	if p.speaking || p.listening {
		p.mu.Unlock()
		return ErrBusy
	}
	teardown := p.invalidateLocked()
	id, ctx := p.beginSessionLocked()
	p.lastErr = ""
	p.wg.Add(1)
	p.unlockAndNotify()
	teardown()

	go func() {
		defer p.wg.Done()
		p.listen(ctx, id)
	}()
	return nil
}

// StopRecording 结束当前录音并转写已采集的部分；没有在录音时返回 false。
func (p *Pipeline) StopRecording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRecordingLocked(p.session, "manual")
}

func (p *Pipeline) stopRecordingLocked(id uint64, reason string) bool {
	if p.session != id || p.recording == nil {
		return false
	}
	if p.stopTimer != nil {
		p.stopTimer()
		p.stopTimer = nil
	}
	p.logger.Debug("[Speech] ⏹️  recording stopped", zap.String("reason", reason))
	p.recording.Stop()
	return true
}

func (p *Pipeline) listen(ctx context.Context, id uint64) {
	if p.recorder == nil || p.transcriber == nil {
		p.logger.Debug("[Speech] no recorder or transcriber, skipping listen phase")
		return
	}

	p.mu.Lock()
	if p.session != id || p.closed {
		p.mu.Unlock()
		return
	}
	p.listening = true
	p.unlockAndNotify()

	rec, err := p.recorder.Start(ctx)
	if err != nil {
		p.metrics.RecordCapture(ctx, "denied")
		p.fail(id, err)
		return
	}

	p.mu.Lock()
	if p.session != id || p.closed {
		p.mu.Unlock()
		rec.Discard()
		return
	}
	p.recording = rec
	p.stopTimer = p.sched.After(p.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.stopRecordingLocked(id, "timeout")
	})
	p.mu.Unlock()
	p.logger.Debug("[Speech] 🔴 recording", zap.Uint64("session", id), zap.Duration("limit", p.timeout))

	audio, err := rec.Wait(ctx)

	p.mu.Lock()
	if p.session != id || p.closed {
		p.mu.Unlock()
		return
	}
	p.recording = nil
	if p.stopTimer != nil {
		p.stopTimer()
		p.stopTimer = nil
	}
	p.mu.Unlock()

	if err != nil {
		p.metrics.RecordCapture(ctx, "failed")
		p.fail(id, fmt.Errorf("recording: %w", err))
		return
	}

	text, err := p.transcriber.Transcribe(ctx, audio)
	if err != nil {
		p.metrics.RecordCapture(ctx, "failed")
		p.fail(id, fmt.Errorf("transcription: %w", err))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		p.metrics.RecordCapture(ctx, "empty")
		p.fail(id, ErrEmptyTranscript)
		return
	}

	p.mu.Lock()
	if p.session != id || p.closed {
		p.mu.Unlock()
		return
	}
	p.listening = false
	p.onText(text)
	p.metrics.RecordCapture(ctx, "transcribed")
	p.logger.Info("[Speech] 📝 transcription delivered", zap.Uint64("session", id), zap.Int("chars", len(text)))
	p.unlockAndNotify()
}

// fail 记录错误并结束当前会话；会话已过期时静默丢弃
func (p *Pipeline) fail(id uint64, err error) {
	p.mu.Lock()
	if p.session != id || p.closed {
		p.mu.Unlock()
		return
	}
	p.speaking = false
	p.listening = false
	p.activeLine = -1
	p.lastErr = err.Error()
	p.logger.Warn("[Speech] ❌ pipeline halted", zap.Uint64("session", id), zap.Error(err))
	p.unlockAndNotify()
}

// Wait 等待所有会话 goroutine 退出
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close 取消当前会话并等待后台工作结束
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	teardown := p.invalidateLocked()
	p.closed = true
	p.mu.Unlock()

	teardown()
	p.rootCancel()
	p.wg.Wait()
}
