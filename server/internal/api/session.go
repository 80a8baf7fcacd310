package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"epic-poem/server/internal/clock"
	"epic-poem/server/internal/engine"
	"epic-poem/server/internal/logging"
	"epic-poem/server/internal/metrics"
	"epic-poem/server/internal/model"
	"epic-poem/server/internal/speech"
)

var (
	errSessionClosed    = errors.New("session closed")
	errCaptureActive    = errors.New("capture already active")
	errCaptureDiscarded = errors.New("capture discarded")
)

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
	// captureGrace stop_capture 之后等待客户端送完剩余音频的上限
	captureGrace = 3 * time.Second
)

// SessionConfig 单个 websocket 会话的依赖
type SessionConfig struct {
	Engine      *engine.Engine
	Synthesizer speech.Synthesizer
	Transcriber speech.Transcriber
	// LocalSpeech 为空时本地降级交给浏览器的 speechSynthesis
	LocalSpeech   speech.LocalSynthesizer
	Voices        [2]string
	ListenTimeout time.Duration
	PingInterval  time.Duration
	Scheduler     clock.Scheduler
	Metrics       *metrics.PoemMetrics
	Logger        *zap.Logger
}

// Session 一个浏览器连接：把客户端命令交给引擎，把快照推给客户端，
// 并通过 socket 实现朗读播放、本地合成与麦克风录音。
type Session struct {
	id           string
	engine       *engine.Engine
	sched        clock.Scheduler
	logger       *zap.Logger
	pingInterval time.Duration

	conn       *websocket.Conn
	connLock   sync.Mutex
	connClosed bool
	seqCounter int64

	pipeline    *speech.Pipeline
	queue       *EventQueue
	unsubscribe func()

	closeOnce sync.Once
	closeChan chan struct{}

	// 等待客户端回执的请求，按消息 id 索引
	pendingMu sync.Mutex
	pending   map[string]chan *ClientMessage
	playing   string
	capture   *socketRecording

	// 以下字段只在事件队列的 goroutine 中访问
	last         *model.Snapshot
	mode         model.AudioMode
	lastNarrated string
}

func NewSession(conn *websocket.Conn, cfg SessionConfig) *Session {
	if cfg.Scheduler == nil {
		cfg.Scheduler = clock.Real{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	id := uuid.NewString()
	logger := logging.OrNop(cfg.Logger).With(zap.String("session", id))

	s := &Session{
		id:           id,
		engine:       cfg.Engine,
		sched:        cfg.Scheduler,
		logger:       logger,
		pingInterval: cfg.PingInterval,
		conn:         conn,
		closeChan:    make(chan struct{}),
		pending:      make(map[string]chan *ClientMessage),
		mode:         cfg.Engine.Settings().AudioMode,
	}
	s.queue = NewEventQueue(id, s.handleEvent, logger)

	var local speech.LocalSynthesizer = s
	if cfg.LocalSpeech != nil {
		local = cfg.LocalSpeech
	}
	s.pipeline = speech.New(speech.Options{
		Synthesizer:   cfg.Synthesizer,
		Local:         local,
		Player:        s,
		Recorder:      s,
		Transcriber:   cfg.Transcriber,
		Voices:        cfg.Voices,
		ListenTimeout: cfg.ListenTimeout,
		Scheduler:     cfg.Scheduler,
		Mode:          s.mode,
		Metrics:       cfg.Metrics,
		Logger:        logger,
		OnTranscription: func(text string) {
			_ = s.queue.PushTranscription(text)
		},
	})
	s.pipeline.OnChange(func(model.SpeechStatus) {
		_ = s.queue.NotifySpeech()
	})
	s.unsubscribe = s.engine.Subscribe(func(snap model.Snapshot) {
		_ = s.queue.PublishSnapshot(snap)
	})

	return s
}

func (s *Session) ID() string { return s.id }

// Run 推送初始快照并阻塞读取客户端消息，直到连接断开。
func (s *Session) Run() {
	defer s.Close()

	_ = s.queue.PublishSnapshot(s.engine.Snapshot())

	go s.pingLoop()
	s.readLoop()
}

// readLoop 读取客户端消息：文本帧是命令或回执，二进制帧是麦克风音频
func (s *Session) readLoop() {
	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("[Session] client read error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if err := s.handleClientFrame(data); err != nil {
				s.logger.Warn("[Session] ❌ bad client message", zap.Error(err))
				_ = s.sendError(err.Error())
			}
		case websocket.BinaryMessage:
			s.appendAudio(data)
		}
	}
}

func (s *Session) handleClientFrame(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}
	if msg.ClientTS.IsZero() {
		msg.ClientTS = time.Now()
	}

	if msg.Type.isReply() {
		s.resolve(&msg)
		return nil
	}
	return s.queue.Enqueue(&Event{Kind: EventClient, Client: &msg})
}

// handleEvent 事件队列的处理函数，所有会话状态变化都在这里串行发生
func (s *Session) handleEvent(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case EventClient:
		if err := s.handleCommand(ctx, ev.Client); err != nil {
			_ = s.sendError(err.Error())
			return err
		}
		return nil
	case EventSnapshot:
		return s.onSnapshot(*ev.Snapshot)
	case EventSpeech:
		return s.pushSnapshot()
	case EventTranscription:
		if !s.engine.SubmitUserLine(ev.Text) {
			s.logger.Debug("[Session] transcript not accepted", zap.String("text", ev.Text))
		}
		return nil
	}
	return fmt.Errorf("unknown event kind %q", ev.Kind)
}

func (s *Session) handleCommand(ctx context.Context, msg *ClientMessage) error {
	switch msg.Type {
	case MsgStart:
		if err := s.engine.Start(ctx); err != nil && !errors.Is(err, engine.ErrAlreadyStarted) {
			return err
		}
	case MsgSubmitLine:
		// 被拒绝的提交不提示
		s.engine.SubmitUserLine(msg.Text)
	case MsgReroll:
		s.cancelNarration()
		s.engine.RerollPrompt()
	case MsgNewPoem:
		s.cancelNarration()
		s.engine.NewPoem()
	case MsgRegenerate:
		s.engine.Regenerate()
	case MsgToggleArchive:
		if !s.engine.ToggleArchive(msg.ArchiveID) {
			return fmt.Errorf("archived poem %q not found", msg.ArchiveID)
		}
	case MsgUpdateSettings:
		if msg.Settings == nil {
			return errors.New("settings required")
		}
		if _, err := s.engine.UpdateSettings(*msg.Settings); err != nil {
			return err
		}
	case MsgStartRecording:
		return s.pipeline.StartRecording()
	case MsgStopRecording:
		s.pipeline.StopRecording()
	case MsgUnlockAudio:
		s.pipeline.UnlockAudio(ctx)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

// onSnapshot 丢弃乱序到达的旧快照，推送给客户端，再决定是否朗读
func (s *Session) onSnapshot(snap model.Snapshot) error {
	if s.last != nil && snap.Version < s.last.Version {
		return nil
	}
	s.last = &snap
	if err := s.pushSnapshot(); err != nil {
		return err
	}
	s.applyNarrationRule(snap)
	return nil
}

func (s *Session) pushSnapshot() error {
	if s.last == nil {
		return nil
	}
	snap := *s.last
	st := s.pipeline.State()
	snap.Speech = &st
	return s.send(&ServerMessage{Type: MsgSnapshot, Snapshot: &snap})
}

// applyNarrationRule 两行都到齐、在等用户时朗读一次；同一组诗行只读一次。
// 离开等待状态时停止录音。
func (s *Session) applyNarrationRule(snap model.Snapshot) {
	if mode := snap.Settings.AudioMode; mode != s.mode {
		s.mode = mode
		s.pipeline.SetMode(mode)
	}

	poem := snap.Poem
	if !poem.IsWaitingForUser && s.pipeline.State().Listening {
		s.pipeline.StopRecording()
	}

	if s.mode == model.AudioNone || poem.IsGenerating || !poem.IsWaitingForUser ||
		len(poem.GeneratedLines) != model.LinesPerCouplet {
		return
	}
	sig := narrationSignature(poem)
	if sig == s.lastNarrated {
		return
	}
	s.lastNarrated = sig
	s.pipeline.Run(poem.GeneratedLines)
}

func narrationSignature(poem model.PoemState) string {
	return fmt.Sprintf("%d:%s|%s", poem.CurrentStanza, poem.GeneratedLines[0], poem.GeneratedLines[1])
}

func (s *Session) cancelNarration() {
	s.pipeline.Cancel()
	s.lastNarrated = ""
}

// Play 实现 speech.Player：下发音频并等待客户端播放结束
func (s *Session) Play(ctx context.Context, audio []byte) error {
	id := uuid.NewString()
	s.pendingMu.Lock()
	s.playing = id
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		if s.playing == id {
			s.playing = ""
		}
		s.pendingMu.Unlock()
	}()

	reply, err := s.request(ctx, &ServerMessage{Type: MsgPlayAudio, ID: id, Audio: audio})
	if err != nil {
		return err
	}
	if reply.Type == MsgPlaybackFailed {
		return fmt.Errorf("client playback failed: %s", reply.Error)
	}
	return nil
}

// Stop 实现 speech.Player
func (s *Session) Stop() {
	s.pendingMu.Lock()
	id := s.playing
	s.playing = ""
	s.pendingMu.Unlock()
	if id != "" {
		_ = s.send(&ServerMessage{Type: MsgStopAudio, ID: id})
	}
}

// Unlock 客户端已在用户手势里解锁了音频播放
func (s *Session) Unlock(context.Context) error {
	s.logger.Info("[Session] 🔓 audio unlocked by client gesture")
	return nil
}

// Speak 实现 speech.LocalSynthesizer，交给浏览器 speechSynthesis
func (s *Session) Speak(ctx context.Context, text string, voiceIndex int) error {
	reply, err := s.request(ctx, &ServerMessage{
		Type:       MsgSpeakLocal,
		ID:         uuid.NewString(),
		Text:       text,
		VoiceIndex: &voiceIndex,
	})
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("browser speech: %s", reply.Error)
	}
	return nil
}

// Start 实现 speech.Recorder：请客户端打开麦克风，等待授权结果
func (s *Session) Start(ctx context.Context) (speech.Recording, error) {
	rec := &socketRecording{s: s, id: uuid.NewString(), done: make(chan struct{})}

	s.pendingMu.Lock()
	if s.capture != nil {
		s.pendingMu.Unlock()
		return nil, errCaptureActive
	}
	// 先登记，授权回执之前到达的音频帧也不会丢
	s.capture = rec
	s.pendingMu.Unlock()

	reply, err := s.request(ctx, &ServerMessage{Type: MsgStartCapture, ID: rec.id})
	if err != nil {
		rec.Discard()
		return nil, err
	}
	if reply.Type == MsgRecordingDenied {
		rec.finish(speech.ErrPermissionDenied)
		return nil, fmt.Errorf("%w: %s", speech.ErrPermissionDenied, reply.Error)
	}
	return rec, nil
}

// request 发送一条需要回执的消息并等待对应 id 的回执
func (s *Session) request(ctx context.Context, msg *ServerMessage) (*ClientMessage, error) {
	ch := make(chan *ClientMessage, 1)
	s.pendingMu.Lock()
	s.pending[msg.ID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, msg.ID)
		s.pendingMu.Unlock()
	}()

	if err := s.send(msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closeChan:
		return nil, errSessionClosed
	}
}

// resolve 把回执交给等待中的请求；recording_done 结束对应的录音
func (s *Session) resolve(msg *ClientMessage) {
	s.pendingMu.Lock()
	if msg.Type == MsgRecordingDone {
		rec := s.capture
		s.pendingMu.Unlock()
		if rec == nil || rec.id != msg.ID {
			return
		}
		var err error
		if msg.Error != "" {
			err = fmt.Errorf("client capture failed: %s", msg.Error)
		}
		rec.finish(err)
		return
	}
	ch, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug("[Session] reply without pending request", zap.String("type", string(msg.Type)), zap.String("id", msg.ID))
		return
	}
	ch <- msg
}

func (s *Session) appendAudio(data []byte) {
	s.pendingMu.Lock()
	rec := s.capture
	s.pendingMu.Unlock()
	if rec != nil {
		rec.write(data)
	}
}

func (s *Session) releaseCapture(rec *socketRecording) {
	s.pendingMu.Lock()
	if s.capture == rec {
		s.capture = nil
	}
	s.pendingMu.Unlock()
}

// send 发送消息给客户端，序号与写入顺序一致
func (s *Session) send(msg *ServerMessage) error {
	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.connClosed {
		return errSessionClosed
	}
	s.seqCounter++
	msg.Seq = s.seqCounter

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

func (s *Session) sendError(errMsg string) error {
	return s.send(&ServerMessage{Type: MsgError, Error: errMsg})
}

// pingLoop 定期发送 ping 保持连接
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			s.connLock.Lock()
			if !s.connClosed {
				_ = s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			s.connLock.Unlock()
		}
	}
}

// Close 停止朗读与录音、退订引擎并关闭连接
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.logger.Info("[Session] 🔌 closing")
		close(s.closeChan)
		s.unsubscribe()
		s.pipeline.Close()
		_ = s.queue.Close()
		closeErr = s.closeConn()
	})
	return closeErr
}

func (s *Session) closeConn() error {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.connClosed {
		return nil
	}
	s.connClosed = true
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}

// socketRecording 一次麦克风采集，音频以二进制帧流入
type socketRecording struct {
	s  *Session
	id string

	mu        sync.Mutex
	buf       bytes.Buffer
	stopped   bool
	err       error
	stopGrace func() bool

	once sync.Once
	done chan struct{}
}

func (r *socketRecording) write(p []byte) {
	select {
	case <-r.done:
		return
	default:
	}
	r.mu.Lock()
	r.buf.Write(p)
	r.mu.Unlock()
}

// Stop 请客户端停止采集；客户端送完剩余音频后回 recording_done
func (r *socketRecording) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.stopGrace = r.s.sched.After(captureGrace, func() { r.finish(nil) })
	r.mu.Unlock()

	_ = r.s.send(&ServerMessage{Type: MsgStopCapture, ID: r.id})
}

// Discard 停止采集并丢弃已收到的音频
func (r *socketRecording) Discard() {
	r.finish(errCaptureDiscarded)
	_ = r.s.send(&ServerMessage{Type: MsgStopCapture, ID: r.id, Discard: true})
}

func (r *socketRecording) finish(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		stop := r.stopGrace
		r.mu.Unlock()
		if stop != nil {
			stop()
		}
		r.s.releaseCapture(r)
		close(r.done)
	})
}

func (r *socketRecording) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return bytes.Clone(r.buf.Bytes()), nil
}
