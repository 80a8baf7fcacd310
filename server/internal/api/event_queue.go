package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"epic-poem/server/internal/logging"
	"epic-poem/server/internal/model"
)

// EventKind 队列里的事件来源
type EventKind string

const (
	EventClient        EventKind = "client"
	EventSnapshot      EventKind = "snapshot"
	EventSpeech        EventKind = "speech"
	EventTranscription EventKind = "transcription"
)

// Event 一个待处理事件，按 Kind 只填对应字段
type Event struct {
	Kind     EventKind
	Client   *ClientMessage
	Snapshot *model.Snapshot
	Text     string
}

func (e *Event) name() string {
	if e.Kind == EventClient && e.Client != nil {
		return string(e.Kind) + ":" + string(e.Client.Type)
	}
	return string(e.Kind)
}

// EventHandler 处理单个事件，返回 error 只记录日志
type EventHandler func(ctx context.Context, ev *Event) error

var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

// EventQueue 为单个连接提供串行事件处理：客户端命令、引擎快照、语音状态、
// 转写结果都在同一个 goroutine 上依次执行，会话状态因此不需要额外加锁。
//
// 客户端命令走有界 channel，满了丢弃。快照、语音状态和转写不走 channel：
// 快照只保留版本最新的一份，语音状态只记一个标记，转写逐条排队，
// 三者通过 wake 唤醒处理循环，永不丢弃。
type EventQueue struct {
	sessionID    string
	eventHandler EventHandler
	eventChan    chan *queuedEvent
	wake         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *zap.Logger

	mu              sync.Mutex
	latest          *queuedEvent
	speechChanged   *queuedEvent
	transcripts     []*queuedEvent
	totalEvents     int64
	processedEvents int64
	droppedEvents   int64
	coalescedEvents int64
}

type queuedEvent struct {
	ev        *Event
	timestamp time.Time
}

const (
	defaultQueueCapacity = 100
	defaultEventTimeout  = 10 * time.Second
	slowEventThreshold   = 5 * time.Second
)

func NewEventQueue(sessionID string, handler EventHandler, logger *zap.Logger) *EventQueue {
	ctx, cancel := context.WithCancel(context.Background())
	eq := &EventQueue{
		sessionID:    sessionID,
		eventHandler: handler,
		eventChan:    make(chan *queuedEvent, defaultQueueCapacity),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logging.OrNop(logger).With(zap.String("session", sessionID)),
	}

	eq.wg.Add(1)
	go eq.processLoop()
	return eq
}

// Enqueue 客户端命令异步入队，队列满时丢弃
func (eq *EventQueue) Enqueue(ev *Event) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	select {
	case eq.eventChan <- &queuedEvent{ev: ev, timestamp: time.Now()}:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
		return nil
	default:
		eq.mu.Lock()
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.logger.Warn("[EventQueue] ⚠️  queue full, dropping event", zap.String("event", ev.name()))
		return ErrQueueFull
	}
}

// PublishSnapshot 放入快照槽，只保留版本最新的一份
func (eq *EventQueue) PublishSnapshot(snap model.Snapshot) error {
	return eq.fillSlot(func() {
		if eq.latest != nil {
			eq.coalescedEvents++
			if eq.latest.ev.Snapshot.Version > snap.Version {
				return
			}
		}
		eq.latest = &queuedEvent{ev: &Event{Kind: EventSnapshot, Snapshot: &snap}, timestamp: time.Now()}
	})
}

// NotifySpeech 标记语音状态有变化，处理时读取当时的状态
func (eq *EventQueue) NotifySpeech() error {
	return eq.fillSlot(func() {
		if eq.speechChanged != nil {
			eq.coalescedEvents++
			return
		}
		eq.speechChanged = &queuedEvent{ev: &Event{Kind: EventSpeech}, timestamp: time.Now()}
	})
}

// PushTranscription 追加一条转写结果，不阻塞调用方
func (eq *EventQueue) PushTranscription(text string) error {
	return eq.fillSlot(func() {
		eq.transcripts = append(eq.transcripts, &queuedEvent{
			ev:        &Event{Kind: EventTranscription, Text: text},
			timestamp: time.Now(),
		})
	})
}

func (eq *EventQueue) fillSlot(fill func()) error {
	if eq.ctx.Err() != nil {
		return ErrQueueClosed
	}
	eq.mu.Lock()
	eq.totalEvents++
	fill()
	eq.mu.Unlock()

	select {
	case eq.wake <- struct{}{}:
	default:
	}
	return nil
}

func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()
	for {
		select {
		case <-eq.ctx.Done():
			return
		case qe := <-eq.eventChan:
			eq.processEvent(qe)
		case <-eq.wake:
			eq.drainSlots()
		}
	}
}

// drainSlots 依次处理快照、语音状态和转写
func (eq *EventQueue) drainSlots() {
	eq.mu.Lock()
	snap, speech, transcripts := eq.latest, eq.speechChanged, eq.transcripts
	eq.latest, eq.speechChanged, eq.transcripts = nil, nil, nil
	eq.mu.Unlock()

	for _, qe := range []*queuedEvent{snap, speech} {
		if qe != nil && eq.ctx.Err() == nil {
			eq.processEvent(qe)
		}
	}
	for _, qe := range transcripts {
		if eq.ctx.Err() != nil {
			return
		}
		eq.processEvent(qe)
	}
}

func (eq *EventQueue) processEvent(qe *queuedEvent) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(eq.ctx, defaultEventTimeout)
	defer cancel()

	err := eq.eventHandler(ctx, qe.ev)
	elapsed := time.Since(start)

	if err != nil {
		eq.logger.Warn("[EventQueue] ❌ event failed",
			zap.String("event", qe.ev.name()),
			zap.Duration("queue_latency", start.Sub(qe.timestamp)),
			zap.Error(err))
	} else {
		eq.logger.Debug("[EventQueue] ✅ event processed",
			zap.String("event", qe.ev.name()),
			zap.Duration("processing_time", elapsed))
	}

	eq.mu.Lock()
	eq.processedEvents++
	eq.mu.Unlock()

	if elapsed > slowEventThreshold {
		eq.logger.Warn("[EventQueue] ⚠️  slow event", zap.String("event", qe.ev.name()), zap.Duration("processing_time", elapsed))
	}
}

// Close 停止处理循环，未处理的事件被丢弃
func (eq *EventQueue) Close() error {
	eq.cancel()
	eq.wg.Wait()

	stats := eq.Stats()
	eq.logger.Info("[EventQueue] closed",
		zap.Int64("total", stats.Total),
		zap.Int64("processed", stats.Processed),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("coalesced", stats.Coalesced),
		zap.Int("pending", stats.Pending))
	return nil
}

type QueueStats struct {
	Total     int64 `json:"total_events"`
	Processed int64 `json:"processed_events"`
	Dropped   int64 `json:"dropped_events"`
	Coalesced int64 `json:"coalesced_events"`
	Pending   int   `json:"pending_events"`
	Capacity  int   `json:"queue_capacity"`
}

func (eq *EventQueue) Stats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return QueueStats{
		Total:     eq.totalEvents,
		Processed: eq.processedEvents,
		Dropped:   eq.droppedEvents,
		Coalesced: eq.coalescedEvents,
		Pending:   len(eq.eventChan),
		Capacity:  cap(eq.eventChan),
	}
}
