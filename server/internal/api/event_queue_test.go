package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"epic-poem/server/internal/model"
)

func clientEvent(t MessageType) *Event {
	return &Event{Kind: EventClient, Client: &ClientMessage{Type: t}}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestEventQueue_SerialProcessing 场景：快速入队的事件按入队顺序逐个处理。
func TestEventQueue_SerialProcessing(t *testing.T) {
	var processed []string
	var mu sync.Mutex

	handler := func(ctx context.Context, ev *Event) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, ev.name())
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	eq := NewEventQueue("test-session", handler, nil)
	defer eq.Close()

	events := []*Event{
		clientEvent(MsgStart),
		{Kind: EventSnapshot},
		{Kind: EventSpeech},
		{Kind: EventTranscription, Text: "and saved the day"},
		clientEvent(MsgNewPoem),
	}
	for _, ev := range events {
		if err := eq.Enqueue(ev); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	eventually(t, func() bool { return eq.Stats().Processed == int64(len(events)) })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"client:start", "snapshot", "speech", "transcription", "client:new_poem"}
	for i, name := range want {
		if processed[i] != name {
			t.Fatalf("event %d = %s, want %s", i, processed[i], name)
		}
	}
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	var count int64
	handler := func(ctx context.Context, ev *Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	}

	eq := NewEventQueue("test-session", handler, nil)
	defer eq.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = eq.Enqueue(clientEvent(MsgSubmitLine))
			}
		}()
	}
	wg.Wait()

	eventually(t, func() bool { return atomic.LoadInt64(&count) == 80 })
}

// TestEventQueue_BackPressure 场景：处理器卡住时超出容量的客户端命令被丢弃并计数。
func TestEventQueue_BackPressure(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, ev *Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, nil)
	defer eq.Close()
	defer close(release)

	dropped := 0
	for i := 0; i < defaultQueueCapacity+50; i++ {
		if err := eq.Enqueue(clientEvent(MsgRegenerate)); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	if dropped == 0 {
		t.Fatalf("expected some events to be dropped")
	}
	if got := eq.Stats().Dropped; got != int64(dropped) {
		t.Fatalf("dropped stat = %d, want %d", got, dropped)
	}
}

// TestEventQueue_ErrorHandling 场景：处理出错不影响后续事件。
func TestEventQueue_ErrorHandling(t *testing.T) {
	handler := func(ctx context.Context, ev *Event) error {
		if ev.Kind == EventTranscription {
			return errors.New("transcript rejected")
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, nil)
	defer eq.Close()

	_ = eq.Enqueue(&Event{Kind: EventSnapshot})
	_ = eq.Enqueue(&Event{Kind: EventTranscription})
	_ = eq.Enqueue(&Event{Kind: EventSnapshot})

	eventually(t, func() bool { return eq.Stats().Processed == 3 })
}

// TestEventQueue_SnapshotSlotKeepsLatest 场景：处理器卡住时涌入大量快照和转写，
// 放行后最后处理的快照是版本最高的那份，转写一条不少且保持顺序。
func TestEventQueue_SnapshotSlotKeepsLatest(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var versions []uint64
	var texts []string

	handler := func(ctx context.Context, ev *Event) error {
		if ev.Kind == EventClient {
			<-release
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case EventSnapshot:
			versions = append(versions, ev.Snapshot.Version)
		case EventTranscription:
			texts = append(texts, ev.Text)
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, nil)
	defer eq.Close()

	if err := eq.Enqueue(clientEvent(MsgStart)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	eventually(t, func() bool { return eq.Stats().Pending == 0 })

	const n = defaultQueueCapacity * 3
	for i := 1; i <= n; i++ {
		if err := eq.PublishSnapshot(model.Snapshot{Version: uint64(i)}); err != nil {
			t.Fatalf("publish snapshot %d: %v", i, err)
		}
		_ = eq.NotifySpeech()
	}
	// 乱序到达的旧版本不会覆盖槽里的新版本
	_ = eq.PublishSnapshot(model.Snapshot{Version: 7})
	for i := 0; i < n; i++ {
		if err := eq.PushTranscription(fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("push transcription %d: %v", i, err)
		}
	}
	close(release)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == n
	})

	mu.Lock()
	defer mu.Unlock()
	if len(versions) == 0 || versions[len(versions)-1] != n {
		t.Fatalf("last snapshot versions = %v, want last %d", versions, n)
	}
	for i, text := range texts {
		if text != fmt.Sprintf("line %d", i) {
			t.Fatalf("transcript %d = %q", i, text)
		}
	}
	if stats := eq.Stats(); stats.Dropped != 0 || stats.Coalesced == 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

// TestEventQueue_Closed 场景：关闭后入队返回 ErrQueueClosed。
func TestEventQueue_Closed(t *testing.T) {
	eq := NewEventQueue("test-session", func(context.Context, *Event) error { return nil }, nil)
	if err := eq.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eq.Enqueue(clientEvent(MsgStart)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := eq.PushTranscription("too late"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func BenchmarkEventQueue_Enqueue(b *testing.B) {
	eq := NewEventQueue("bench", func(context.Context, *Event) error { return nil }, nil)
	defer eq.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = eq.Enqueue(clientEvent(MsgSubmitLine))
	}
}
