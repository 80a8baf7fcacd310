// Package clock 提供可替换的延时调度，让诗节停留、重新生成延迟、录音上限
// 这些基于时间的步骤可以在测试中确定性地触发。
package clock

import (
	"sort"
	"sync"
	"time"
)

// Scheduler 在 d 之后执行 fn，返回的 stop 可取消尚未执行的任务。
type Scheduler interface {
	After(d time.Duration, fn func()) (stop func() bool)
	Now() time.Time
}

// Real 基于 time.AfterFunc 的实现。
type Real struct{}

func (Real) After(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

func (Real) Now() time.Time { return time.Now() }

// Manual 是测试用的手动调度器：时间只在 Advance 时前进。
// 到期任务在调用 Advance/RunPending 的 goroutine 上同步执行。
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	id      int
	at      time.Time
	fn      func()
	stopped bool
}

// NewManual 创建一个从 start 开始的手动时钟。
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	task := &manualTask{id: m.seq, at: m.now.Add(d), fn: fn}
	m.tasks = append(m.tasks, task)

	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if task.stopped {
			return false
		}
		task.stopped = true
		return true
	}
}

// Pending 返回尚未执行且未取消的任务数。
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance 把时间前移 d，并按到期顺序执行所有到期任务（包括执行过程中新登记且已到期的）。
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		task := m.nextDue(target)
		if task == nil {
			break
		}
		task.fn()
	}

	m.mu.Lock()
	if m.now.Before(target) {
		m.now = target
	}
	m.mu.Unlock()
}

// RunPending 执行当前登记的全部任务，不论是否到期。
func (m *Manual) RunPending() {
	m.mu.Lock()
	var latest time.Time
	for _, t := range m.tasks {
		if !t.stopped && t.at.After(latest) {
			latest = t.at
		}
	}
	d := latest.Sub(m.now)
	m.mu.Unlock()

	if d < 0 {
		d = 0
	}
	m.Advance(d)
}

func (m *Manual) nextDue(target time.Time) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.tasks, func(i, j int) bool {
		if m.tasks[i].at.Equal(m.tasks[j].at) {
			return m.tasks[i].id < m.tasks[j].id
		}
		return m.tasks[i].at.Before(m.tasks[j].at)
	})

	for i, t := range m.tasks {
		if t.stopped {
			continue
		}
		if t.at.After(target) {
			return nil
		}
		t.stopped = true
		m.tasks = append(m.tasks[:i:i], m.tasks[i+1:]...)
		if t.at.After(m.now) {
			m.now = t.at
		}
		return t
	}
	return nil
}
