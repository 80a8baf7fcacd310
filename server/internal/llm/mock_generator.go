package llm

import (
	"context"
	"iter"
	"sync"
)

// MockStep 描述 MockGenerator 一次 Stream 调用的行为
type MockStep struct {
	Chunks []string
	// Err 在所有 Chunks 之后返回
	Err error
	// Gate 非空时，第一个片段要等 Gate 关闭后才产出，用来模拟慢请求
	Gate chan struct{}
	// IgnoreCancel 为 true 时忽略 ctx 取消，照常产出片段（模拟网络层没有真正中断）
	IgnoreCancel bool
}

// MockGenerator 用于测试的脚本化生成器
type MockGenerator struct {
	mu      sync.Mutex
	steps   []MockStep
	prompts []string

	// Default 脚本用完之后使用的片段
	Default []string
}

// NewMockGenerator 创建 Mock 生成器
func NewMockGenerator(steps ...MockStep) *MockGenerator {
	return &MockGenerator{
		steps:   steps,
		Default: []string{"The hero woke to greet the day\n", "And set out on the winding way"},
	}
}

// Push 追加一个脚本步骤
func (m *MockGenerator) Push(step MockStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step)
}

// Prompts 返回收到过的全部指令
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// CallCount 返回 Stream 被调用的次数
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *MockGenerator) next(prompt string) MockStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if len(m.steps) == 0 {
		return MockStep{Chunks: m.Default}
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	return step
}

func (m *MockGenerator) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	step := m.next(prompt)
	return func(yield func(string, error) bool) {
		if step.Gate != nil {
			if step.IgnoreCancel {
				<-step.Gate
			} else {
				select {
				case <-step.Gate:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
		}
		for _, c := range step.Chunks {
			if !step.IgnoreCancel && ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if step.Err != nil {
			yield("", step.Err)
		}
	}
}
