package store

import (
	"context"
	"sync"

	"epic-poem/server/internal/model"
)

// InMemoryStore 是一个基于内存的存储实现。
// 重启即丢数据，适合测试与 memory 驱动。
type InMemoryStore struct {
	mu       sync.RWMutex
	archive  []model.ArchivedPoem
	limit    int
	settings *model.PoemSettings
	snapshot *model.PoemState
}

func NewInMemoryStore(limit int) *InMemoryStore {
	return &InMemoryStore{limit: limit}
}

// ListArchive 返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) ListArchive(_ context.Context) ([]model.ArchivedPoem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ArchivedPoem, len(s.archive))
	copy(out, s.archive)
	return out, nil
}

// AppendArchive 新诗放在最前面；超过上限时丢弃最旧的。
// 相同 ID 重复追加是幂等的。
func (s *InMemoryStore) AppendArchive(_ context.Context, p model.ArchivedPoem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.archive {
		if existing.ID == p.ID {
			return nil
		}
	}
	p.Stanzas = append([]model.Stanza(nil), p.Stanzas...)
	s.archive = append([]model.ArchivedPoem{p}, s.archive...)
	if s.limit > 0 && len(s.archive) > s.limit {
		s.archive = s.archive[:s.limit]
	}
	return nil
}

func (s *InMemoryStore) DeleteArchive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.archive {
		if p.ID == id {
			s.archive = append(s.archive[:i:i], s.archive[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) LoadSettings(_ context.Context) (model.PoemSettings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return model.PoemSettings{}, false, nil
	}
	return *s.settings, true, nil
}

func (s *InMemoryStore) SaveSettings(_ context.Context, settings model.PoemSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

func (s *InMemoryStore) LoadSnapshot(_ context.Context) (*model.PoemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, nil
	}
	out := s.snapshot.Clone()
	return &out, nil
}

func (s *InMemoryStore) SaveSnapshot(_ context.Context, state model.PoemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := state.Clone()
	s.snapshot = &c
	return nil
}

func (s *InMemoryStore) ClearSnapshot(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = nil
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
