package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epic-poem/server/internal/config"
	"epic-poem/server/internal/model"
)

func poem(id string, ts time.Time) model.ArchivedPoem {
	return model.ArchivedPoem{
		ID:    id,
		Title: model.PoemTitle("Diana", "became a firefighter"),
		Stanzas: []model.Stanza{
			{"a", "b", "ok1"}, {"c", "d", "ok2"}, {"e", "f", "ok3"}, {"g", "h", "ok4"},
		},
		Timestamp: ts,
	}
}

// 两种本地实现跑同一组用例
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryStore(2))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "poems.db"), 2)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

// TestArchive_NewestFirstAndLimit 场景：归档按时间倒序返回，超过上限时丢弃最旧的。
func TestArchive_NewestFirstAndLimit(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.AppendArchive(ctx, poem("p1", base)))
		require.NoError(t, s.AppendArchive(ctx, poem("p2", base.Add(time.Minute))))
		require.NoError(t, s.AppendArchive(ctx, poem("p3", base.Add(2*time.Minute))))
		// 重复追加是幂等的
		require.NoError(t, s.AppendArchive(ctx, poem("p3", base.Add(2*time.Minute))))

		list, err := s.ListArchive(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "p3", list[0].ID)
		assert.Equal(t, "p2", list[1].ID)
		assert.Equal(t, "The Day Diana became a firefighter", list[0].Title)
		require.Len(t, list[0].Stanzas, 4)
		assert.Equal(t, "ok4", list[0].Stanzas[3][2])
		assert.True(t, list[0].Timestamp.Equal(base.Add(2*time.Minute)))
	})
}

func TestArchive_Delete(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendArchive(ctx, poem("p1", time.Now())))

		require.NoError(t, s.DeleteArchive(ctx, "p1"))
		assert.ErrorIs(t, s.DeleteArchive(ctx, "p1"), ErrNotFound)

		list, err := s.ListArchive(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestSettings_RoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.LoadSettings(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		want := model.DefaultSettings()
		want.RhymeDifficulty = model.RhymeHard
		want.AudioMode = model.AudioNone
		require.NoError(t, s.SaveSettings(ctx, want))

		got, ok, err := s.LoadSettings(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	})
}

// TestSnapshot_SaveLoadClear 场景：进行中的诗可以保存、恢复，并在新诗开始时清除。
func TestSnapshot_SaveLoadClear(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		got, err := s.LoadSnapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)

		state := model.NewPoemState(model.Prompt{Name: "Bob", Dream: "flew a jet"})
		state.HasStarted = true
		state.CurrentStanza = 2
		state.CompletedStanzas = []model.Stanza{{"l1", "l2", "mine"}}
		require.NoError(t, s.SaveSnapshot(ctx, state))

		got, err = s.LoadSnapshot(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Bob", got.Character)
		assert.Equal(t, 2, got.CurrentStanza)
		assert.Equal(t, state.CompletedStanzas, got.CompletedStanzas)

		require.NoError(t, s.ClearSnapshot(ctx))
		got, err = s.LoadSnapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = Open(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x", "p.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "redis"})
	assert.Error(t, err)
}
