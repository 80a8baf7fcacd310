// Package store 持久化归档、设置和进行中的诗歌快照。
// 所有实现都是尽力而为：调用方只记录错误，不影响诗歌流程。
package store

import (
	"context"
	"errors"
	"fmt"

	"epic-poem/server/internal/config"
	"epic-poem/server/internal/model"
)

var ErrNotFound = errors.New("archived poem not found")

// ArchiveStore 完成诗歌的集合，List 按时间倒序返回。
type ArchiveStore interface {
	ListArchive(ctx context.Context) ([]model.ArchivedPoem, error)
	AppendArchive(ctx context.Context, p model.ArchivedPoem) error
	DeleteArchive(ctx context.Context, id string) error
}

// SettingsStore 保存用户设置；ok=false 表示从未保存过。
type SettingsStore interface {
	LoadSettings(ctx context.Context) (s model.PoemSettings, ok bool, err error)
	SaveSettings(ctx context.Context, s model.PoemSettings) error
}

// SnapshotStore 保存进行中的诗歌，重启后恢复。
type SnapshotStore interface {
	// LoadSnapshot 没有快照时返回 (nil, nil)
	LoadSnapshot(ctx context.Context) (*model.PoemState, error)
	SaveSnapshot(ctx context.Context, s model.PoemState) error
	ClearSnapshot(ctx context.Context) error
}

type Store interface {
	ArchiveStore
	SettingsStore
	SnapshotStore
	Close() error
}

// Open 按配置打开存储。postgres 只负责归档，设置与快照放在本地（有 path 用 sqlite，否则内存）。
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewInMemoryStore(cfg.MaxArchived), nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.Path, cfg.MaxArchived)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		archive, err := OpenPostgresArchive(ctx, cfg.DatabaseURL, cfg.MaxArchived)
		if err != nil {
			return nil, err
		}
		var local Store
		if cfg.Path != "" {
			sqlite, err := OpenSQLite(ctx, cfg.Path, 0)
			if err != nil {
				archive.Close()
				return nil, err
			}
			local = sqlite
		} else {
			local = NewInMemoryStore(0)
		}
		return &composite{ArchiveStore: archive, SettingsStore: local, SnapshotStore: local, closers: []func() error{
			func() error { archive.Close(); return nil },
			local.Close,
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

type composite struct {
	ArchiveStore
	SettingsStore
	SnapshotStore
	closers []func() error
}

func (c *composite) Close() error {
	var errs []error
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
