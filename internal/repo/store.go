package repo

import (
	"context"
	"log"

	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/model"
)

// TaskRepo persists download tasks.
//
// Update performs an atomic read-modify-write of one record: fn sees the
// current row and its mutations are saved only when it returns nil. Errors
// returned by fn are passed through unchanged.
type TaskRepo interface {
	Create(ctx context.Context, task *model.DownloadTask) error
	Get(ctx context.Context, id string) (*model.DownloadTask, error)
	Update(ctx context.Context, id string, fn func(task *model.DownloadTask) error) (*model.DownloadTask, error)
	Delete(ctx context.Context, id string) error
	// ListBySession returns the session's tasks, newest first.
	ListBySession(ctx context.Context, sessionID string, activeOnly bool) ([]*model.DownloadTask, error)
	ListByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.DownloadTask, error)
}

// ProxyRepo persists proxy records.
type ProxyRepo interface {
	Create(ctx context.Context, proxy *model.Proxy) error
	Save(ctx context.Context, proxy *model.Proxy) error
	Delete(ctx context.Context, id string) error
	// List returns every proxy, oldest first.
	List(ctx context.Context) ([]*model.Proxy, error)
}

func activeStatuses() []model.TaskStatus {
	return []model.TaskStatus{
		model.StatusPending,
		model.StatusDownloading,
		model.StatusZipping,
		model.StatusUploading,
		model.StatusCancelling,
	}
}

// InitStores opens the repositories named by STORE_DRIVER. The returned func
// releases them. bolt holds a file lock, so it only suits a single process.
func InitStores() (TaskRepo, ProxyRepo, func()) {
	switch config.AppConfig.StoreDriver {
	case "bolt":
		store, err := OpenBolt(config.AppConfig.BoltPath)
		if err != nil {
			log.Fatal("init bolt fail", err)
		}
		return store.Tasks(), store.Proxies(), func() { _ = store.Close() }
	case "mysql", "":
		InitMysql()
		return NewGormTaskRepo(Db), NewGormProxyRepo(Db), func() {
			if sqlDB, err := Db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
	default:
		log.Fatalf("unknown store driver %q", config.AppConfig.StoreDriver)
		return nil, nil, nil
	}
}
