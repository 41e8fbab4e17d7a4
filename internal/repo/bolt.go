package repo

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kage-kao/VK-Music-Saver/model"
	"go.etcd.io/bbolt"
)

const (
	tasksBucket   = "tasks"
	proxiesBucket = "proxies"
)

// BoltStore is an embedded single-file store for tasks and proxies.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the database file and its buckets.
func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{tasksBucket, proxiesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("init bolt success: %s", path)
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Tasks() *BoltTaskRepo {
	return &BoltTaskRepo{db: s.db}
}

func (s *BoltStore) Proxies() *BoltProxyRepo {
	return &BoltProxyRepo{db: s.db}
}

// BoltTaskRepo stores tasks as JSON values keyed by id.
type BoltTaskRepo struct {
	db *bbolt.DB
}

func (r *BoltTaskRepo) Create(ctx context.Context, task *model.DownloadTask) error {
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return r.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(tasksBucket)), task.ID, task)
	})
}

func (r *BoltTaskRepo) Get(ctx context.Context, id string) (*model.DownloadTask, error) {
	var task model.DownloadTask
	err := r.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(tasksBucket)), id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Update runs fn inside a bolt write transaction, which bolt serializes.
func (r *BoltTaskRepo) Update(ctx context.Context, id string, fn func(task *model.DownloadTask) error) (*model.DownloadTask, error) {
	var task model.DownloadTask
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if err := getJSON(bucket, id, &task); err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		task.UpdatedAt = time.Now()
		return putJSON(bucket, id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *BoltTaskRepo) Delete(ctx context.Context, id string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tasksBucket)).Delete([]byte(id))
	})
}

func (r *BoltTaskRepo) ListBySession(ctx context.Context, sessionID string, activeOnly bool) ([]*model.DownloadTask, error) {
	tasks, err := r.scan(func(t *model.DownloadTask) bool {
		if t.SessionID != sessionID {
			return false
		}
		return !activeOnly || t.Status.IsActive()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (r *BoltTaskRepo) ListByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.DownloadTask, error) {
	want := make(map[model.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	tasks, err := r.scan(func(t *model.DownloadTask) bool { return want[t.Status] })
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (r *BoltTaskRepo) scan(keep func(*model.DownloadTask) bool) ([]*model.DownloadTask, error) {
	var tasks []*model.DownloadTask
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tasksBucket)).ForEach(func(k, v []byte) error {
			var task model.DownloadTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if keep(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// BoltProxyRepo stores proxies as JSON values keyed by id.
type BoltProxyRepo struct {
	db *bbolt.DB
}

func (r *BoltProxyRepo) Create(ctx context.Context, proxy *model.Proxy) error {
	now := time.Now()
	if proxy.CreatedAt.IsZero() {
		proxy.CreatedAt = now
	}
	proxy.UpdatedAt = now
	return r.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(proxiesBucket)), proxy.ID, proxy)
	})
}

func (r *BoltProxyRepo) Save(ctx context.Context, proxy *model.Proxy) error {
	proxy.UpdatedAt = time.Now()
	return r.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(proxiesBucket)), proxy.ID, proxy)
	})
}

func (r *BoltProxyRepo) Delete(ctx context.Context, id string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(proxiesBucket)).Delete([]byte(id))
	})
}

func (r *BoltProxyRepo) List(ctx context.Context) ([]*model.Proxy, error) {
	var proxies []*model.Proxy
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(proxiesBucket)).ForEach(func(k, v []byte) error {
			var p model.Proxy
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			proxies = append(proxies, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(proxies, func(i, j int) bool {
		if proxies[i].CreatedAt.Equal(proxies[j].CreatedAt) {
			return proxies[i].ID < proxies[j].ID
		}
		return proxies[i].CreatedAt.Before(proxies[j].CreatedAt)
	})
	return proxies, nil
}

func putJSON(bucket *bbolt.Bucket, key string, value interface{}) error {
	if key == "" {
		return errors.New("bolt: empty key")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}

func getJSON(bucket *bbolt.Bucket, key string, dest interface{}) error {
	data := bucket.Get([]byte(key))
	if data == nil {
		return model.ErrNotFound
	}
	return json.Unmarshal(data, dest)
}
