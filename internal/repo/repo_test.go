package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kage-kao/VK-Music-Saver/model"
	gormMysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	store, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBoltTaskRepo(t *testing.T) {
	runTaskRepoSuite(t, openTestBolt(t).Tasks())
}

func TestBoltProxyRepo(t *testing.T) {
	runProxyRepoSuite(t, openTestBolt(t).Proxies())
}

// MySQL runs only against a disposable database named by MYSQL_TEST_DSN.
func openTestMysql(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set")
	}
	db, err := gorm.Open(gormMysql.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	if err := autoMigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db.Exec("DELETE FROM download_task")
	db.Exec("DELETE FROM proxy")
	return db
}

func TestGormTaskRepo(t *testing.T) {
	runTaskRepoSuite(t, NewGormTaskRepo(openTestMysql(t)))
}

func TestGormProxyRepo(t *testing.T) {
	runProxyRepoSuite(t, NewGormProxyRepo(openTestMysql(t)))
}

func runTaskRepoSuite(t *testing.T, r TaskRepo) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i, id := range []string{"t1", "t2", "t3"} {
		task := &model.DownloadTask{
			ID:           id,
			SessionID:    "s1",
			DownloadType: model.TypeMulti,
			SourceURLs:   []string{"https://vk.com/music/playlist/1_2", "https://vk.com/music/playlist/1_3"},
			Status:       model.StatusPending,
			Options:      model.TaskOptions{AddTags: true, Quality: model.QualityHigh},
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := r.Create(ctx, &model.DownloadTask{ID: "other", SessionID: "s2", Status: model.StatusPending, DownloadType: model.TypeTrack, CreatedAt: base}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	got, err := r.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.SourceURLs) != 2 || !got.Options.AddTags || got.Options.Quality != model.QualityHigh {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if _, err := r.Get(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing get err = %v", err)
	}

	updated, err := r.Update(ctx, "t2", func(task *model.DownloadTask) error {
		task.Status = model.StatusCompleted
		task.DownloadURLs = []string{"a", "b"}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != model.StatusCompleted || len(updated.DownloadURLs) != 2 {
		t.Fatalf("update result = %+v", updated)
	}

	sentinel := errors.New("abort")
	if _, err := r.Update(ctx, "t1", func(task *model.DownloadTask) error {
		task.Status = model.StatusError
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("aborted update err = %v", err)
	}
	if got, _ := r.Get(ctx, "t1"); got.Status != model.StatusPending {
		t.Fatalf("aborted update persisted status %s", got.Status)
	}
	if _, err := r.Update(ctx, "missing", func(*model.DownloadTask) error { return nil }); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing update err = %v", err)
	}

	history, err := r.ListBySession(ctx, "s1", false)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].ID != "t3" || history[2].ID != "t1" {
		t.Fatalf("history order = %v", ids(history))
	}
	active, err := r.ListBySession(ctx, "s1", true)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 || active[0].ID != "t3" || active[1].ID != "t1" {
		t.Fatalf("active = %v", ids(active))
	}

	pending, err := r.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		t.Fatalf("by status: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %v", ids(pending))
	}

	if err := r.Delete(ctx, "t2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.Delete(ctx, "t2"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := r.Get(ctx, "t2"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("deleted task still present: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Update(ctx, "t3", func(task *model.DownloadTask) error {
				task.DownloadedCount++
				return nil
			})
		}()
	}
	wg.Wait()
	if got, _ := r.Get(ctx, "t3"); got.DownloadedCount != 20 {
		t.Fatalf("concurrent updates lost writes: %d", got.DownloadedCount)
	}
}

func runProxyRepoSuite(t *testing.T, r ProxyRepo) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i, id := range []string{"p2", "p1"} {
		p := &model.Proxy{ID: id, Name: id, ProxyType: model.ProxySocks5, Address: "127.0.0.1:1080", Status: model.ProxyUnchecked, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := r.Create(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "p2" {
		t.Fatalf("list order wrong: %+v", list)
	}
	list[0].Enabled = true
	list[0].Status = model.ProxyOK
	if err := r.Save(ctx, list[0]); err != nil {
		t.Fatalf("save: %v", err)
	}
	list, _ = r.List(ctx)
	if !list[0].Enabled || list[0].Status != model.ProxyOK {
		t.Fatalf("save not persisted: %+v", list[0])
	}
	if err := r.Delete(ctx, "p2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, _ = r.List(ctx)
	if len(list) != 1 || list[0].ID != "p1" {
		t.Fatalf("after delete: %+v", list)
	}
}

func ids(tasks []*model.DownloadTask) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
