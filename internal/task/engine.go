package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/internal/repo"
	"github.com/kage-kao/VK-Music-Saver/internal/source"
	"github.com/kage-kao/VK-Music-Saver/internal/storage"
	"github.com/kage-kao/VK-Music-Saver/model"
)

// Dispatcher schedules a created task for asynchronous execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// Sessions resolves a session id to the catalog token behind it.
type Sessions interface {
	Validate(ctx context.Context, sessionID string) (string, error)
}

// EndpointSource yields the outbound proxy URL currently in use.
type EndpointSource interface {
	ActiveEndpoint() (string, bool)
}

// Options are the engine's tunables.
type Options struct {
	DownloadDir       string
	FetchConcurrency  int
	FetchRetryMax     int
	FetchRetryDelays  []time.Duration
	UploadRetryMax    int
	UploadRetryDelays []time.Duration
	UploadTimeout     time.Duration
	// CancelPoll is how often a running task re-reads its status to notice
	// cancellation requested from another process.
	CancelPoll time.Duration
}

// OptionsFromConfig builds Options from AppConfig.
func OptionsFromConfig() Options {
	cfg := config.AppConfig
	return Options{
		DownloadDir:       cfg.DownloadDir,
		FetchConcurrency:  cfg.FetchConcurrency,
		FetchRetryMax:     cfg.FetchRetryMax,
		FetchRetryDelays:  cfg.FetchRetryDelays,
		UploadRetryMax:    cfg.UploadRetryMax,
		UploadRetryDelays: cfg.UploadRetryDelays,
		UploadTimeout:     cfg.UploadTimeout,
		CancelPoll:        time.Second,
	}
}

// Engine drives download tasks through retrieval, packing and upload.
type Engine struct {
	tasks     repo.TaskRepo
	src       source.Source
	store     storage.ObjectStore
	sessions  Sessions
	endpoints EndpointSource
	opts      Options

	dispatcher Dispatcher

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewEngine(tasks repo.TaskRepo, src source.Source, store storage.ObjectStore, sessions Sessions, endpoints EndpointSource, opts Options) *Engine {
	if opts.DownloadDir == "" {
		opts.DownloadDir = filepath.Join(os.TempDir(), "vk_downloads")
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 1
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 10 * time.Minute
	}
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = time.Second
	}
	return &Engine{
		tasks:     tasks,
		src:       src,
		store:     store,
		sessions:  sessions,
		endpoints: endpoints,
		opts:      opts,
		running:   make(map[string]context.CancelFunc),
	}
}

// SetDispatcher must be called before any Start*.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

func (e *Engine) taskDir(id string) string {
	return filepath.Join(e.opts.DownloadDir, id)
}

var errNoop = errors.New("noop")

// Cancel requests cancellation. Pending tasks are cancelled on the spot,
// running ones are moved to cancelling and signalled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	now := time.Now()
	t, err := e.tasks.Update(ctx, id, func(t *model.DownloadTask) error {
		switch {
		case t.Status.IsTerminal(), t.Status == model.StatusCancelling:
			return errNoop
		case t.Status == model.StatusPending:
			t.Status = model.StatusCancelled
			t.CurrentTrack = ""
			t.FinishedAt = &now
		default:
			t.Status = model.StatusCancelling
		}
		return nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status == model.StatusCancelling {
		e.signal(id)
	}
	log.Printf("download task %s: cancel requested, now %s", id, t.Status)
	return nil
}

func (e *Engine) register(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Engine) signal(id string) {
	e.mu.Lock()
	cancel := e.running[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Delete removes a finished task and whatever it left on disk.
// Unknown ids are a no-op.
func (e *Engine) Delete(ctx context.Context, id string) error {
	t, err := e.tasks.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status.IsActive() {
		return fmt.Errorf("%w: %s is %s", model.ErrTaskActive, id, t.Status)
	}
	if err := os.RemoveAll(e.taskDir(id)); err != nil {
		log.Printf("download task %s: remove artifacts failed: %v", id, err)
	}
	return e.tasks.Delete(ctx, id)
}

func (e *Engine) Get(ctx context.Context, id string) (*model.DownloadTask, error) {
	return e.tasks.Get(ctx, id)
}

// ListActive returns the session's non-terminal tasks, newest first.
func (e *Engine) ListActive(ctx context.Context, sessionID string) ([]*model.DownloadTask, error) {
	return e.tasks.ListBySession(ctx, sessionID, true)
}

// ListHistory returns all of the session's tasks, newest first.
func (e *Engine) ListHistory(ctx context.Context, sessionID string) ([]*model.DownloadTask, error) {
	return e.tasks.ListBySession(ctx, sessionID, false)
}

// RecoverInterrupted settles tasks left behind by a previous process:
// running stages become errors, cancelling becomes cancelled and pending
// tasks are scheduled again.
func (e *Engine) RecoverInterrupted(ctx context.Context) error {
	stale, err := e.tasks.ListByStatus(ctx,
		model.StatusDownloading, model.StatusZipping, model.StatusUploading, model.StatusCancelling)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, t := range stale {
		_, err := e.tasks.Update(ctx, t.ID, func(t *model.DownloadTask) error {
			switch {
			case t.Status == model.StatusCancelling:
				t.Status = model.StatusCancelled
			case t.Status.IsRunning():
				t.Status = model.StatusError
				t.ErrorMessage = "interrupted by restart"
			default:
				return errNoop
			}
			t.CurrentTrack = ""
			t.FinishedAt = &now
			return nil
		})
		if err != nil && !errors.Is(err, errNoop) {
			log.Printf("download task %s: recover failed: %v", t.ID, err)
			continue
		}
		_ = os.RemoveAll(e.taskDir(t.ID))
	}

	pending, err := e.tasks.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		return err
	}
	for _, t := range pending {
		if err := e.dispatcher.Dispatch(ctx, t.ID); err != nil {
			log.Printf("download task %s: reschedule failed: %v", t.ID, err)
		}
	}
	if n := len(stale) + len(pending); n > 0 {
		log.Printf("download tasks: recovered %d interrupted, rescheduled %d pending", len(stale), len(pending))
	}
	return nil
}
