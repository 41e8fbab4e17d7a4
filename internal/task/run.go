package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kage-kao/VK-Music-Saver/internal/service"
	"github.com/kage-kao/VK-Music-Saver/internal/source"
	"github.com/kage-kao/VK-Music-Saver/internal/storage"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
	"golang.org/x/sync/errgroup"
)

const (
	noTracksMessage  = "no downloadable tracks: the catalog likely restricts this region, enable a proxy in settings"
	allFailedMessage = "no track could be downloaded: the catalog likely restricts this region, enable a proxy in settings"
	maxErrorMessage  = 300
)

// errStopped means the task left the stage this run expected, which only
// happens when cancellation was requested.
var errStopped = errors.New("task stopped")

// run is the state of one execution.
type run struct {
	task     *model.DownloadTask
	dir      string
	token    string
	endpoint string
	uploaded []string
}

// Run executes one task to a terminal state. Tasks that are not pending
// are skipped; a pending task already marked cancelling is finalized.
func (e *Engine) Run(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("download task %s: panic: %v\n%s", id, r, debug.Stack())
			e.settle(context.WithoutCancel(ctx), &run{dir: e.taskDir(id), task: &model.DownloadTask{ID: id}},
				fmt.Errorf("internal error: %v", r))
			err = fmt.Errorf("download task %s panicked: %v", id, r)
		}
	}()

	t, claimed, err := e.claim(ctx, id)
	if err != nil || !claimed {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(id, cancel)
	defer e.unregister(id)
	go e.watchCancel(runCtx, id, cancel)

	r := &run{task: t, dir: e.taskDir(id)}
	execErr := e.execute(runCtx, r)
	if execErr == nil {
		_ = os.RemoveAll(r.dir)
		return nil
	}
	e.settle(context.WithoutCancel(ctx), r, execErr)
	if errors.Is(execErr, errStopped) || errors.Is(execErr, context.Canceled) {
		return nil
	}
	return execErr
}

// claim moves a pending task to downloading.
func (e *Engine) claim(ctx context.Context, id string) (*model.DownloadTask, bool, error) {
	now := time.Now()
	claimed := false
	t, err := e.tasks.Update(ctx, id, func(t *model.DownloadTask) error {
		switch t.Status {
		case model.StatusPending:
			t.Status = model.StatusDownloading
			t.StartedAt = &now
			claimed = true
		case model.StatusCancelling:
			t.Status = model.StatusCancelled
			t.CurrentTrack = ""
			t.FinishedAt = &now
		default:
			return errNoop
		}
		return nil
	})
	if errors.Is(err, errNoop) || errors.Is(err, model.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, claimed, nil
}

func (e *Engine) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.opts.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := e.tasks.Get(ctx, id)
			if err != nil {
				continue
			}
			if t.Status == model.StatusCancelling {
				cancel()
				return
			}
		}
	}
}

// advance moves the task from one stage to the next and applies mutate.
func (e *Engine) advance(ctx context.Context, id string, from, to model.TaskStatus, mutate func(t *model.DownloadTask)) error {
	_, err := e.tasks.Update(ctx, id, func(t *model.DownloadTask) error {
		if t.Status != from {
			if t.Status == model.StatusCancelling {
				return errStopped
			}
			return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, t.Status, to)
		}
		if from != to {
			if !model.CanTransition(from, to) {
				return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
			}
			t.Status = to
		}
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
	return err
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	token, err := e.sessions.Validate(ctx, r.task.SessionID)
	if err != nil {
		return fmt.Errorf("session expired: %w", err)
	}
	r.token = token

	title, tracks, err := e.resolve(ctx, r)
	if err != nil {
		return err
	}
	valid := tracks[:0]
	for _, t := range tracks {
		if t.URL != "" {
			valid = append(valid, t)
		}
	}
	if err := e.advance(ctx, r.task.ID, model.StatusDownloading, model.StatusDownloading, func(t *model.DownloadTask) {
		t.PlaylistTitle = title
		t.TrackCount = len(valid)
		t.DownloadedCount = 0
	}); err != nil {
		return err
	}
	r.task.PlaylistTitle = title
	if len(valid) == 0 {
		return fmt.Errorf("%w: %s", model.ErrResolution, noTracksMessage)
	}

	if e.endpoints != nil {
		r.endpoint, _ = e.endpoints.ActiveEndpoint()
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", model.ErrFetch, err)
	}

	entries, err := e.fetchAll(ctx, r, valid)
	if err != nil {
		return err
	}

	if err := e.advance(ctx, r.task.ID, model.StatusDownloading, model.StatusZipping, func(t *model.DownloadTask) {
		t.CurrentTrack = ""
	}); err != nil {
		return err
	}
	limit := e.store.MaxObjectSize()
	parts, err := service.NewArchiver(r.dir, limit).Pack(ctx, service.ArchiveBaseName(title, r.task.ID), entries)
	if err != nil {
		return err
	}

	if err := e.advance(ctx, r.task.ID, model.StatusZipping, model.StatusUploading, nil); err != nil {
		return err
	}
	urls, total, err := e.uploadAll(ctx, r, parts)
	if err != nil {
		return err
	}

	now := time.Now()
	return e.advance(ctx, r.task.ID, model.StatusUploading, model.StatusCompleted, func(t *model.DownloadTask) {
		t.Progress = 100
		t.CurrentTrack = ""
		t.FileSize = total
		t.FinishedAt = &now
		if len(urls) == 1 {
			t.DownloadURL = urls[0]
			t.DownloadURLs = nil
		} else {
			t.DownloadURL = ""
			t.DownloadURLs = urls
		}
	})
}

// resolve expands the task's source into a title and ordered track list.
func (e *Engine) resolve(ctx context.Context, r *run) (string, []source.Track, error) {
	t := r.task
	switch t.DownloadType {
	case model.TypeTrack:
		track, err := e.src.ResolveTrack(ctx, r.token, first(t.SourceURLs))
		if err != nil {
			return "", nil, err
		}
		return track.Label(), []source.Track{*track}, nil
	case model.TypePlaylist:
		pl, err := e.src.ResolvePlaylist(ctx, r.token, first(t.SourceURLs))
		if err != nil {
			return "", nil, err
		}
		return pl.Title, pl.Tracks, nil
	case model.TypeMyMusic:
		pl, err := e.src.ListLibrary(ctx, r.token)
		if err != nil {
			return "", nil, err
		}
		return pl.Title, pl.Tracks, nil
	case model.TypeMulti:
		var (
			title   string
			tracks  []source.Track
			lastErr error
			ok      int
		)
		for _, u := range t.SourceURLs {
			pl, err := e.src.ResolvePlaylist(ctx, r.token, u)
			if err != nil {
				if ctx.Err() != nil {
					return "", nil, ctx.Err()
				}
				log.Printf("download task %s: skip %s: %v", t.ID, u, err)
				lastErr = err
				continue
			}
			if ok == 0 {
				title = pl.Title
			}
			ok++
			tracks = append(tracks, pl.Tracks...)
		}
		if ok == 0 {
			return "", nil, lastErr
		}
		return title, tracks, nil
	}
	return "", nil, fmt.Errorf("%w: unknown download type %q", model.ErrValidation, t.DownloadType)
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// fetchAll downloads tracks with bounded concurrency. Individual failures
// are logged and skipped; the result keeps track order.
func (e *Engine) fetchAll(ctx context.Context, r *run, tracks []source.Track) ([]service.ArchiveEntry, error) {
	results := make([]*service.ArchiveEntry, len(tracks))
	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.FetchConcurrency)
	for i, track := range tracks {
		i, track := i, track
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("download task %s: track %d panicked: %v", r.task.ID, i+1, rec)
				}
			}()
			if gctx.Err() != nil {
				return nil
			}
			entry, err := e.fetchOne(gctx, r, i+1, track)
			if err != nil {
				if gctx.Err() == nil {
					log.Printf("download task %s: track %d %q failed: %v", r.task.ID, i+1, track.Label(), err)
				}
				return nil
			}
			results[i] = entry

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			err = e.advance(gctx, r.task.ID, model.StatusDownloading, model.StatusDownloading, func(t *model.DownloadTask) {
				if n > t.DownloadedCount && n <= t.TrackCount {
					t.DownloadedCount = n
				}
				if t.TrackCount > 0 {
					if p := float64(t.DownloadedCount) / float64(t.TrackCount) * 100; p > t.Progress {
						t.Progress = p
					}
				}
				t.CurrentTrack = track.Label()
			})
			// a cancelled task stops the whole fan-out
			if errors.Is(err, errStopped) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := make([]service.ArchiveEntry, 0, len(results))
	for _, entry := range results {
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrFetch, allFailedMessage)
	}
	return entries, nil
}

func (e *Engine) fetchOne(ctx context.Context, r *run, position int, track source.Track) (*service.ArchiveEntry, error) {
	name := service.TrackFileName(position, track)
	path := filepath.Join(r.dir, name)

	err := utils.Retry(ctx, e.opts.FetchRetryMax, e.opts.FetchRetryDelays, utils.ShouldRetry, func(ctx context.Context) error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		_, fetchErr := e.src.FetchBytes(ctx, track, r.task.Options.Quality, r.endpoint, f)
		closeErr := f.Close()
		if fetchErr != nil {
			return fetchErr
		}
		return closeErr
	})
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	if r.task.Options.AddTags {
		e.tag(ctx, r, path, track)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &service.ArchiveEntry{Path: path, Name: name, Size: info.Size()}, nil
}

// tag writes ID3 metadata. Failures leave the file untagged.
func (e *Engine) tag(ctx context.Context, r *run, path string, track source.Track) {
	tags := service.TrackTags{
		Title:  track.Title,
		Artist: track.Artist,
		Album:  track.Album,
	}
	if cover, err := e.src.FetchCover(ctx, track, r.endpoint); err == nil {
		tags.Cover = cover
	}
	if r.task.Options.AddLyrics {
		if lyrics, err := e.src.FetchLyrics(ctx, r.token, track); err == nil {
			tags.Lyrics = lyrics
		}
	}
	if err := service.WriteTags(path, tags); err != nil {
		log.Printf("download task %s: tag %q failed: %v", r.task.ID, track.Label(), err)
	}
}

// uploadAll pushes parts in order and returns their URLs and total size.
func (e *Engine) uploadAll(ctx context.Context, r *run, parts []service.ArchivePart) ([]string, int64, error) {
	urls := make([]string, 0, len(parts))
	var total int64
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if len(parts) > 1 {
			label := fmt.Sprintf("uploading part %d/%d", i+1, len(parts))
			if err := e.advance(ctx, r.task.ID, model.StatusUploading, model.StatusUploading, func(t *model.DownloadTask) {
				t.CurrentTrack = label
			}); err != nil {
				return nil, 0, err
			}
		}
		u, err := e.uploadPart(ctx, part)
		if err != nil {
			return nil, 0, err
		}
		r.uploaded = append(r.uploaded, part.Name)
		urls = append(urls, u)
		total += part.Size
		_ = os.Remove(part.Path)
	}
	return urls, total, nil
}

func (e *Engine) uploadPart(ctx context.Context, part service.ArchivePart) (string, error) {
	var url string
	err := utils.Retry(ctx, e.opts.UploadRetryMax, e.opts.UploadRetryDelays, utils.ShouldRetry, func(ctx context.Context) error {
		f, err := os.Open(part.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		upCtx, cancel := context.WithTimeout(ctx, e.opts.UploadTimeout)
		defer cancel()
		url, err = e.store.Upload(upCtx, part.Name, io.Reader(f), part.Size)
		return err
	})
	if err != nil && !errors.Is(err, model.ErrUpload) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %s: %v", model.ErrUpload, part.Name, err)
	}
	return url, err
}

// settle moves a task that did not complete to cancelled or error and
// discards its artifacts.
func (e *Engine) settle(ctx context.Context, r *run, cause error) {
	if len(r.uploaded) > 0 {
		if remover, ok := e.store.(storage.Remover); ok {
			for _, name := range r.uploaded {
				if err := remover.Remove(ctx, name); err != nil {
					log.Printf("download task %s: remove uploaded %s failed: %v", r.task.ID, name, err)
				}
			}
		}
	}
	if err := os.RemoveAll(r.dir); err != nil {
		log.Printf("download task %s: cleanup failed: %v", r.task.ID, err)
	}

	now := time.Now()
	t, err := e.tasks.Update(ctx, r.task.ID, func(t *model.DownloadTask) error {
		switch {
		case t.Status == model.StatusCancelling:
			t.Status = model.StatusCancelled
		case t.Status.IsRunning():
			t.Status = model.StatusError
			t.ErrorMessage = errorMessage(cause)
		default:
			return errNoop
		}
		t.CurrentTrack = ""
		t.FinishedAt = &now
		return nil
	})
	if errors.Is(err, errNoop) {
		return
	}
	if err != nil {
		log.Printf("download task %s: settle failed: %v", r.task.ID, err)
		return
	}
	if t.Status == model.StatusError {
		log.Printf("download task %s: failed: %v", r.task.ID, cause)
	} else {
		log.Printf("download task %s: %s", r.task.ID, t.Status)
	}
}

func errorMessage(err error) string {
	msg := "interrupted"
	if err != nil && !errors.Is(err, context.Canceled) {
		msg = err.Error()
	}
	if utf8.RuneCountInString(msg) > maxErrorMessage {
		msg = string([]rune(msg)[:maxErrorMessage])
	}
	return msg
}
