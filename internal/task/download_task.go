package task

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

// DownloadMessage is the payload sent to the worker.
type DownloadMessage struct {
	TaskID string `json:"task_id"`
}

// StartPlaylist creates a task for one playlist link.
func (e *Engine) StartPlaylist(ctx context.Context, sessionID, url string, opts model.TaskOptions) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", fmt.Errorf("%w: playlist url is required", model.ErrValidation)
	}
	return e.start(ctx, sessionID, model.TypePlaylist, []string{url}, opts)
}

// StartTrack creates a task for one track link.
func (e *Engine) StartTrack(ctx context.Context, sessionID, url string, opts model.TaskOptions) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", fmt.Errorf("%w: track url is required", model.ErrValidation)
	}
	return e.start(ctx, sessionID, model.TypeTrack, []string{url}, opts)
}

// StartMyMusic creates a task for the session owner's library.
func (e *Engine) StartMyMusic(ctx context.Context, sessionID string, opts model.TaskOptions) (string, error) {
	return e.start(ctx, sessionID, model.TypeMyMusic, nil, opts)
}

// StartMulti creates one task covering several playlists. Blank entries
// are dropped.
func (e *Engine) StartMulti(ctx context.Context, sessionID string, urls []string, opts model.TaskOptions) (string, error) {
	kept := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: at least one playlist url is required", model.ErrValidation)
	}
	return e.start(ctx, sessionID, model.TypeMulti, kept, opts)
}

func (e *Engine) start(ctx context.Context, sessionID string, kind model.DownloadType, urls []string, opts model.TaskOptions) (string, error) {
	opts, ok := opts.Normalize()
	if !ok {
		return "", fmt.Errorf("%w: unknown quality %q", model.ErrValidation, opts.Quality)
	}
	if _, err := e.sessions.Validate(ctx, sessionID); err != nil {
		return "", err
	}

	t := &model.DownloadTask{
		ID:           utils.NewSortableID(),
		SessionID:    sessionID,
		DownloadType: kind,
		SourceURLs:   urls,
		Status:       model.StatusPending,
		Options:      opts,
		CreatedAt:    time.Now(),
	}
	if err := e.tasks.Create(ctx, t); err != nil {
		return "", err
	}
	if err := e.dispatcher.Dispatch(ctx, t.ID); err != nil {
		if delErr := e.tasks.Delete(context.WithoutCancel(ctx), t.ID); delErr != nil {
			log.Printf("download task %s: remove after failed dispatch: %v", t.ID, delErr)
		}
		return "", fmt.Errorf("schedule task: %w", err)
	}
	return t.ID, nil
}
