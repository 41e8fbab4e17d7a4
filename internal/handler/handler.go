package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/kage-kao/VK-Music-Saver/internal/session"
	"github.com/kage-kao/VK-Music-Saver/model"
)

// Tasks is the part of the task engine the gateway drives.
type Tasks interface {
	StartPlaylist(ctx context.Context, sessionID, url string, opts model.TaskOptions) (string, error)
	StartTrack(ctx context.Context, sessionID, url string, opts model.TaskOptions) (string, error)
	StartMyMusic(ctx context.Context, sessionID string, opts model.TaskOptions) (string, error)
	StartMulti(ctx context.Context, sessionID string, urls []string, opts model.TaskOptions) (string, error)
	Cancel(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.DownloadTask, error)
	ListActive(ctx context.Context, sessionID string) ([]*model.DownloadTask, error)
	ListHistory(ctx context.Context, sessionID string) ([]*model.DownloadTask, error)
}

// Proxies is the part of the tunnel manager the gateway drives.
type Proxies interface {
	List(ctx context.Context) []*model.Proxy
	AddProxy(ctx context.Context, proxyType model.ProxyType, address, name string) (*model.Proxy, error)
	Toggle(ctx context.Context, id string) (*model.Proxy, error)
	Check(ctx context.Context, id string) (*model.Proxy, error)
	Delete(ctx context.Context, id string) error
}

type Sessions interface {
	Login(ctx context.Context, token string) (*session.Login, error)
	Invalidate(ctx context.Context, sessionID string) error
}

// Handler serves the HTTP API.
type Handler struct {
	tasks    Tasks
	proxies  Proxies
	sessions Sessions
}

func New(tasks Tasks, proxies Proxies, sessions Sessions) *Handler {
	return &Handler{tasks: tasks, proxies: proxies, sessions: sessions}
}

func sessionID(c *gin.Context) string {
	return c.MustGet("session_id").(string)
}
