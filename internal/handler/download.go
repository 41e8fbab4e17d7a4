package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kage-kao/VK-Music-Saver/internal/dto"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

func (h *Handler) created(c *gin.Context, id string, err error) {
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.TaskCreatedResponse{TaskID: id, Status: model.StatusPending})
}

// StartPlaylist queues a playlist download.
func (h *Handler) StartPlaylist(c *gin.Context) {
	var req dto.PlaylistDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	id, err := h.tasks.StartPlaylist(c.Request.Context(), sessionID(c), req.PlaylistURL, req.TaskOptions())
	h.created(c, id, err)
}

// StartTrack queues a single track download.
func (h *Handler) StartTrack(c *gin.Context) {
	var req dto.TrackDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	id, err := h.tasks.StartTrack(c.Request.Context(), sessionID(c), req.TrackURL, req.TaskOptions())
	h.created(c, id, err)
}

// StartMyMusic queues the caller's whole library. The body is optional.
func (h *Handler) StartMyMusic(c *gin.Context) {
	var req dto.MyMusicDownloadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}
	id, err := h.tasks.StartMyMusic(c.Request.Context(), sessionID(c), req.TaskOptions())
	h.created(c, id, err)
}

// StartMulti queues several playlists as one task.
func (h *Handler) StartMulti(c *gin.Context) {
	var req dto.MultiDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	id, err := h.tasks.StartMulti(c.Request.Context(), sessionID(c), req.PlaylistURLs, req.TaskOptions())
	h.created(c, id, err)
}

// owned loads a task of the caller's session. Tasks of other sessions are
// reported as missing.
func (h *Handler) owned(c *gin.Context, id string) (*model.DownloadTask, error) {
	t, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if t.SessionID != sessionID(c) {
		return nil, model.ErrNotFound
	}
	return t, nil
}

// TaskStatus reports one task.
func (h *Handler) TaskStatus(c *gin.Context) {
	t, err := h.owned(c, c.Param("id"))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, t)
}

// CancelTask requests cancellation and returns the task as it is afterwards.
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.owned(c, id); err != nil {
		utils.Fail(c, err)
		return
	}
	if err := h.tasks.Cancel(c.Request.Context(), id); err != nil {
		utils.Fail(c, err)
		return
	}
	t, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, t)
}

// DeleteTask removes a finished task. Unknown ids succeed.
func (h *Handler) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	_, err := h.owned(c, id)
	if errors.Is(err, model.ErrNotFound) {
		utils.Success(c, nil)
		return
	}
	if err != nil {
		utils.Fail(c, err)
		return
	}
	if err := h.tasks.Delete(c.Request.Context(), id); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}

func (h *Handler) ActiveTasks(c *gin.Context) {
	tasks, err := h.tasks.ListActive(c.Request.Context(), sessionID(c))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.TaskListResponse{Tasks: tasks})
}

func (h *Handler) TaskHistory(c *gin.Context) {
	tasks, err := h.tasks.ListHistory(c.Request.Context(), sessionID(c))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.TaskListResponse{Tasks: tasks})
}
