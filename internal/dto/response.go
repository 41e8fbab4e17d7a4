package dto

import "github.com/kage-kao/VK-Music-Saver/model"

// TaskCreatedResponse is returned by every download start endpoint.
type TaskCreatedResponse struct {
	TaskID string           `json:"task_id"`
	Status model.TaskStatus `json:"status"`
}

type TaskListResponse struct {
	Tasks []*model.DownloadTask `json:"tasks"`
}

type ProxyListResponse struct {
	Proxies []*model.Proxy `json:"proxies"`
}
