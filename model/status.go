package model

// TaskStatus is the lifecycle state of a DownloadTask.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusZipping     TaskStatus = "zipping"
	StatusUploading   TaskStatus = "uploading"
	StatusCompleted   TaskStatus = "completed"
	StatusError       TaskStatus = "error"
	StatusCancelling  TaskStatus = "cancelling"
	StatusCancelled   TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:     {StatusDownloading, StatusCancelling},
	StatusDownloading: {StatusZipping, StatusError, StatusCancelling},
	StatusZipping:     {StatusUploading, StatusError, StatusCancelling},
	StatusUploading:   {StatusCompleted, StatusError, StatusCancelling},
	StatusCancelling:  {StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports completed, error and cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// IsActive is the complement of IsTerminal. Cancelling counts as active.
func (s TaskStatus) IsActive() bool {
	return !s.IsTerminal()
}

// IsRunning reports the worker-owned stages.
func (s TaskStatus) IsRunning() bool {
	return s == StatusDownloading || s == StatusZipping || s == StatusUploading
}

// ProxyStatus is the health-check state of a Proxy.
type ProxyStatus string

const (
	ProxyUnchecked ProxyStatus = "unchecked"
	ProxyChecking  ProxyStatus = "checking"
	ProxyOK        ProxyStatus = "ok"
	ProxyError     ProxyStatus = "error"
)
