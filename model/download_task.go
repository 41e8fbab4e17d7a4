package model

import "time"

// DownloadType selects how a task resolves its items.
type DownloadType string

const (
	TypePlaylist DownloadType = "playlist"
	TypeTrack    DownloadType = "track"
	TypeMyMusic  DownloadType = "my_music"
	TypeMulti    DownloadType = "multi"
)

// Quality is the requested audio bitrate tier.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// TaskOptions are fixed at creation.
type TaskOptions struct {
	AddTags   bool    `gorm:"column:add_tags" json:"add_tags"`
	AddLyrics bool    `gorm:"column:add_lyrics" json:"add_lyrics"`
	Quality   Quality `gorm:"column:quality;type:varchar(16)" json:"quality"`
}

// Normalize fills defaults and rejects unknown quality values.
func (o TaskOptions) Normalize() (TaskOptions, bool) {
	switch o.Quality {
	case "":
		o.Quality = QualityHigh
	case QualityLow, QualityMedium, QualityHigh:
	default:
		return o, false
	}
	return o, true
}

type DownloadTask struct {
	ID        string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SessionID string `gorm:"column:session_id;type:varchar(64);index;not null" json:"session_id"`

	DownloadType DownloadType `gorm:"column:download_type;type:varchar(16);not null" json:"download_type"`
	SourceURLs   []string     `gorm:"column:source_urls;type:text;serializer:json" json:"source_urls"`

	Status          TaskStatus `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	Progress        float64    `gorm:"column:progress;default:0" json:"progress"`
	TrackCount      int        `gorm:"column:track_count;default:0" json:"track_count"`
	DownloadedCount int        `gorm:"column:downloaded_count;default:0" json:"downloaded_count"`
	CurrentTrack    string     `gorm:"column:current_track;type:varchar(512)" json:"current_track"`
	PlaylistTitle   string     `gorm:"column:playlist_title;type:varchar(512)" json:"playlist_title"`

	FileSize     int64    `gorm:"column:file_size;default:0" json:"file_size"`
	DownloadURL  string   `gorm:"column:download_url;type:text" json:"download_url,omitempty"`
	DownloadURLs []string `gorm:"column:download_urls;type:text;serializer:json" json:"download_urls,omitempty"`
	ErrorMessage string   `gorm:"column:error_message;type:text" json:"error_message,omitempty"`

	Options TaskOptions `gorm:"embedded;embeddedPrefix:opt_" json:"options"`

	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
	StartedAt  *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (DownloadTask) TableName() string {
	return "download_task"
}

// Clone returns a copy that shares no slices with t.
func (t *DownloadTask) Clone() *DownloadTask {
	if t == nil {
		return nil
	}
	c := *t
	c.SourceURLs = append([]string(nil), t.SourceURLs...)
	c.DownloadURLs = append([]string(nil), t.DownloadURLs...)
	return &c
}
