package dto

import "github.com/kage-kao/VK-Music-Saver/model"

// DownloadOptions are shared by every download request.
type DownloadOptions struct {
	AddTags   bool   `json:"add_tags"`
	AddLyrics bool   `json:"add_lyrics"`
	Quality   string `json:"quality"`
}

// TaskOptions converts the request options to the stored form.
func (o DownloadOptions) TaskOptions() model.TaskOptions {
	return model.TaskOptions{
		AddTags:   o.AddTags,
		AddLyrics: o.AddLyrics,
		Quality:   model.Quality(o.Quality),
	}
}

type TokenLoginRequest struct {
	Token string `json:"token" binding:"required"`
}

type PlaylistDownloadRequest struct {
	PlaylistURL string `json:"playlist_url" binding:"required"`
	DownloadOptions
}

type TrackDownloadRequest struct {
	TrackURL string `json:"track_url" binding:"required"`
	DownloadOptions
}

type MyMusicDownloadRequest struct {
	DownloadOptions
}

type MultiDownloadRequest struct {
	PlaylistURLs []string `json:"playlist_urls" binding:"required,min=1"`
	DownloadOptions
}

type ProxyAddRequest struct {
	ProxyType string `json:"proxy_type" binding:"required"`
	Address   string `json:"address" binding:"required"`
	Name      string `json:"name"`
}
