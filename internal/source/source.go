package source

import (
	"context"
	"fmt"
	"io"

	"github.com/kage-kao/VK-Music-Saver/model"
)

// Track is one downloadable item of the catalog.
type Track struct {
	OwnerID  int64  `json:"owner_id"`
	ID       int64  `json:"id"`
	Artist   string `json:"artist"`
	Title    string `json:"title"`
	Duration int    `json:"duration"`
	URL      string `json:"url"`
	Album    string `json:"album"`
	CoverURL string `json:"cover_url"`
	LyricsID int64  `json:"lyrics_id"`
}

// Label is the "Artist - Title" display name.
func (t Track) Label() string {
	return fmt.Sprintf("%s - %s", orUnknown(t.Artist), orUnknown(t.Title))
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// Playlist is a titled list of tracks.
type Playlist struct {
	Title  string
	Tracks []Track
}

// User is the account behind a token.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Photo     string `json:"photo_100"`
}

// Source is an authenticated music catalog.
//
// Catalog calls route through the active tunnel on their own; byte fetches
// take the endpoint explicitly so a task uses one path for all of its items.
type Source interface {
	Me(ctx context.Context, token string) (*User, error)
	ResolvePlaylist(ctx context.Context, token, url string) (*Playlist, error)
	ResolveTrack(ctx context.Context, token, url string) (*Track, error)
	ListLibrary(ctx context.Context, token string) (*Playlist, error)
	FetchBytes(ctx context.Context, track Track, quality model.Quality, endpoint string, w io.Writer) (int64, error)
	FetchLyrics(ctx context.Context, token string, track Track) (string, error)
	FetchCover(ctx context.Context, track Track, endpoint string) ([]byte, error)
}

// EndpointSource yields the outbound proxy URL currently in use.
type EndpointSource interface {
	ActiveEndpoint() (string, bool)
}

type noEndpoint struct{}

func (noEndpoint) ActiveEndpoint() (string, bool) { return "", false }
