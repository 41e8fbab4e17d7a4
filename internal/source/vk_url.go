package source

import (
	"regexp"
	"strconv"
)

var playlistPatterns = []*regexp.Regexp{
	regexp.MustCompile(`audio_playlist(-?\d+)_(\d+)/([a-f0-9]+)`),
	regexp.MustCompile(`audio_playlist(-?\d+)_(\d+)_([a-f0-9]+)`),
	regexp.MustCompile(`audio_playlist(-?\d+)_(\d+)`),
	regexp.MustCompile(`playlist/(-?\d+)_(\d+)_([a-f0-9]+)`),
	regexp.MustCompile(`playlist/(-?\d+)_(\d+)`),
}

var trackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`audio_id=(-?\d+)_(\d+)`),
	regexp.MustCompile(`audio(-?\d+)_(\d+)`),
	regexp.MustCompile(`track/(-?\d+)_(\d+)`),
}

type playlistRef struct {
	OwnerID    int64
	PlaylistID int64
	AccessKey  string
}

// parsePlaylistURL extracts owner, playlist id and optional access key from
// the vk.com playlist link forms.
func parsePlaylistURL(raw string) (playlistRef, bool) {
	for _, re := range playlistPatterns {
		m := re.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		owner, err1 := strconv.ParseInt(m[1], 10, 64)
		id, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		ref := playlistRef{OwnerID: owner, PlaylistID: id}
		if len(m) > 3 {
			ref.AccessKey = m[3]
		}
		return ref, true
	}
	return playlistRef{}, false
}

func parseTrackURL(raw string) (owner, id int64, ok bool) {
	for _, re := range trackPatterns {
		m := re.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		o, err1 := strconv.ParseInt(m[1], 10, 64)
		i, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		return o, i, true
	}
	return 0, 0, false
}
