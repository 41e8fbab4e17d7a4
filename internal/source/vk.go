package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/internal/tunnel"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
	"golang.org/x/time/rate"
)

const vkPageSize = 200

// VK talks to the VK API with a user token.
type VK struct {
	base      string
	version   string
	userAgent string
	timeout   time.Duration
	retryMax  int
	delays    []time.Duration

	limiter   *rate.Limiter
	endpoints EndpointSource

	mu      sync.Mutex
	clients map[string]*http.Client
}

// VKOptions configures a VK client; zero values fall back to AppConfig.
type VKOptions struct {
	Base        string
	Version     string
	UserAgent   string
	Rate        float64
	Timeout     time.Duration
	RetryMax    int
	RetryDelays []time.Duration
	Endpoints   EndpointSource
}

func NewVK(opts VKOptions) *VK {
	cfg := config.AppConfig
	if opts.Base == "" {
		opts.Base = cfg.VKAPIBase
	}
	if opts.Version == "" {
		opts.Version = cfg.VKAPIVersion
	}
	if opts.UserAgent == "" {
		opts.UserAgent = cfg.VKUserAgent
	}
	if opts.Rate <= 0 {
		opts.Rate = cfg.VKAPIRate
	}
	if opts.Rate <= 0 {
		opts.Rate = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = cfg.FetchTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = cfg.FetchRetryMax
	}
	if opts.RetryDelays == nil {
		opts.RetryDelays = cfg.FetchRetryDelays
	}
	if opts.Endpoints == nil {
		opts.Endpoints = noEndpoint{}
	}
	return &VK{
		base:      strings.TrimRight(opts.Base, "/"),
		version:   opts.Version,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		retryMax:  opts.RetryMax,
		delays:    opts.RetryDelays,
		limiter:   rate.NewLimiter(rate.Limit(opts.Rate), 1),
		endpoints: opts.Endpoints,
		clients:   make(map[string]*http.Client),
	}
}

// APIError is an error object returned by the VK API.
type APIError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

// Token problems: 5 authorization failed, 15 access denied, 27 group token.
func (e *APIError) isAuth() bool {
	return e.Code == 5 || e.Code == 27
}

type vkAudio struct {
	ID       int64  `json:"id"`
	OwnerID  int64  `json:"owner_id"`
	Artist   string `json:"artist"`
	Title    string `json:"title"`
	Duration int    `json:"duration"`
	URL      string `json:"url"`
	LyricsID int64  `json:"lyrics_id"`
	Album    *struct {
		Title string `json:"title"`
		Thumb *struct {
			Photo600 string `json:"photo_600"`
			Photo300 string `json:"photo_300"`
			Photo270 string `json:"photo_270"`
		} `json:"thumb"`
	} `json:"album"`
}

func (a vkAudio) track() Track {
	t := Track{
		OwnerID:  a.OwnerID,
		ID:       a.ID,
		Artist:   strings.TrimSpace(a.Artist),
		Title:    strings.TrimSpace(a.Title),
		Duration: a.Duration,
		URL:      a.URL,
		LyricsID: a.LyricsID,
	}
	if a.Album != nil {
		t.Album = a.Album.Title
		if th := a.Album.Thumb; th != nil {
			switch {
			case th.Photo600 != "":
				t.CoverURL = th.Photo600
			case th.Photo300 != "":
				t.CoverURL = th.Photo300
			default:
				t.CoverURL = th.Photo270
			}
		}
	}
	return t
}

func (v *VK) client(endpoint string) (*http.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.clients[endpoint]; ok {
		return c, nil
	}
	c, err := tunnel.NewHTTPClient(endpoint, v.timeout)
	if err != nil {
		return nil, err
	}
	v.evictLocked(endpoint)
	v.clients[endpoint] = c
	return c, nil
}

// evictLocked drops cached clients for endpoints that are neither keep nor
// active. Forwarder ports change on every toggle, so stale entries pile up.
// In-flight requests on an evicted client are not interrupted.
func (v *VK) evictLocked(keep string) {
	active, _ := v.endpoints.ActiveEndpoint()
	for endpoint, c := range v.clients {
		if endpoint == keep || endpoint == active {
			continue
		}
		c.CloseIdleConnections()
		delete(v.clients, endpoint)
	}
}

func (v *VK) apiClient() (*http.Client, error) {
	endpoint, _ := v.endpoints.ActiveEndpoint()
	return v.client(endpoint)
}

// call invokes one API method and decodes the "response" member into out.
func (v *VK) call(ctx context.Context, token, method string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token)
	params.Set("v", v.version)
	endpoint := v.base + "/" + method + "?" + params.Encode()

	shouldRetry := func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// 6: too many requests per second
			return apiErr.Code == 6
		}
		return utils.ShouldRetry(err)
	}
	return utils.Retry(ctx, v.retryMax, v.delays, shouldRetry, func(ctx context.Context) error {
		if err := v.limiter.Wait(ctx); err != nil {
			return err
		}
		client, err := v.apiClient()
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", v.userAgent)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &utils.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		var envelope struct {
			Response json.RawMessage `json:"response"`
			Error    *APIError       `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decode %s: %w", method, err)
		}
		if envelope.Error != nil {
			return envelope.Error
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(envelope.Response, out)
	})
}

// Me validates the token and returns its owner.
func (v *VK) Me(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: empty token", model.ErrAuth)
	}
	var users []User
	err := v.call(ctx, token, "users.get", url.Values{"fields": {"photo_100"}}, &users)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.isAuth() {
			return nil, fmt.Errorf("%w: %v", model.ErrAuth, err)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrResolution, err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: token has no user", model.ErrAuth)
	}
	return &users[0], nil
}

func (v *VK) listAudio(ctx context.Context, token string, params url.Values) ([]Track, error) {
	var tracks []Track
	offset := 0
	for {
		page := url.Values{}
		for k, vals := range params {
			page[k] = vals
		}
		page.Set("count", strconv.Itoa(vkPageSize))
		page.Set("offset", strconv.Itoa(offset))

		var resp struct {
			Count int       `json:"count"`
			Items []vkAudio `json:"items"`
		}
		if err := v.call(ctx, token, "audio.get", page, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			tracks = append(tracks, item.track())
		}
		offset += len(resp.Items)
		if len(resp.Items) < vkPageSize || offset >= resp.Count {
			return tracks, nil
		}
	}
}

func (v *VK) ResolvePlaylist(ctx context.Context, token, rawURL string) (*Playlist, error) {
	ref, ok := parsePlaylistURL(rawURL)
	if !ok {
		return nil, fmt.Errorf("%w: not a playlist link: %s", model.ErrValidation, rawURL)
	}

	params := url.Values{
		"owner_id":    {strconv.FormatInt(ref.OwnerID, 10)},
		"playlist_id": {strconv.FormatInt(ref.PlaylistID, 10)},
	}
	if ref.AccessKey != "" {
		params.Set("access_key", ref.AccessKey)
	}

	title := fmt.Sprintf("playlist_%d_%d", ref.OwnerID, ref.PlaylistID)
	var meta struct {
		Title string `json:"title"`
	}
	if err := v.call(ctx, token, "audio.getPlaylistById", params, &meta); err == nil && meta.Title != "" {
		title = meta.Title
	}

	listParams := url.Values{
		"owner_id": {strconv.FormatInt(ref.OwnerID, 10)},
		"album_id": {strconv.FormatInt(ref.PlaylistID, 10)},
	}
	if ref.AccessKey != "" {
		listParams.Set("access_key", ref.AccessKey)
	}
	tracks, err := v.listAudio(ctx, token, listParams)
	if err != nil {
		return nil, fmt.Errorf("%w: playlist %d_%d: %v", model.ErrResolution, ref.OwnerID, ref.PlaylistID, err)
	}
	return &Playlist{Title: title, Tracks: tracks}, nil
}

func (v *VK) ResolveTrack(ctx context.Context, token, rawURL string) (*Track, error) {
	owner, id, ok := parseTrackURL(rawURL)
	if !ok {
		return nil, fmt.Errorf("%w: not a track link: %s", model.ErrValidation, rawURL)
	}
	var items []vkAudio
	params := url.Values{"audios": {fmt.Sprintf("%d_%d", owner, id)}}
	if err := v.call(ctx, token, "audio.getById", params, &items); err != nil {
		return nil, fmt.Errorf("%w: track %d_%d: %v", model.ErrResolution, owner, id, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: track %d_%d not found", model.ErrResolution, owner, id)
	}
	t := items[0].track()
	return &t, nil
}

// ListLibrary returns the token owner's saved tracks.
func (v *VK) ListLibrary(ctx context.Context, token string) (*Playlist, error) {
	me, err := v.Me(ctx, token)
	if err != nil {
		return nil, err
	}
	tracks, err := v.listAudio(ctx, token, url.Values{"owner_id": {strconv.FormatInt(me.ID, 10)}})
	if err != nil {
		return nil, fmt.Errorf("%w: library: %v", model.ErrResolution, err)
	}
	return &Playlist{
		Title:  fmt.Sprintf("My_Music_%s_%s", me.FirstName, me.LastName),
		Tracks: tracks,
	}, nil
}

// FetchBytes streams the track audio into w. VK serves a single mp3 stream
// per track, so quality does not change the request.
func (v *VK) FetchBytes(ctx context.Context, track Track, quality model.Quality, endpoint string, w io.Writer) (int64, error) {
	if track.URL == "" {
		return 0, fmt.Errorf("%w: %s has no stream url", model.ErrFetch, track.Label())
	}
	client, err := v.client(endpoint)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, track.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrFetch, err)
	}
	req.Header.Set("User-Agent", v.userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrFetch, track.Label(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrFetch, track.Label(),
			&utils.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", model.ErrFetch, track.Label(), err)
	}
	return n, nil
}

// FetchLyrics returns "" when the track has no lyrics.
func (v *VK) FetchLyrics(ctx context.Context, token string, track Track) (string, error) {
	if track.LyricsID == 0 {
		return "", nil
	}
	var resp struct {
		Text string `json:"text"`
	}
	params := url.Values{"lyrics_id": {strconv.FormatInt(track.LyricsID, 10)}}
	if err := v.call(ctx, token, "audio.getLyrics", params, &resp); err != nil {
		return "", fmt.Errorf("%w: lyrics %d: %v", model.ErrFetch, track.LyricsID, err)
	}
	return resp.Text, nil
}

// FetchCover returns nil when the track has no album art.
func (v *VK) FetchCover(ctx context.Context, track Track, endpoint string) ([]byte, error) {
	if track.CoverURL == "" {
		return nil, nil
	}
	client, err := v.client(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, track.CoverURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: cover: %w", model.ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: cover: %w", model.ErrFetch,
			&utils.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}
	// album art is small; cap the read so a bad link cannot fill memory
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}
