package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/kage-kao/VK-Music-Saver/internal/session"
	"github.com/kage-kao/VK-Music-Saver/model"
)

type fakeTasks struct {
	tasks     map[string]*model.DownloadTask
	lastURLs  []string
	lastOpts  model.TaskOptions
	cancelled []string
	deleted   []string
	startErr  error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: map[string]*model.DownloadTask{}}
}

func (f *fakeTasks) add(id, sessionID string, status model.TaskStatus) {
	f.tasks[id] = &model.DownloadTask{ID: id, SessionID: sessionID, Status: status}
}

func (f *fakeTasks) start(sessionID string, kind model.DownloadType, urls []string, opts model.TaskOptions) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.lastURLs = urls
	f.lastOpts = opts
	id := fmt.Sprintf("task-%d", len(f.tasks)+1)
	f.tasks[id] = &model.DownloadTask{ID: id, SessionID: sessionID, DownloadType: kind, Status: model.StatusPending}
	return id, nil
}

func (f *fakeTasks) StartPlaylist(_ context.Context, sessionID, url string, opts model.TaskOptions) (string, error) {
	return f.start(sessionID, model.TypePlaylist, []string{url}, opts)
}

func (f *fakeTasks) StartTrack(_ context.Context, sessionID, url string, opts model.TaskOptions) (string, error) {
	return f.start(sessionID, model.TypeTrack, []string{url}, opts)
}

func (f *fakeTasks) StartMyMusic(_ context.Context, sessionID string, opts model.TaskOptions) (string, error) {
	return f.start(sessionID, model.TypeMyMusic, nil, opts)
}

func (f *fakeTasks) StartMulti(_ context.Context, sessionID string, urls []string, opts model.TaskOptions) (string, error) {
	return f.start(sessionID, model.TypeMulti, urls, opts)
}

func (f *fakeTasks) Cancel(_ context.Context, id string) error {
	t, ok := f.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	if t.Status == model.StatusPending {
		t.Status = model.StatusCancelled
	}
	return nil
}

func (f *fakeTasks) Delete(_ context.Context, id string) error {
	t, ok := f.tasks[id]
	if !ok {
		return nil
	}
	if t.Status.IsActive() {
		return model.ErrTaskActive
	}
	f.deleted = append(f.deleted, id)
	delete(f.tasks, id)
	return nil
}

func (f *fakeTasks) Get(_ context.Context, id string) (*model.DownloadTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return t.Clone(), nil
}

func (f *fakeTasks) list(sessionID string, activeOnly bool) []*model.DownloadTask {
	var out []*model.DownloadTask
	for _, t := range f.tasks {
		if t.SessionID == sessionID && (!activeOnly || t.Status.IsActive()) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (f *fakeTasks) ListActive(_ context.Context, sessionID string) ([]*model.DownloadTask, error) {
	return f.list(sessionID, true), nil
}

func (f *fakeTasks) ListHistory(_ context.Context, sessionID string) ([]*model.DownloadTask, error) {
	return f.list(sessionID, false), nil
}

type fakeProxies struct {
	proxies   []*model.Proxy
	toggleErr error
}

func (f *fakeProxies) List(context.Context) []*model.Proxy { return f.proxies }

func (f *fakeProxies) AddProxy(_ context.Context, proxyType model.ProxyType, address, name string) (*model.Proxy, error) {
	if !proxyType.Valid() {
		return nil, fmt.Errorf("%w: unknown proxy type", model.ErrValidation)
	}
	p := &model.Proxy{ID: fmt.Sprintf("p%d", len(f.proxies)+1), ProxyType: proxyType, Address: address, Name: name, Status: model.ProxyUnchecked}
	f.proxies = append(f.proxies, p)
	return p, nil
}

func (f *fakeProxies) find(id string) *model.Proxy {
	for _, p := range f.proxies {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (f *fakeProxies) Toggle(_ context.Context, id string) (*model.Proxy, error) {
	p := f.find(id)
	if p == nil {
		return nil, model.ErrNotFound
	}
	if f.toggleErr != nil {
		return p, f.toggleErr
	}
	p.Enabled = !p.Enabled
	return p, nil
}

func (f *fakeProxies) Check(_ context.Context, id string) (*model.Proxy, error) {
	p := f.find(id)
	if p == nil {
		return nil, model.ErrNotFound
	}
	p.Status = model.ProxyChecking
	return p, nil
}

func (f *fakeProxies) Delete(_ context.Context, id string) error {
	for i, p := range f.proxies {
		if p.ID == id {
			f.proxies = append(f.proxies[:i], f.proxies[i+1:]...)
			return nil
		}
	}
	return model.ErrNotFound
}

type fakeSessions struct {
	invalidated []string
}

func (f *fakeSessions) Login(_ context.Context, token string) (*session.Login, error) {
	if token != "good" {
		return nil, model.ErrAuth
	}
	return &session.Login{SessionID: "s1", Token: "jwt", UserID: 7, Name: "Ivan"}, nil
}

func (f *fakeSessions) Invalidate(_ context.Context, sessionID string) error {
	f.invalidated = append(f.invalidated, sessionID)
	return nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// testEngine mounts h with the session id taken from the X-Session header.
func testEngine(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/login", h.TokenLogin)
	auth := r.Group("")
	auth.Use(func(c *gin.Context) {
		c.Set("session_id", c.GetHeader("X-Session"))
		c.Next()
	})
	auth.POST("/logout", h.Logout)
	auth.POST("/download/start", h.StartPlaylist)
	auth.POST("/download/track", h.StartTrack)
	auth.POST("/download/my-music", h.StartMyMusic)
	auth.POST("/download/multi", h.StartMulti)
	auth.POST("/download/cancel/:id", h.CancelTask)
	auth.GET("/download/status/:id", h.TaskStatus)
	auth.GET("/download/active", h.ActiveTasks)
	auth.GET("/download/history", h.TaskHistory)
	auth.DELETE("/download/:id", h.DeleteTask)
	r.GET("/proxies", h.ListProxies)
	r.POST("/proxies", h.AddProxy)
	r.POST("/proxies/:id/toggle", h.ToggleProxy)
	r.POST("/proxies/:id/check", h.CheckProxy)
	r.DELETE("/proxies/:id", h.DeleteProxy)
	return r
}

func do(t *testing.T, r http.Handler, method, path, sessionID, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set("X-Session", sessionID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestStartEndpoints(t *testing.T) {
	cases := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantURLs []string
	}{
		{"playlist", "/download/start", `{"playlist_url":"https://vk.com/music/playlist/1_2","add_tags":true,"quality":"high"}`, http.StatusOK, []string{"https://vk.com/music/playlist/1_2"}},
		{"playlist missing url", "/download/start", `{}`, http.StatusBadRequest, nil},
		{"track", "/download/track", `{"track_url":"https://vk.com/audio1_2"}`, http.StatusOK, []string{"https://vk.com/audio1_2"}},
		{"my music without body", "/download/my-music", "", http.StatusOK, nil},
		{"my music with options", "/download/my-music", `{"add_lyrics":true}`, http.StatusOK, nil},
		{"multi", "/download/multi", `{"playlist_urls":["a","b"]}`, http.StatusOK, []string{"a", "b"}},
		{"multi empty list", "/download/multi", `{"playlist_urls":[]}`, http.StatusBadRequest, nil},
		{"malformed json", "/download/track", `{`, http.StatusBadRequest, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks := newFakeTasks()
			r := testEngine(New(tasks, &fakeProxies{}, &fakeSessions{}))
			rec, env := do(t, r, http.MethodPost, tc.path, "s1", tc.body)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantCode != http.StatusOK {
				if len(tasks.tasks) != 0 {
					t.Fatalf("task created on rejected request")
				}
				return
			}
			var created struct {
				TaskID string `json:"task_id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(env.Data, &created); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if created.TaskID == "" || created.Status != "pending" {
				t.Fatalf("created = %+v", created)
			}
			if tasks.tasks[created.TaskID].SessionID != "s1" {
				t.Fatalf("task not bound to caller session")
			}
			if strings.Join(tasks.lastURLs, ",") != strings.Join(tc.wantURLs, ",") {
				t.Fatalf("urls = %v, want %v", tasks.lastURLs, tc.wantURLs)
			}
		})
	}
}

func TestStartPassesOptions(t *testing.T) {
	tasks := newFakeTasks()
	r := testEngine(New(tasks, &fakeProxies{}, &fakeSessions{}))
	rec, _ := do(t, r, http.MethodPost, "/download/start", "s1",
		`{"playlist_url":"x","add_tags":true,"add_lyrics":true,"quality":"low"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := model.TaskOptions{AddTags: true, AddLyrics: true, Quality: model.QualityLow}
	if tasks.lastOpts != want {
		t.Fatalf("opts = %+v, want %+v", tasks.lastOpts, want)
	}
}

func TestStartErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: unknown quality", model.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: session expired", model.ErrAuth), http.StatusUnauthorized},
		{fmt.Errorf("schedule task: boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tasks := newFakeTasks()
		tasks.startErr = tc.err
		r := testEngine(New(tasks, &fakeProxies{}, &fakeSessions{}))
		rec, env := do(t, r, http.MethodPost, "/download/track", "s1", `{"track_url":"x"}`)
		if rec.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
		if env.Code != -1 || env.Msg == "" {
			t.Errorf("%v: envelope = %+v", tc.err, env)
		}
	}
}

func TestTaskAccessIsSessionScoped(t *testing.T) {
	tasks := newFakeTasks()
	tasks.add("mine", "s1", model.StatusDownloading)
	tasks.add("theirs", "s2", model.StatusDownloading)
	tasks.add("done", "s1", model.StatusCompleted)
	r := testEngine(New(tasks, &fakeProxies{}, &fakeSessions{}))

	if rec, _ := do(t, r, http.MethodGet, "/download/status/mine", "s1", ""); rec.Code != http.StatusOK {
		t.Fatalf("own status = %d", rec.Code)
	}
	if rec, _ := do(t, r, http.MethodGet, "/download/status/theirs", "s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign status = %d, want 404", rec.Code)
	}
	if rec, _ := do(t, r, http.MethodGet, "/download/status/missing", "s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", rec.Code)
	}
	if rec, _ := do(t, r, http.MethodPost, "/download/cancel/theirs", "s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign cancel = %d, want 404", rec.Code)
	}
	if len(tasks.cancelled) != 0 {
		t.Fatalf("foreign task cancelled")
	}

	rec, env := do(t, r, http.MethodGet, "/download/active", "s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("active = %d", rec.Code)
	}
	var list struct {
		Tasks []*model.DownloadTask `json:"tasks"`
	}
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != "mine" {
		t.Fatalf("active = %+v", list.Tasks)
	}
	_, env = do(t, r, http.MethodGet, "/download/history", "s1", "")
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Tasks) != 2 {
		t.Fatalf("history len = %d, want 2", len(list.Tasks))
	}
}

func TestCancelReturnsTask(t *testing.T) {
	tasks := newFakeTasks()
	tasks.add("t1", "s1", model.StatusPending)
	r := testEngine(New(tasks, &fakeProxies{}, &fakeSessions{}))
	rec, env := do(t, r, http.MethodPost, "/download/cancel/t1", "s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got model.DownloadTask
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestDeleteTask(t *testing.T) {
	tasks := newFakeTasks()
	tasks.add("running", "s1", model.StatusUploading)
	tasks.add("done", "s1", model.StatusError)
	tasks.add("theirs", "s2", model.StatusCompleted)
	r := testEngine(New(tasks, &fakeProxies{}, &fakeSessions{}))

	cases := []struct {
		id   string
		want int
	}{
		{"running", http.StatusConflict},
		{"done", http.StatusOK},
		{"missing", http.StatusOK},
		{"theirs", http.StatusOK},
	}
	for _, tc := range cases {
		if rec, _ := do(t, r, http.MethodDelete, "/download/"+tc.id, "s1", ""); rec.Code != tc.want {
			t.Errorf("delete %s = %d, want %d", tc.id, rec.Code, tc.want)
		}
	}
	if len(tasks.deleted) != 1 || tasks.deleted[0] != "done" {
		t.Fatalf("deleted = %v, want [done]", tasks.deleted)
	}
	if _, ok := tasks.tasks["theirs"]; !ok {
		t.Fatalf("foreign task removed")
	}
}

func TestLoginLogout(t *testing.T) {
	sessions := &fakeSessions{}
	r := testEngine(New(newFakeTasks(), &fakeProxies{}, sessions))

	rec, env := do(t, r, http.MethodPost, "/login", "", `{"token":"good"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d", rec.Code)
	}
	var login session.Login
	if err := json.Unmarshal(env.Data, &login); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if login.SessionID != "s1" || login.Token != "jwt" || login.Name != "Ivan" {
		t.Fatalf("login = %+v", login)
	}
	if rec, _ := do(t, r, http.MethodPost, "/login", "", `{"token":"bad"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d, want 401", rec.Code)
	}
	if rec, _ := do(t, r, http.MethodPost, "/login", "", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty login = %d, want 400", rec.Code)
	}
	if rec, _ := do(t, r, http.MethodPost, "/logout", "s1", ""); rec.Code != http.StatusOK {
		t.Fatalf("logout = %d", rec.Code)
	}
	if len(sessions.invalidated) != 1 || sessions.invalidated[0] != "s1" {
		t.Fatalf("invalidated = %v", sessions.invalidated)
	}
}

func TestProxyEndpoints(t *testing.T) {
	proxies := &fakeProxies{}
	r := testEngine(New(newFakeTasks(), proxies, &fakeSessions{}))

	rec, env := do(t, r, http.MethodPost, "/proxies", "", `{"proxy_type":"socks5","address":"1.2.3.4:1080","name":"home"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add = %d (%s)", rec.Code, rec.Body.String())
	}
	var added model.Proxy
	if err := json.Unmarshal(env.Data, &added); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if added.ID != "p1" || added.Enabled {
		t.Fatalf("added = %+v", added)
	}
	if rec, _ := do(t, r, http.MethodPost, "/proxies", "", `{"proxy_type":"ftp","address":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad type = %d, want 400", rec.Code)
	}
	if rec, _ := do(t, r, http.MethodPost, "/proxies", "", `{"proxy_type":"http"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing address = %d, want 400", rec.Code)
	}

	if rec, _ := do(t, r, http.MethodPost, "/proxies/p1/toggle", "", ""); rec.Code != http.StatusOK || !proxies.proxies[0].Enabled {
		t.Fatalf("toggle = %d enabled=%v", rec.Code, proxies.proxies[0].Enabled)
	}
	proxies.toggleErr = fmt.Errorf("%w: xray exited", model.ErrTunnel)
	if rec, _ := do(t, r, http.MethodPost, "/proxies/p1/toggle", "", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("failed toggle = %d, want 502", rec.Code)
	}
	proxies.toggleErr = nil

	if rec, _ := do(t, r, http.MethodPost, "/proxies/p1/check", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("check = %d", rec.Code)
	}
	if rec, _ := do(t, r, http.MethodPost, "/proxies/nope/check", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("check unknown = %d, want 404", rec.Code)
	}

	rec, env = do(t, r, http.MethodGet, "/proxies", "", "")
	var list struct {
		Proxies []*model.Proxy `json:"proxies"`
	}
	if err := json.Unmarshal(env.Data, &list); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("list = %d, %v", rec.Code, err)
	}
	if len(list.Proxies) != 1 || list.Proxies[0].Status != model.ProxyChecking {
		t.Fatalf("list = %+v", list.Proxies)
	}

	if rec, _ := do(t, r, http.MethodDelete, "/proxies/p1", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec, _ := do(t, r, http.MethodDelete, "/proxies/p1", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("delete again = %d, want 404", rec.Code)
	}
}
