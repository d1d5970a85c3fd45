package ncmlink

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"ncmparse/internal/fetch"
)

// upstreamCall is one request observed by fakeUpstream.
type upstreamCall struct {
	path string
	form url.Values
}

// fakeUpstream serves canned JSON per path. Paths ending in "/" match by prefix.
type fakeUpstream struct {
	t      *testing.T
	server *httptest.Server

	mutex  sync.Mutex
	routes map[string]func(w http.ResponseWriter)
	calls  []upstreamCall
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{t: t, routes: make(map[string]func(w http.ResponseWriter))}
	u.server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.server.Close)
	return u
}

func (u *fakeUpstream) JSON(path, body string) {
	u.Handle(path, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

func (u *fakeUpstream) Status(path string, status int, body string) {
	u.Handle(path, func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// HangUp closes the connection without a response.
func (u *fakeUpstream) HangUp(path string) {
	u.Handle(path, func(w http.ResponseWriter) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			u.t.Error("response writer cannot be hijacked")
			return
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			u.t.Errorf("Hijack() error = %v", err)
			return
		}
		_ = conn.Close()
	})
}

func (u *fakeUpstream) Handle(path string, handler func(w http.ResponseWriter)) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.routes[path] = handler
}

func (u *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	u.mutex.Lock()
	u.calls = append(u.calls, upstreamCall{path: r.URL.Path, form: r.PostForm})
	handler, ok := u.routes[r.URL.Path]
	if !ok {
		for route, h := range u.routes {
			if strings.HasSuffix(route, "/") && strings.HasPrefix(r.URL.Path, route) {
				handler, ok = h, true
				break
			}
		}
	}
	u.mutex.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	handler(w)
}

func (u *fakeUpstream) Calls() []upstreamCall {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return append([]upstreamCall(nil), u.calls...)
}

func (u *fakeUpstream) Paths() []string {
	calls := u.Calls()
	paths := make([]string, len(calls))
	for i, call := range calls {
		paths[i] = call.path
	}
	return paths
}

// testClient returns a client with a single attempt and no rate limiting.
func testClient() *fetch.Client {
	config := fetch.DefaultConfig()
	config.MaxAttempts = 1
	config.BaseBackoff = time.Millisecond
	config.MaxBackoff = time.Millisecond
	config.Timeout = 5 * time.Second
	return fetch.New(config, nil, nil)
}

func (u *fakeUpstream) Aggregator() *Aggregator {
	api := NewAPI(testClient(), u.server.URL, "", nil)
	return NewAggregator(api, 0, nil)
}

const (
	songDetailJSON = `{"songs":[{"id":2708737458,"name":"Nightfall","ar":[{"id":1,"name":"Aria"}],` +
		`"al":{"id":2,"name":"Dusk"},"publishTime":1700000000000,"dt":215000,"tns":["Abend"],"alia":[]}],"code":200}`
	songCommentInfoJSON = `{"data":[{"threadId":"R_SO_4_2708737458","commentCount":12,"shareCount":3,"likedCount":5}],"code":200}`
	threadJSON          = `{"code":200,"comments":[],"hotComments":[{"content":"lovely"}],"total":12}`
	emptyThreadJSON     = `{"code":200,"comments":[],"hotComments":[],"total":0}`
	lyricJSON           = `{"lrc":{"version":3,"lyric":"[00:00.00] hello"},"tlyric":{"lyric":""},"code":200}`
)

func (u *fakeUpstream) ServeSong() {
	u.JSON("/api/v3/song/detail", songDetailJSON)
	u.JSON("/api/resource/commentInfo/list", songCommentInfoJSON)
	u.JSON("/api/v1/resource/comments/", threadJSON)
	u.JSON("/api/song/lyric/v1", lyricJSON)
}
