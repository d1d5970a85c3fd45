package ncmlink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ncmparse/pkg/ncmerr"
)

// scriptedResolver answers from a table of per-URL responses; later calls reuse the last answer.
type scriptedResolver struct {
	mutex   sync.Mutex
	answers map[string][]string
	calls   []string
}

func (r *scriptedResolver) Resolve(_ context.Context, url string) string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.calls = append(r.calls, url)
	answers := r.answers[url]
	switch len(answers) {
	case 0:
		return url
	case 1:
		return answers[0]
	default:
		r.answers[url] = answers[1:]
		return answers[0]
	}
}

type resolverFunc func(url string) string

func (f resolverFunc) Resolve(_ context.Context, url string) string {
	return f(url)
}

// stubFetcher returns a model built from the reference, or err when set.
type stubFetcher struct {
	mutex sync.Mutex
	refs  []Reference
	err   error
}

func (f *stubFetcher) Fetch(_ context.Context, ref Reference) (Model, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.refs = append(f.refs, ref)
	if f.err != nil {
		return nil, f.err
	}
	switch ref.Kind {
	case KindAlbum:
		return &AlbumInfo{ID: ref.ID, Name: "album " + ref.ID}, nil
	default:
		return &SongInfo{ID: ref.ID, Name: "song " + ref.ID}, nil
	}
}

func (f *stubFetcher) Refs() []Reference {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]Reference(nil), f.refs...)
}

type mapCache struct {
	mutex  sync.Mutex
	models map[Reference]Model
}

func (c *mapCache) Get(ref Reference) (Model, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	model, ok := c.models[ref]
	return model, ok
}

func (c *mapCache) Add(ref Reference, model Model) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.models[ref] = model
}

type parseRecord struct {
	kind, outcome string
}

type recordingParses struct {
	mutex   sync.Mutex
	records []parseRecord
}

func (r *recordingParses) RecordParse(kind, outcome string, _ time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records = append(r.records, parseRecord{kind: kind, outcome: outcome})
}

func exampleClassifier() *Classifier {
	return NewDefaultClassifier([]string{"music.example.com"}, []string{"short.example"})
}

func TestParser_FollowsShortLinkOnce(t *testing.T) {
	const (
		short = "https://short.example/AbC123"
		album = "https://music.example.com/#/album/99"
	)
	// The first lookup lands on the short host again; the follow-up resolves.
	resolver := &scriptedResolver{answers: map[string][]string{short: {short, album}}}
	fetcher := &stubFetcher{}

	parser := NewParser(resolver, exampleClassifier(), fetcher, nil)
	model, err := parser.Parse(context.Background(), "  "+short+"\n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if model.Kind() != KindAlbum || model.ResourceID() != "99" {
		t.Errorf("Parse() = %v:%s, want album:99", model.Kind(), model.ResourceID())
	}
	if refs := fetcher.Refs(); len(refs) != 1 || refs[0] != (Reference{Kind: KindAlbum, ID: "99"}) {
		t.Errorf("fetched %v, want exactly album:99", refs)
	}
	if got := len(resolver.calls); got != 3 {
		t.Errorf("resolver called %d times (%v), want 3", got, resolver.calls)
	}
}

func TestParser_ResolvesBeforeClassifying(t *testing.T) {
	resolver := resolverFunc(func(url string) string {
		if url == "https://short.example/AbC123" {
			return "https://music.example.com/#/album/99"
		}
		return url
	})
	fetcher := &stubFetcher{}

	model, err := NewParser(resolver, exampleClassifier(), fetcher, nil).
		Parse(context.Background(), "https://short.example/AbC123")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if model.Kind() != KindAlbum || model.ResourceID() != "99" {
		t.Errorf("Parse() = %v:%s, want album:99", model.Kind(), model.ResourceID())
	}
}

func TestParser_FallsBackToOriginalURL(t *testing.T) {
	resolver := resolverFunc(func(string) string { return "https://music.example.com/login" })
	fetcher := &stubFetcher{}

	model, err := NewParser(resolver, exampleClassifier(), fetcher, nil).
		Parse(context.Background(), "https://music.example.com/song?id=7")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if model.Kind() != KindSong || model.ResourceID() != "7" {
		t.Errorf("Parse() = %v:%s, want song:7", model.Kind(), model.ResourceID())
	}
}

func TestParser_ClassificationFailures(t *testing.T) {
	tests := []struct {
		name        string
		resolver    Resolver
		url         string
		wantKind    error
		wantContext map[string]string
	}{
		{
			name:     "unsupported and unchanged",
			resolver: resolverFunc(func(url string) string { return url }),
			url:      "https://example.org/watch?v=1",
			wantKind: ncmerr.ErrUnsupportedURL,
		},
		{
			name:     "neither resolved nor original recognized",
			resolver: resolverFunc(func(string) string { return "https://example.org/final" }),
			url:      "https://example.org/start",
			wantKind: ncmerr.ErrURLParse,
			wantContext: map[string]string{
				"original_url": "https://example.org/start",
				"final_url":    "https://example.org/final",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &stubFetcher{}
			_, err := NewParser(tt.resolver, exampleClassifier(), fetcher, nil).Parse(context.Background(), tt.url)
			if ncmerr.KindOf(err) != tt.wantKind {
				t.Fatalf("Parse() error = %v, want kind %v", err, tt.wantKind)
			}
			var typed *ncmerr.Error
			errors.As(err, &typed)
			for key, want := range tt.wantContext {
				if got := typed.Context[key]; got != want {
					t.Errorf("context[%s] = %q, want %q", key, got, want)
				}
			}
			if refs := fetcher.Refs(); len(refs) != 0 {
				t.Errorf("fetcher called with %v", refs)
			}
		})
	}
}

func TestParser_ShortLinkWithoutProgress(t *testing.T) {
	parser := NewParser(resolverFunc(func(url string) string { return url }), exampleClassifier(), &stubFetcher{}, nil)

	_, err := parser.Parse(context.Background(), "https://short.example/AbC123")
	if !errors.Is(err, ncmerr.ErrShortLink) {
		t.Fatalf("Parse() error = %v, want ErrShortLink", err)
	}
}

func TestParser_DepthBound(t *testing.T) {
	var mutex sync.Mutex
	hops := 0
	// Every short link resolves to another short link.
	resolver := resolverFunc(func(url string) string {
		mutex.Lock()
		defer mutex.Unlock()
		hops++
		return fmt.Sprintf("https://short.example/a%d", hops)
	})
	fetcher := &stubFetcher{}

	parser := NewParser(resolver, exampleClassifier(), fetcher, nil, WithMaxDepth(2))
	_, err := parser.Parse(context.Background(), "https://short.example/a0")
	if !errors.Is(err, ncmerr.ErrShortLink) {
		t.Fatalf("Parse() error = %v, want ErrShortLink", err)
	}
	if !strings.Contains(err.Error(), "max_depth=2") {
		t.Errorf("Parse() error = %q, want the depth bound in context", err.Error())
	}
	if len(fetcher.Refs()) != 0 {
		t.Error("fetcher called for an unresolved short link")
	}
}

func TestParser_PropagatesFetchErrorsUnchanged(t *testing.T) {
	fetchErr := ncmerr.Wrap(ncmerr.ErrResourceFetch, "failed to fetch song", ncmerr.New(ncmerr.ErrResponse, "status 500"))
	fetcher := &stubFetcher{err: fetchErr}

	_, err := NewParser(resolverFunc(func(url string) string { return url }), exampleClassifier(), fetcher, nil).
		Parse(context.Background(), "https://music.example.com/song?id=7")
	if err != fetchErr {
		t.Errorf("Parse() error = %v, want the fetcher's error unchanged", err)
	}
}

func TestParser_CacheAndRecorder(t *testing.T) {
	fetcher := &stubFetcher{}
	recorder := &recordingParses{}
	parser := NewParser(
		resolverFunc(func(url string) string { return url }),
		exampleClassifier(),
		fetcher,
		nil,
		WithCache(&mapCache{models: make(map[Reference]Model)}),
		WithParseRecorder(recorder),
	)

	for i := 0; i < 2; i++ {
		if _, err := parser.Parse(context.Background(), "https://music.example.com/song?id=7"); err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
	}
	_, _ = parser.Parse(context.Background(), "https://example.org/nothing")

	if got := len(fetcher.Refs()); got != 1 {
		t.Errorf("fetcher called %d times, want 1", got)
	}

	want := []parseRecord{
		{kind: "song", outcome: OutcomeOK},
		{kind: "song", outcome: OutcomeCached},
		{kind: "unknown", outcome: OutcomeError},
	}
	if len(recorder.records) != len(want) {
		t.Fatalf("records = %v, want %v", recorder.records, want)
	}
	for i := range want {
		if recorder.records[i] != want[i] {
			t.Errorf("records[%d] = %v, want %v", i, recorder.records[i], want[i])
		}
	}
}

func TestParser_ParseText(t *testing.T) {
	fetcher := &stubFetcher{}
	parser := NewParser(resolverFunc(func(url string) string { return url }), NewDefaultClassifier(nil, nil), fetcher, nil)

	model, err := parser.ParseText(context.Background(),
		"分享Aria的单曲《Nightfall》: https://music.163.com/song?id=2708737458&userid=1 (来自@网易云音乐)")
	if err != nil {
		t.Fatalf("ParseText() error = %v", err)
	}
	if model.ResourceID() != "2708737458" {
		t.Errorf("ParseText() id = %q", model.ResourceID())
	}

	if _, err := parser.ParseText(context.Background(), "no links here"); !errors.Is(err, ncmerr.ErrUnsupportedURL) {
		t.Errorf("ParseText() error = %v, want ErrUnsupportedURL", err)
	}
}

func TestParser_EndToEnd(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.ServeSong()

	api := NewAPI(testClient(), upstream.server.URL, "", nil)
	parser := NewParser(
		NewShortLinkResolver(testClient(), nil, nil),
		NewDefaultClassifier(nil, nil),
		NewAggregator(api, 0, nil),
		nil,
	)

	model, err := parser.Parse(context.Background(), "https://music.163.com/#/song?id=2708737458")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	song, ok := model.(*SongInfo)
	if !ok || song.Name != "Nightfall" || song.CommentCount != 12 {
		t.Errorf("Parse() = %#v", model)
	}
}
