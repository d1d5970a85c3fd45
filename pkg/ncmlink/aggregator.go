package ncmlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"ncmparse/pkg/ncmerr"
)

// DefaultCommentLimit is the number of comments requested per thread.
const DefaultCommentLimit = 60

// Comment metadata resource type codes.
const (
	commentTypePlaylist = 0
	commentTypeAlbum    = 3
	commentTypeSong     = 4
	commentTypeMV       = 5
)

// step is one upstream call in a plan. request may read payloads merged by earlier steps.
type step struct {
	name    string
	request func(id string, merged *Payload) (path string, form url.Values)
	// selector picks the payload out of the response; empty means the whole body.
	selector string
	// tolerant steps contribute an empty payload when the upstream rejects them.
	tolerant bool
}

// Aggregator fetches every payload a resource needs and maps the merge into a Model.
type Aggregator struct {
	api    *API
	plans  map[Kind][]step
	logger *zap.Logger
}

// NewAggregator creates an aggregator. A non-positive commentLimit uses DefaultCommentLimit.
func NewAggregator(api *API, commentLimit int, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if commentLimit <= 0 {
		commentLimit = DefaultCommentLimit
	}
	return &Aggregator{
		api:    api,
		plans:  buildPlans(commentLimit),
		logger: logger,
	}
}

func buildPlans(commentLimit int) map[Kind][]step {
	thread := commentThread(commentLimit)

	return map[Kind][]step{
		KindSong: {
			{
				name: "song detail",
				request: func(id string, _ *Payload) (string, url.Values) {
					return "/api/v3/song/detail", url.Values{"c": {mustJSON([]map[string]string{{"id": id}})}}
				},
				selector: "songs.0",
			},
			commentInfo(commentTypeSong),
			thread,
			{
				name: "lyric",
				request: func(id string, _ *Payload) (string, url.Values) {
					return "/api/song/lyric/v1", url.Values{"id": {id}, "lv": {"-1"}, "tv": {"-1"}}
				},
			},
		},
		KindAlbum: {
			{
				name: "album detail",
				request: func(id string, _ *Payload) (string, url.Values) {
					return "/api/v1/album/" + id, url.Values{}
				},
			},
			commentInfo(commentTypeAlbum),
			thread,
		},
		KindPlaylist: {
			{
				name: "playlist detail",
				request: func(id string, _ *Payload) (string, url.Values) {
					return "/api/v6/playlist/detail", url.Values{"id": {id}, "n": {"100000"}, "s": {"8"}}
				},
			},
			commentInfo(commentTypePlaylist),
			thread,
		},
		KindUser: {
			{
				name: "user detail",
				request: func(id string, _ *Payload) (string, url.Values) {
					return "/api/v1/user/detail/" + id, url.Values{}
				},
			},
		},
		KindArtist: {
			{
				name: "artist detail",
				request: func(id string, _ *Payload) (string, url.Values) {
					return "/api/v1/artist/" + id, url.Values{}
				},
			},
		},
		KindMV: {
			{
				name: "mv detail",
				request: func(id string, _ *Payload) (string, url.Values) {
					return "/api/v1/mv/detail", url.Values{"id": {id}, "composeliked": {"true"}}
				},
			},
			commentInfo(commentTypeMV),
			thread,
		},
	}
}

func commentInfo(resourceType int) step {
	return step{
		name: "comment info",
		request: func(id string, _ *Payload) (string, url.Values) {
			return "/api/resource/commentInfo/list", url.Values{
				"fixliked":         {"true"},
				"needupgradedinfo": {"true"},
				"resourceIds":      {mustJSON([]string{id})},
				"resourceType":     {strconv.Itoa(resourceType)},
			}
		},
		selector: "data.0",
	}
}

// commentThread reads threadId from the comment metadata. The call is issued even when the
// id is missing.
func commentThread(limit int) step {
	return step{
		name: "comment thread",
		request: func(_ string, merged *Payload) (string, url.Values) {
			var threadID string
			if value, ok := merged.Get("threadId"); ok {
				threadID = value.String()
			}
			return "/api/v1/resource/comments/" + url.PathEscape(threadID), url.Values{
				"limit": {strconv.Itoa(limit)},
			}
		},
		tolerant: true,
	}
}

// Fetch runs the plan for ref and maps the merged payloads. Any failure is an
// ErrResourceFetch error wrapping the first cause.
func (a *Aggregator) Fetch(ctx context.Context, ref Reference) (Model, error) {
	failure := func(message string, cause error) *ncmerr.Error {
		return ncmerr.Wrap(ncmerr.ErrResourceFetch, message, cause).
			WithContext("id", ref.ID, "kind", ref.Kind.String())
	}

	plan, ok := a.plans[ref.Kind]
	if !ok {
		return nil, failure("no call plan for resource kind", nil)
	}
	if !isNumeric(ref.ID) {
		return nil, failure("invalid resource id",
			ncmerr.New(ncmerr.ErrURLParse, "resource id must be numeric").WithContext("id", ref.ID))
	}

	a.logger.Debug("Fetching resource",
		zap.String("kind", ref.Kind.String()),
		zap.String("id", ref.ID),
		zap.Int("calls", len(plan)))

	merged := NewPayload()
	for _, s := range plan {
		payload, err := a.run(ctx, ref.ID, s, merged)
		if err != nil {
			if s.tolerant && errors.Is(err, ncmerr.ErrResponse) {
				a.logger.Debug("Ignoring rejected optional call",
					zap.String("call", s.name),
					zap.String("id", ref.ID),
					zap.Error(err))
				continue
			}
			a.logger.Warn("Resource fetch failed",
				zap.String("kind", ref.Kind.String()),
				zap.String("id", ref.ID),
				zap.String("call", s.name),
				zap.Error(err))
			return nil, failure("failed to fetch "+ref.Kind.String(), err).WithContext("call", s.name)
		}
		merged.Merge(payload)
	}

	model, err := mapModel(ref, merged)
	if err != nil {
		a.logger.Warn("Resource mapping failed",
			zap.String("kind", ref.Kind.String()),
			zap.String("id", ref.ID),
			zap.Error(err))
		return nil, failure("failed to map "+ref.Kind.String(), err)
	}

	a.logger.Debug("Fetched resource",
		zap.String("kind", ref.Kind.String()),
		zap.String("id", ref.ID),
		zap.String("name", model.DisplayName()))

	return model, nil
}

func (a *Aggregator) run(ctx context.Context, id string, s step, merged *Payload) (*Payload, error) {
	path, form := s.request(id, merged)

	result, err := a.api.Post(ctx, path, form)
	if err != nil {
		return nil, err
	}

	if s.selector != "" {
		result = result.Get(s.selector)
	}
	payload, err := PayloadFromResult(result)
	if err != nil {
		return nil, ncmerr.Wrap(ncmerr.ErrResponse, "unexpected response shape", err).
			WithContext("path", path, "selector", s.selector)
	}
	return payload, nil
}

func isNumeric(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}
