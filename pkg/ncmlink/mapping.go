package ncmlink

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"ncmparse/pkg/ncmerr"
)

// fields reads typed values out of a JSON object. The first failure is kept and every later
// read becomes a no-op, so a mapper can read all fields and check err once.
type fields struct {
	path   string
	lookup func(key string) (gjson.Result, bool)
	err    *error
}

func payloadFields(payload *Payload) *fields {
	var err error
	return &fields{lookup: payload.Get, err: &err}
}

func (f *fields) failed() bool {
	return *f.err != nil
}

func (f *fields) fail(key, message string) {
	if *f.err == nil {
		*f.err = ncmerr.New(ncmerr.ErrMapping, message).WithContext("field", f.path+key)
	}
}

// get returns the value for key. Missing values are reported for required fields.
func (f *fields) get(key string, required bool) (gjson.Result, bool) {
	if f.failed() {
		return gjson.Result{}, false
	}
	value, ok := f.lookup(key)
	if !ok || !value.Exists() {
		if required {
			f.fail(key, "missing required field")
		}
		return gjson.Result{}, false
	}
	if !required && value.Type == gjson.Null {
		return gjson.Result{}, false
	}
	return value, true
}

func (f *fields) String(key string) string {
	return f.str(key, true)
}

func (f *fields) OptString(key string) string {
	return f.str(key, false)
}

func (f *fields) str(key string, required bool) string {
	value, ok := f.get(key, required)
	if !ok {
		return ""
	}
	s, ok := coerceString(value)
	if !ok {
		f.fail(key, fmt.Sprintf("cannot read %s as string", value.Type))
	}
	return s
}

func (f *fields) Int(key string) int64 {
	return f.integer(key, true)
}

func (f *fields) OptInt(key string) int64 {
	return f.integer(key, false)
}

func (f *fields) integer(key string, required bool) int64 {
	value, ok := f.get(key, required)
	if !ok {
		return 0
	}
	n, ok := coerceInt(value)
	if !ok {
		f.fail(key, fmt.Sprintf("cannot read %q as integer", value.Raw))
	}
	return n
}

func (f *fields) List(key string) []any {
	return f.list(key, true)
}

func (f *fields) OptList(key string) []any {
	return f.list(key, false)
}

func (f *fields) list(key string, required bool) []any {
	value, ok := f.get(key, required)
	if !ok {
		return []any{}
	}
	items, ok := coerceList(value)
	if !ok {
		f.fail(key, fmt.Sprintf("cannot read %s as list", value.Type))
		return []any{}
	}
	return items
}

func (f *fields) Object(key string) map[string]any {
	return f.object(key, true)
}

func (f *fields) OptObject(key string) map[string]any {
	return f.object(key, false)
}

func (f *fields) object(key string, required bool) map[string]any {
	value, ok := f.get(key, required)
	if !ok {
		return map[string]any{}
	}
	obj, ok := coerceObject(value)
	if !ok {
		f.fail(key, fmt.Sprintf("cannot read %s as object", value.Type))
		return map[string]any{}
	}
	return obj
}

// Nested reads a required object and returns a reader over it.
func (f *fields) Nested(key string) *fields {
	return f.nested(key, true)
}

// OptNested reads an optional object; an absent object reads as empty.
func (f *fields) OptNested(key string) *fields {
	return f.nested(key, false)
}

func (f *fields) nested(key string, required bool) *fields {
	child := &fields{
		path:   f.path + key + ".",
		lookup: func(string) (gjson.Result, bool) { return gjson.Result{}, false },
		err:    f.err,
	}

	value, ok := f.get(key, required)
	if !ok {
		return child
	}
	if !value.IsObject() {
		f.fail(key, fmt.Sprintf("cannot read %s as object", value.Type))
		return child
	}

	child.lookup = func(k string) (gjson.Result, bool) {
		v := value.Get(k)
		return v, v.Exists()
	}
	return child
}

// coerceString accepts strings, numbers (verbatim), booleans and null (empty).
func coerceString(value gjson.Result) (string, bool) {
	switch value.Type {
	case gjson.String:
		return value.Str, true
	case gjson.Number:
		return value.Raw, true
	case gjson.True, gjson.False:
		return strconv.FormatBool(value.Bool()), true
	case gjson.Null:
		return "", true
	default:
		return "", false
	}
}

// coerceInt accepts integral numbers and strings holding an integer.
func coerceInt(value gjson.Result) (int64, bool) {
	switch value.Type {
	case gjson.Number:
		if n, err := strconv.ParseInt(value.Raw, 10, 64); err == nil {
			return n, true
		}
		if value.Num == math.Trunc(value.Num) && math.Abs(value.Num) < math.MaxInt64 {
			return int64(value.Num), true
		}
		return 0, false
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(value.Str), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func coerceList(value gjson.Result) ([]any, bool) {
	if !value.IsArray() {
		return nil, false
	}
	items, ok := value.Value().([]any)
	if !ok {
		return []any{}, true
	}
	return items, true
}

func coerceObject(value gjson.Result) (map[string]any, bool) {
	if !value.IsObject() {
		return nil, false
	}
	obj, ok := value.Value().(map[string]any)
	if !ok {
		return map[string]any{}, true
	}
	return obj, true
}

// mapModel maps a merged payload into the model for ref.Kind.
func mapModel(ref Reference, merged *Payload) (Model, error) {
	root := payloadFields(merged)

	var model Model
	switch ref.Kind {
	case KindSong:
		model = mapSong(root)
	case KindAlbum:
		model = mapAlbum(root)
	case KindPlaylist:
		model = mapPlaylist(root)
	case KindUser:
		model = mapUser(root)
	case KindArtist:
		model = mapArtist(root)
	case KindMV:
		model = mapMV(root)
	default:
		return nil, ncmerr.New(ncmerr.ErrMapping, "no mapping for kind").
			WithContext("kind", ref.Kind.String(), "id", ref.ID)
	}

	if err := *root.err; err != nil {
		var typed *ncmerr.Error
		if errors.As(err, &typed) {
			typed.WithContext("kind", ref.Kind.String(), "id", ref.ID)
		}
		return nil, err
	}
	return model, nil
}

func mapSong(root *fields) *SongInfo {
	return &SongInfo{
		ID:              root.String("id"),
		Name:            root.String("name"),
		Artists:         root.List("ar"),
		Album:           root.Object("al"),
		PublishTime:     root.Int("publishTime"),
		Duration:        root.Int("dt"),
		CommentCount:    root.Int("commentCount"),
		ShareCount:      root.Int("shareCount"),
		LyricUser:       root.OptObject("lyricUser"),
		TransUser:       root.OptObject("transUser"),
		Translations:    root.OptList("tns"),
		Aliases:         root.OptList("alia"),
		HotComments:     root.OptList("hotComments"),
		Lyric:           root.OptNested("lrc").OptString("lyric"),
		TranslatedLyric: root.OptNested("tlyric").OptString("lyric"),
	}
}

func mapAlbum(root *fields) *AlbumInfo {
	album := root.Nested("album")
	return &AlbumInfo{
		ID:           album.String("id"),
		Name:         album.String("name"),
		Artists:      album.List("artists"),
		PicURL:       album.String("picUrl"),
		Description:  album.String("description"),
		PublishTime:  album.Int("publishTime"),
		CommentCount: root.Int("commentCount"),
		ShareCount:   root.Int("shareCount"),
		Songs:        root.List("songs"),
		HotComments:  root.OptList("hotComments"),
	}
}

func mapPlaylist(root *fields) *PlaylistInfo {
	playlist := root.Nested("playlist")
	return &PlaylistInfo{
		ID:              playlist.String("id"),
		Name:            playlist.String("name"),
		CreateTime:      playlist.Int("createTime"),
		CoverImgURL:     playlist.String("coverImgUrl"),
		PlayCount:       playlist.Int("playCount"),
		SubscribedCount: playlist.Int("subscribedCount"),
		Description:     playlist.String("description"),
		Tags:            playlist.List("tags"),
		CommentCount:    playlist.Int("commentCount"),
		ShareCount:      playlist.Int("shareCount"),
		Creator:         playlist.Object("creator"),
		Tracks:          playlist.List("tracks"),
		TrackIDs:        playlist.List("trackIds"),
		HotComments:     root.OptList("hotComments"),
	}
}

func mapUser(root *fields) *UserInfo {
	profile := root.Nested("profile")
	return &UserInfo{
		ID:            profile.String("userId"),
		Name:          profile.String("nickname"),
		CreateTime:    profile.OptInt("createTime"),
		AvatarURL:     profile.String("avatarUrl"),
		Birthday:      profile.OptInt("birthday"),
		Signature:     profile.String("signature"),
		Followeds:     profile.Int("followeds"),
		Follows:       profile.Int("follows"),
		EventCount:    profile.Int("eventCount"),
		PlaylistCount: profile.Int("playlistCount"),
	}
}

func mapArtist(root *fields) *ArtistInfo {
	artist := root.Nested("artist")
	return &ArtistInfo{
		ID:        artist.String("id"),
		Name:      artist.String("name"),
		PicURL:    artist.String("picUrl"),
		Alias:     artist.List("alias"),
		BriefDesc: artist.String("briefDesc"),
		MusicSize: artist.Int("musicSize"),
		AlbumSize: artist.Int("albumSize"),
		MVSize:    artist.Int("mvSize"),
		HotSongs:  root.List("hotSongs"),
	}
}

func mapMV(root *fields) *MVInfo {
	data := root.Nested("data")
	return &MVInfo{
		ID:           data.String("id"),
		Name:         data.String("name"),
		Desc:         data.String("desc"),
		Cover:        data.String("cover"),
		Artists:      data.List("artists"),
		Duration:     data.Int("duration"),
		PublishTime:  data.String("publishTime"),
		PlayCount:    data.Int("playCount"),
		SubCount:     data.Int("subCount"),
		CommentCount: data.Int("commentCount"),
		ShareCount:   data.Int("shareCount"),
		HotComments:  root.List("hotComments"),
	}
}
