// Package ncmlink turns NetEase Cloud Music links into typed resource models.
//
// A Parser classifies a link, follows short links, fetches every upstream payload the
// resource needs through an Aggregator, and maps the merged result into a Model.
package ncmlink

import (
	"context"
	"fmt"
)

// Kind identifies what a link points at.
type Kind int

const (
	KindUnknown Kind = iota
	KindSong
	KindAlbum
	KindPlaylist
	KindUser
	KindArtist
	KindMV
	KindShortLink
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindSong:      "song",
	KindAlbum:     "album",
	KindPlaylist:  "playlist",
	KindUser:      "user",
	KindArtist:    "artist",
	KindMV:        "mv",
	KindShortLink: "short_link",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Reference is a classified link: a kind and the upstream id. The id is numeric for every
// kind except KindShortLink, where it is the short code.
type Reference struct {
	Kind Kind
	ID   string
}

func (r Reference) String() string {
	return r.Kind.String() + ":" + r.ID
}

// Model is one of *SongInfo, *AlbumInfo, *PlaylistInfo, *UserInfo, *ArtistInfo or *MVInfo.
type Model interface {
	Kind() Kind
	ResourceID() string
	DisplayName() string
	sealed()
}

// Resolver follows short links to their destination.
type Resolver interface {
	Resolve(ctx context.Context, url string) string
}

// Fetcher loads the model for a classified reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref Reference) (Model, error)
}

// SongInfo describes a single track.
type SongInfo struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Artists         []any          `json:"ar"`
	Album           map[string]any `json:"al"`
	PublishTime     int64          `json:"publishTime"`
	Duration        int64          `json:"dt"`
	CommentCount    int64          `json:"commentCount"`
	ShareCount      int64          `json:"shareCount"`
	LyricUser       map[string]any `json:"lyricUser"`
	TransUser       map[string]any `json:"transUser"`
	Translations    []any          `json:"tns"`
	Aliases         []any          `json:"alia"`
	HotComments     []any          `json:"hotComments"`
	Lyric           string         `json:"lyric"`
	TranslatedLyric string         `json:"translatedLyric"`
}

// AlbumInfo describes an album.
type AlbumInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Artists      []any  `json:"artists"`
	PicURL       string `json:"picUrl"`
	Description  string `json:"description"`
	PublishTime  int64  `json:"publishTime"`
	CommentCount int64  `json:"commentCount"`
	ShareCount   int64  `json:"shareCount"`
	Songs        []any  `json:"songs"`
	HotComments  []any  `json:"hotComments"`
}

// PlaylistInfo describes a user playlist.
type PlaylistInfo struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	CreateTime      int64          `json:"createTime"`
	CoverImgURL     string         `json:"coverImgUrl"`
	PlayCount       int64          `json:"playCount"`
	SubscribedCount int64          `json:"subscribedCount"`
	Description     string         `json:"description"`
	Tags            []any          `json:"tags"`
	CommentCount    int64          `json:"commentCount"`
	ShareCount      int64          `json:"shareCount"`
	Creator         map[string]any `json:"creator"`
	Tracks          []any          `json:"tracks"`
	TrackIDs        []any          `json:"trackIds"`
	HotComments     []any          `json:"hotComments"`
}

// UserInfo describes a user profile.
type UserInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CreateTime    int64  `json:"createTime"`
	AvatarURL     string `json:"avatarUrl"`
	Birthday      int64  `json:"birthday"`
	Signature     string `json:"signature"`
	Followeds     int64  `json:"followeds"`
	Follows       int64  `json:"follows"`
	EventCount    int64  `json:"eventCount"`
	PlaylistCount int64  `json:"playlistCount"`
}

// ArtistInfo describes an artist page.
type ArtistInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PicURL    string `json:"picUrl"`
	Alias     []any  `json:"alias"`
	BriefDesc string `json:"briefDesc"`
	MusicSize int64  `json:"musicSize"`
	AlbumSize int64  `json:"albumSize"`
	MVSize    int64  `json:"mvSize"`
	HotSongs  []any  `json:"hotSongs"`
}

// MVInfo describes a music video.
type MVInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Desc         string `json:"desc"`
	Cover        string `json:"cover"`
	Artists      []any  `json:"artists"`
	Duration     int64  `json:"duration"`
	PublishTime  string `json:"publishTime"`
	PlayCount    int64  `json:"playCount"`
	SubCount     int64  `json:"subCount"`
	CommentCount int64  `json:"commentCount"`
	ShareCount   int64  `json:"shareCount"`
	HotComments  []any  `json:"hotComments"`
}

func (*SongInfo) Kind() Kind     { return KindSong }
func (*AlbumInfo) Kind() Kind    { return KindAlbum }
func (*PlaylistInfo) Kind() Kind { return KindPlaylist }
func (*UserInfo) Kind() Kind     { return KindUser }
func (*ArtistInfo) Kind() Kind   { return KindArtist }
func (*MVInfo) Kind() Kind       { return KindMV }

func (m *SongInfo) ResourceID() string     { return m.ID }
func (m *AlbumInfo) ResourceID() string    { return m.ID }
func (m *PlaylistInfo) ResourceID() string { return m.ID }
func (m *UserInfo) ResourceID() string     { return m.ID }
func (m *ArtistInfo) ResourceID() string   { return m.ID }
func (m *MVInfo) ResourceID() string       { return m.ID }

func (m *SongInfo) DisplayName() string     { return m.Name }
func (m *AlbumInfo) DisplayName() string    { return m.Name }
func (m *PlaylistInfo) DisplayName() string { return m.Name }
func (m *UserInfo) DisplayName() string     { return m.Name }
func (m *ArtistInfo) DisplayName() string   { return m.Name }
func (m *MVInfo) DisplayName() string       { return m.Name }

func (*SongInfo) sealed()     {}
func (*AlbumInfo) sealed()    {}
func (*PlaylistInfo) sealed() {}
func (*UserInfo) sealed()     {}
func (*ArtistInfo) sealed()   {}
func (*MVInfo) sealed()       {}
