// Package ncmerr defines the error taxonomy shared by the parsing pipeline.
//
// Every failure surfaced by the pipeline is an *Error whose Kind is one of the
// sentinel kinds below. Kinds belong to one of three categories (ErrURL,
// ErrNetwork, ErrResource) so callers can match either precisely or broadly:
//
//	if errors.Is(err, ncmerr.ErrRateLimit) { ... }
//	if errors.Is(err, ncmerr.ErrNetwork) { ... }
package ncmerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Categories.
var (
	ErrURL      = errors.New("url error")
	ErrNetwork  = errors.New("network error")
	ErrResource = errors.New("resource error")
)

// URL kinds.
var (
	// ErrURLParse is returned when no resource can be determined from a URL.
	ErrURLParse = errors.New("url parse error")
	// ErrUnsupportedURL is returned when no matcher recognizes the URL shape.
	// It also matches ErrURLParse.
	ErrUnsupportedURL = errors.New("unsupported url")
	// ErrShortLink is returned when short link resolution makes no progress
	// or exceeds the depth bound.
	ErrShortLink = errors.New("short link error")
)

// Network kinds.
var (
	ErrRequest   = errors.New("request error")
	ErrResponse  = errors.New("response error")
	ErrRateLimit = errors.New("rate limited")
)

// Resource kinds.
var (
	ErrResourceFetch = errors.New("resource fetch error")
	ErrMapping       = errors.New("mapping error")
)

var categories = map[error]error{
	ErrURLParse:       ErrURL,
	ErrUnsupportedURL: ErrURL,
	ErrShortLink:      ErrURL,
	ErrRequest:        ErrNetwork,
	ErrResponse:       ErrNetwork,
	ErrRateLimit:      ErrNetwork,
	ErrResourceFetch:  ErrResource,
	ErrMapping:        ErrResource,
}

// Error is a pipeline failure with a kind, diagnostic context and an optional cause.
type Error struct {
	Kind    error
	Message string
	Context map[string]string
	Cause   error

	// RetryAfter is set on ErrRateLimit errors.
	RetryAfter time.Duration
}

// New creates an error of the given kind.
func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message, Context: make(map[string]string)}
}

// Wrap creates an error of the given kind chained to cause.
func Wrap(kind error, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// WithContext adds key/value pairs to the diagnostic context and returns e.
// Odd trailing keys are ignored.
func (e *Error) WithContext(kv ...string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Context[kv[i]] = kv[i+1]
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(e.Message)
	if b.Len() == 0 && e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Context[k])
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, ", "))
	}

	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the error's own kind, its category, and ErrURLParse for unsupported URLs.
func (e *Error) Is(target error) bool {
	if e == nil || e.Kind == nil {
		return false
	}
	if target == e.Kind || target == categories[e.Kind] {
		return true
	}
	return e.Kind == ErrUnsupportedURL && target == ErrURLParse
}

// KindOf returns the kind of the outermost *Error in err's chain, or nil.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// RetryAfter returns the retry hint carried by a rate limit error in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return 0, false
		}
		if e.Kind == ErrRateLimit {
			return e.RetryAfter, true
		}
		err = e.Cause
	}
	return 0, false
}
