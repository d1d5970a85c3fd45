package ncmlink

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ncmparse/pkg/ncmerr"
	"ncmparse/pkg/text"
)

// DefaultMaxDepth bounds how many short link hops a single parse follows.
const DefaultMaxDepth = 5

// Parse outcomes reported to the ParseRecorder.
const (
	OutcomeOK     = "ok"
	OutcomeCached = "cached"
	OutcomeError  = "error"
)

// Cache stores fetched models by reference.
type Cache interface {
	Get(ref Reference) (Model, bool)
	Add(ref Reference, model Model)
}

// ParseRecorder receives one observation per parse.
type ParseRecorder interface {
	RecordParse(kind, outcome string, duration time.Duration)
}

// Extractor finds a link in free text.
type Extractor interface {
	Extract(text string) (string, bool)
}

// Parser turns links into models: resolve, classify, follow short links, then fetch.
// It is safe for concurrent use when its collaborators are.
type Parser struct {
	resolver   Resolver
	classifier *Classifier
	fetcher    Fetcher
	extractor  Extractor
	cache      Cache
	recorder   ParseRecorder
	maxDepth   int
	logger     *zap.Logger
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithMaxDepth sets the short link hop limit.
func WithMaxDepth(depth int) ParserOption {
	return func(p *Parser) {
		if depth > 0 {
			p.maxDepth = depth
		}
	}
}

// WithCache serves repeated references from cache.
func WithCache(cache Cache) ParserOption {
	return func(p *Parser) {
		p.cache = cache
	}
}

// WithExtractor replaces the text extractor used by ParseText.
func WithExtractor(extractor Extractor) ParserOption {
	return func(p *Parser) {
		if extractor != nil {
			p.extractor = extractor
		}
	}
}

// WithParseRecorder attaches a recorder for parse outcomes.
func WithParseRecorder(recorder ParseRecorder) ParserOption {
	return func(p *Parser) {
		p.recorder = recorder
	}
}

// NewParser wires the pipeline together.
func NewParser(resolver Resolver, classifier *Classifier, fetcher Fetcher, logger *zap.Logger, opts ...ParserOption) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Parser{
		resolver:   resolver,
		classifier: classifier,
		fetcher:    fetcher,
		extractor:  text.NewExtractor(nil, nil),
		maxDepth:   DefaultMaxDepth,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseText extracts the first supported link from text and parses it.
func (p *Parser) ParseText(ctx context.Context, message string) (Model, error) {
	link, ok := p.extractor.Extract(message)
	if !ok {
		return nil, ncmerr.New(ncmerr.ErrUnsupportedURL, "no supported link in text")
	}
	return p.Parse(ctx, link)
}

// Parse returns the model behind rawURL. Errors are *ncmerr.Error values.
func (p *Parser) Parse(ctx context.Context, rawURL string) (Model, error) {
	start := time.Now()
	rawURL = strings.TrimSpace(rawURL)

	p.logger.Debug("Parsing link", zap.String("url", rawURL))

	model, outcome, err := p.parse(ctx, rawURL)

	kind := KindUnknown
	if model != nil {
		kind = model.Kind()
	}
	if err != nil {
		outcome = OutcomeError
		p.logger.Info("Failed to parse link",
			zap.String("url", rawURL),
			zap.Error(err))
	} else {
		p.logger.Info("Parsed link",
			zap.String("url", rawURL),
			zap.String("kind", kind.String()),
			zap.String("id", model.ResourceID()),
			zap.String("outcome", outcome))
	}
	if p.recorder != nil {
		p.recorder.RecordParse(kind.String(), outcome, time.Since(start))
	}

	return model, err
}

func (p *Parser) parse(ctx context.Context, current string) (Model, string, error) {
	for depth := 0; ; depth++ {
		if depth > p.maxDepth {
			return nil, "", ncmerr.New(ncmerr.ErrShortLink, "too many short link hops").
				WithContext("url", current, "max_depth", strconv.Itoa(p.maxDepth))
		}

		ref, err := p.classify(ctx, current)
		if err != nil {
			return nil, "", err
		}

		if ref.Kind == KindShortLink {
			next := p.resolver.Resolve(ctx, current)
			if next == current {
				return nil, "", ncmerr.New(ncmerr.ErrShortLink, "short link did not resolve").
					WithContext("url", current)
			}
			p.logger.Debug("Following short link",
				zap.String("url", current),
				zap.String("resolved", next),
				zap.Int("depth", depth+1))
			current = next
			continue
		}

		return p.fetch(ctx, ref)
	}
}

// classify resolves current and classifies the result, falling back to current itself.
func (p *Parser) classify(ctx context.Context, current string) (Reference, error) {
	final := p.resolver.Resolve(ctx, current)

	ref, err := p.classifier.Classify(final)
	if err == nil {
		return ref, nil
	}
	if final == current {
		return Reference{}, err
	}

	p.logger.Debug("Resolved link not recognized, trying original",
		zap.String("url", current),
		zap.String("resolved", final))

	ref, fallbackErr := p.classifier.Classify(current)
	if fallbackErr != nil {
		return Reference{}, ncmerr.Wrap(ncmerr.ErrURLParse, "cannot determine resource from url", fallbackErr).
			WithContext("original_url", current, "final_url", final)
	}
	return ref, nil
}

func (p *Parser) fetch(ctx context.Context, ref Reference) (Model, string, error) {
	if p.cache != nil {
		if model, ok := p.cache.Get(ref); ok {
			return model, OutcomeCached, nil
		}
	}

	model, err := p.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, "", err
	}

	if p.cache != nil {
		p.cache.Add(ref, model)
	}
	return model, OutcomeOK, nil
}
