// Package extract turns one data source's scraper config into raw entity
// records using the directList, listPage, or apiEndpoint strategy.
package extract

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/fetcher"
	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/resilience"
	"github.com/sells-group/stagegate/internal/store"
)

// DefaultListPageDelay is the minimum spacing between list-page detail
// fetches against one host.
const DefaultListPageDelay = time.Second

// Options configures an Engine.
type Options struct {
	// ListPageDelay spaces listing and detail fetches per host. Zero uses
	// DefaultListPageDelay.
	ListPageDelay time.Duration
}

// Engine extracts records from sources. It is safe for concurrent use; the
// list-page spacing is shared across all callers, per host.
type Engine struct {
	fetch  fetcher.Fetcher
	lookup store.Lookup
	detail *fetcher.HostLimiter
}

// NewEngine builds an engine. lookup may be nil, in which case reference
// enrichment is skipped.
func NewEngine(f fetcher.Fetcher, lookup store.Lookup, opts Options) *Engine {
	delay := opts.ListPageDelay
	if delay <= 0 {
		delay = DefaultListPageDelay
	}
	return &Engine{
		fetch:  f,
		lookup: lookup,
		detail: fetcher.NewHostLimiter(delay, 1),
	}
}

// job is the state of one Extract call.
type job struct {
	e    *Engine
	src  model.DataSource
	kind model.Kind
	cfg  *model.ScraperConfig
	log  *zap.Logger
	res  Result
}

// Extract runs src's strategy for kind. It never fails: every problem is
// recorded as a Skip at the smallest unit that can be dropped.
func (e *Engine) Extract(ctx context.Context, src model.DataSource, kind model.Kind) Result {
	j := &job{
		e:    e,
		src:  src,
		kind: kind,
		cfg:  src.Config.RulesFor(kind),
		log: zap.L().With(
			zap.String("component", "extract"),
			zap.String("source", src.Name),
			zap.String("kind", string(kind)),
		),
	}

	if src.ConfigErr != nil {
		j.skip(StageConfig, src.URL, ReasonInvalidRules, src.ConfigErr)
		return j.res
	}

	strat, err := StrategyFor(kind, j.cfg, src.URL)
	if err != nil {
		reason := ReasonMissingRules
		if !errors.Is(err, ErrMissingRules) && !errors.Is(err, ErrUnknownStrategy) {
			reason = ReasonInvalidRules
		}
		j.skip(StageConfig, src.URL, reason, err)
		return j.res
	}

	switch s := strat.(type) {
	case DirectList:
		j.directList(ctx, s)
	case ListPage:
		j.listPage(ctx, s)
	case APIEndpoint:
		j.apiEndpoint(ctx, s)
	default:
		j.skip(StageConfig, src.URL, ReasonMissingRules, eris.Wrapf(ErrUnknownStrategy, "%T", strat))
		return j.res
	}

	for i := range j.res.Records {
		e.enrich(ctx, kind, j.res.Records[i].Record, j.log)
	}

	j.log.Debug("extraction finished",
		zap.Int("records", len(j.res.Records)),
		zap.Int("skips", len(j.res.Skips)),
	)
	return j.res
}

func (j *job) skip(stage Stage, rawURL string, reason Reason, err error) {
	s := Skip{Source: j.src.Name, Kind: j.kind, Stage: stage, URL: rawURL, Reason: reason, Err: err}
	j.res.Skips = append(j.res.Skips, s)
	fields := []zap.Field{zap.String("stage", string(stage)), zap.String("reason", string(reason))}
	if rawURL != "" {
		fields = append(fields, zap.String("url", rawURL))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	j.log.Warn("extract: skipped", fields...)
}

func (j *job) keep(rec model.Record, sourceURL string) {
	j.res.Records = append(j.res.Records, Extracted{Record: rec, SourceURL: sourceURL})
}

func (j *job) directList(ctx context.Context, s DirectList) {
	base, _ := url.Parse(j.src.URL)
	for i, raw := range s.URLs {
		if ctx.Err() != nil {
			j.cancelled(ctx, s.URLs[i:])
			return
		}
		target := resolve(base, raw)
		if target == "" {
			j.skip(StageFetch, raw, ReasonBadURL, eris.Errorf("extract: %q is not an http(s) url", raw))
			continue
		}
		j.detailPage(ctx, target)
	}
}

func (j *job) listPage(ctx context.Context, s ListPage) {
	base, _ := url.Parse(j.src.URL)
	listURL := resolve(base, s.ListURL)
	if listURL == "" {
		j.skip(StageFetch, s.ListURL, ReasonBadURL, eris.Errorf("extract: %q is not an http(s) url", s.ListURL))
		return
	}

	if err := j.e.detail.WaitHost(ctx, listURL); err != nil {
		j.cancelled(ctx, []string{listURL})
		return
	}
	doc, page, ok := j.fetchDocument(ctx, listURL)
	if !ok {
		return
	}

	urls := discoverLinks(doc, page, s.ItemSelector, s.Exclude)
	j.log.Info("list page discovered detail pages",
		zap.String("url", listURL),
		zap.Int("links", len(urls)),
		zap.Strings("exclude", s.Exclude.Patterns()),
	)
	if len(urls) == 0 {
		j.skip(StageParse, listURL, ReasonParseFailed, eris.Errorf("extract: selector %q matched no links", s.ItemSelector))
		return
	}

	for i, u := range urls {
		if err := j.e.detail.WaitHost(ctx, u); err != nil {
			j.cancelled(ctx, urls[i:])
			return
		}
		j.detailPage(ctx, u)
	}
}

// discoverLinks returns absolute detail URLs in document order, without
// duplicates or excluded paths.
func discoverLinks(doc *goquery.Document, page *url.URL, itemSelector string, exclude *PathMatcher) []string {
	var out []string
	seen := make(map[string]struct{})
	doc.Find(itemSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			href, ok = s.Find("a[href]").First().Attr("href")
		}
		if !ok {
			return
		}
		abs := resolve(page, href)
		if abs == "" || exclude.IsExcluded(abs) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// detailPage fetches one page and applies the selector rules to it.
func (j *job) detailPage(ctx context.Context, pageURL string) {
	doc, page, ok := j.fetchDocument(ctx, pageURL)
	if !ok {
		return
	}
	rec := extractPage(doc, page, j.cfg)
	if rec.Name() == "" {
		j.skip(StageRecord, pageURL, ReasonMissingName, nil)
		return
	}
	j.keep(rec, pageURL)
}

// fetchDocument fetches and parses an HTML page, recording a skip on any
// failure. The returned URL is the final URL after redirects.
func (j *job) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, bool) {
	resp, ok := j.get(ctx, pageURL, j.cfg.Headers)
	if !ok {
		return nil, nil, false
	}
	if block := DetectBlock(resp); block != BlockNone {
		j.skip(StageFetch, pageURL, ReasonBlocked, eris.Errorf("extract: %s interstitial", block))
		return nil, nil, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		j.skip(StageParse, pageURL, ReasonParseFailed, eris.Wrap(err, "extract: parse html"))
		return nil, nil, false
	}
	final := resp.FinalURL
	if final == "" {
		final = pageURL
	}
	page, err := url.Parse(final)
	if err != nil {
		page, _ = url.Parse(pageURL)
	}
	return doc, page, true
}

func (j *job) get(ctx context.Context, target string, headers map[string]string) (*fetcher.Response, bool) {
	resp, err := j.e.fetch.Fetch(ctx, fetcher.Request{URL: target, Headers: headers})
	if err == nil {
		return resp, true
	}
	switch {
	case ctx.Err() != nil:
		j.skip(StageFetch, target, ReasonCancelled, err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		j.skip(StageFetch, target, ReasonCircuitOpen, err)
	default:
		j.skip(StageFetch, target, ReasonFetchFailed, err)
	}
	return nil, false
}

// cancelled records one skip for the first unvisited URL and stops.
func (j *job) cancelled(ctx context.Context, remaining []string) {
	var next string
	if len(remaining) > 0 {
		next = remaining[0]
	}
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	j.skip(StageFetch, next, ReasonCancelled, eris.Wrapf(err, "extract: %d urls not fetched", len(remaining)))
}
