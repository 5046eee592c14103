package extract

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stagegate/internal/fetcher"
	"github.com/sells-group/stagegate/internal/model"
)

func TestStrategyFor(t *testing.T) {
	named := map[string]model.Rule{"name": {Selector: "h1"}}

	t.Run("direct list", func(t *testing.T) {
		s, err := StrategyFor(model.KindArtist, &model.ScraperConfig{Type: model.StrategyDirectList, URLs: []string{"https://a.test"}, Selectors: named}, "")
		require.NoError(t, err)
		assert.Equal(t, DirectList{URLs: []string{"https://a.test"}}, s)
	})

	t.Run("list page", func(t *testing.T) {
		s, err := StrategyFor(model.KindVenue, &model.ScraperConfig{
			Type: model.StrategyListPage, ListPageURL: "https://v.test", ListItemSelector: "a", Selectors: named,
			ExcludePaths: []string{"/News/*"},
		}, "")
		require.NoError(t, err)
		lp, ok := s.(ListPage)
		require.True(t, ok)
		assert.Equal(t, "https://v.test", lp.ListURL)
		assert.Equal(t, []string{"/news/*"}, lp.Exclude.Patterns())
	})

	t.Run("api falls back to source url", func(t *testing.T) {
		s, err := StrategyFor(model.KindPark, &model.ScraperConfig{
			Type: model.StrategyAPIEndpoint, JSONPath: "data.items",
			Mapping: map[string]string{"name": "title", "city": "location.city"},
		}, "https://p.test/api")
		require.NoError(t, err)
		api, ok := s.(APIEndpoint)
		require.True(t, ok)
		assert.Equal(t, "https://p.test/api", api.URL)
		assert.Equal(t, "data.items", api.Root.String())
		require.Len(t, api.Mapping, 2)
		assert.Equal(t, "city", api.Mapping[0].Field)
		assert.Equal(t, "name", api.Mapping[1].Field)
	})

	tests := []struct {
		name string
		cfg  *model.ScraperConfig
		want error
	}{
		{"nil config", nil, ErrMissingRules},
		{"unknown type", &model.ScraperConfig{Type: "sitemap"}, ErrUnknownStrategy},
		{"direct list without urls", &model.ScraperConfig{Type: model.StrategyDirectList, Selectors: named}, ErrMissingRules},
		{"list page without selector", &model.ScraperConfig{Type: model.StrategyListPage, ListPageURL: "https://x", Selectors: named}, ErrMissingRules},
		{"no name selector", &model.ScraperConfig{Type: model.StrategyDirectList, URLs: []string{"https://x"}}, ErrMissingRules},
		{"api without name mapping", &model.ScraperConfig{Type: model.StrategyAPIEndpoint, APIURL: "https://x", Mapping: map[string]string{"city": "c"}}, ErrMissingRules},
		{"api without url", &model.ScraperConfig{Type: model.StrategyAPIEndpoint, Mapping: map[string]string{"name": "n"}}, ErrMissingRules},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := StrategyFor(model.KindPark, tt.cfg, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
		})
	}
}

func TestPathMatcher(t *testing.T) {
	m := NewPathMatcher([]string{"/tags/*", "*.pdf", " "})
	assert.Equal(t, []string{"/tags/*", "*.pdf"}, m.Patterns())

	tests := []struct {
		url  string
		want bool
	}{
		{"https://a.test/tags/rock", true},
		{"https://a.test/tags/rock/page/2", true},
		{"https://a.test/TAGS", true},
		{"https://a.test/artists/one", false},
		{"https://a.test/tagsmith", false},
		{"://bad", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.IsExcluded(tt.url), tt.url)
	}

	var none *PathMatcher
	assert.False(t, none.IsExcluded("https://a.test/tags/rock"))
	assert.False(t, NewPathMatcher(nil).IsExcluded("https://a.test/anything"))
}

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		body   string
		want   BlockType
	}{
		{"clean page", nil, "<h1>The Band</h1>", BlockNone},
		{"cf header", http.Header{"Cf-Mitigated": []string{"challenge"}}, "", BlockCloudflare},
		{"cf body", nil, "Checking your browser before accessing", BlockCloudflare},
		{"small captcha", nil, `<div class="g-recaptcha"></div>`, BlockCaptcha},
		{"large page with captcha form", nil, strings.Repeat("x", smallPage) + "recaptcha", BlockNone},
		{"js shell", nil, "<noscript>Please enable JavaScript</noscript>", BlockJSShell},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectBlock(&fetcher.Response{Header: tt.header, Body: []byte(tt.body)}))
		})
	}
	assert.Equal(t, BlockNone, DetectBlock(nil))
}

func TestResolve(t *testing.T) {
	base, _ := url.Parse("https://site.test/events/list")
	tests := []struct {
		ref, want string
	}{
		{"/img/a.jpg", "https://site.test/img/a.jpg"},
		{"detail/1", "https://site.test/events/detail/1"},
		{"//cdn.test/x.png", "https://cdn.test/x.png"},
		{"https://other.test/a#frag", "https://other.test/a"},
		{"#top", ""},
		{"javascript:void(0)", ""},
		{"  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolve(base, tt.ref), tt.ref)
	}
}

func TestExtractPage_ImagesAndAttrs(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
<div class="venue">
  <h2>The Hall</h2>
  <figure class="photo"><img src="data:image/gif;base64,R0l" data-src="/lazy/hall.jpg"></figure>
  <span class="cap" data-capacity="1,200">big</span>
  <div class="tickets"><a href="/buy">Buy</a></div>
</div>`))
	require.NoError(t, err)
	base, _ := url.Parse("https://v.test/venues/hall")

	rec := extractPage(doc, base, &model.ScraperConfig{Selectors: map[string]model.Rule{
		"name":       {Selector: "h2"},
		"image":      {Selector: "figure.photo"},
		"capacity":   {Selector: ".cap", Attr: "data-capacity"},
		"ticket_url": {Selector: ".tickets"},
		"city":       {Selector: ".missing"},
	}})

	assert.Equal(t, model.Record{
		"name":       "The Hall",
		"image_url":  "https://v.test/lazy/hall.jpg",
		"capacity":   "1,200",
		"ticket_url": "https://v.test/buy",
	}, rec)
}

func TestSkipString(t *testing.T) {
	s := Skip{Source: "blog", Kind: model.KindArtist, Stage: StageFetch, URL: "https://a.test", Reason: ReasonFetchFailed, Err: errors.New("boom")}
	assert.Equal(t, "blog/artist fetch: fetch_failed https://a.test: boom", s.String())
}
