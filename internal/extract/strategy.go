package extract

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stagegate/internal/jsonpath"
	"github.com/sells-group/stagegate/internal/model"
)

var (
	// ErrMissingRules means the source has no usable ruleset for the kind.
	ErrMissingRules = eris.New("extract: missing rules")
	// ErrUnknownStrategy means the config names a strategy this engine lacks.
	ErrUnknownStrategy = eris.New("extract: unknown strategy")
)

// Strategy is one of DirectList, ListPage, or APIEndpoint.
type Strategy interface {
	strategy()
}

// DirectList fetches each configured detail page.
type DirectList struct {
	URLs []string
}

// ListPage discovers detail pages from one listing page.
type ListPage struct {
	ListURL      string
	ItemSelector string
	Exclude      *PathMatcher
}

// APIEndpoint issues one GET and maps JSON items to records.
type APIEndpoint struct {
	URL     string
	Headers map[string]string
	Root    jsonpath.Path
	Mapping []FieldPath
}

// FieldPath maps one output field to a path inside an API item.
type FieldPath struct {
	Field string
	Path  jsonpath.Path
}

func (DirectList) strategy()  {}
func (ListPage) strategy()    {}
func (APIEndpoint) strategy() {}

// StrategyFor builds the strategy for cfg. fallbackURL is used as the API
// target when the config does not name one.
func StrategyFor(kind model.Kind, cfg *model.ScraperConfig, fallbackURL string) (Strategy, error) {
	if cfg == nil {
		return nil, eris.Wrapf(ErrMissingRules, "no ruleset for %s", kind)
	}
	switch cfg.Type {
	case model.StrategyDirectList, model.StrategyListPage, model.StrategyAPIEndpoint:
	default:
		return nil, eris.Wrapf(ErrUnknownStrategy, "%q", cfg.Type)
	}
	if err := cfg.Validate(kind); err != nil {
		return nil, eris.Wrap(ErrMissingRules, err.Error())
	}

	switch cfg.Type {
	case model.StrategyDirectList:
		return DirectList{URLs: cfg.URLs}, nil
	case model.StrategyListPage:
		return ListPage{
			ListURL:      cfg.ListPageURL,
			ItemSelector: cfg.ListItemSelector,
			Exclude:      NewPathMatcher(cfg.ExcludePaths),
		}, nil
	default:
		return apiStrategy(cfg, fallbackURL)
	}
}

func apiStrategy(cfg *model.ScraperConfig, fallbackURL string) (Strategy, error) {
	target := cfg.APIURL
	if target == "" && len(cfg.URLs) > 0 {
		target = cfg.URLs[0]
	}
	if target == "" {
		target = fallbackURL
	}
	if target == "" {
		return nil, eris.Wrap(ErrMissingRules, "apiEndpoint has no url")
	}

	var root jsonpath.Path
	if cfg.JSONPath != "" {
		p, err := jsonpath.Parse(cfg.JSONPath)
		if err != nil {
			return nil, eris.Wrap(err, "extract: jsonPath")
		}
		root = p
	}

	fields := make([]string, 0, len(cfg.Mapping))
	for f := range cfg.Mapping {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	mapping := make([]FieldPath, 0, len(fields))
	for _, f := range fields {
		p, err := jsonpath.Parse(cfg.Mapping[f])
		if err != nil {
			return nil, eris.Wrapf(err, "extract: mapping %s", f)
		}
		mapping = append(mapping, FieldPath{Field: f, Path: p})
	}
	return APIEndpoint{URL: target, Headers: cfg.Headers, Root: root, Mapping: mapping}, nil
}
