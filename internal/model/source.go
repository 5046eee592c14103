package model

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DataSource is the configuration for one scrapeable origin. The pipeline
// only ever mutates LastScraped.
//
// ConfigErr is set when a stored scraper_config could not be decoded; Config
// is then empty and the source is skipped at extraction time.
type DataSource struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	URL         string        `json:"url"`
	Type        Kind          `json:"type"`
	Active      bool          `json:"active"`
	Config      ScraperConfig `json:"scraper_config"`
	LastScraped *time.Time    `json:"last_scraped,omitempty"`
	Frequency   Frequency     `json:"scraping_frequency"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ConfigErr   error         `json:"-"`
}

// Supplies reports whether the source should be consulted for kind.
func (d DataSource) Supplies(kind Kind) bool {
	return d.Type == kind || d.Type == KindMultiple
}

// Kinds returns the kinds the source claims to supply. A multi-kind source
// claims every kind with an entry in its per-kind config.
func (d DataSource) Kinds() []Kind {
	if d.Type != KindMultiple {
		return []Kind{d.Type}
	}
	var kinds []Kind
	for _, k := range AllKinds() {
		if _, ok := d.Config.Kinds[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Validate checks the source-level fields and that a ruleset exists for every
// kind the source supplies.
func (d DataSource) Validate() error {
	if d.ConfigErr != nil {
		return eris.Wrapf(d.ConfigErr, "data source %s", d.Name)
	}
	if strings.TrimSpace(d.Name) == "" {
		return eris.New("data source: name is required")
	}
	if d.Type != KindMultiple && !d.Type.Valid() {
		return eris.Errorf("data source %s: invalid type %q", d.Name, d.Type)
	}
	kinds := d.Kinds()
	if len(kinds) == 0 {
		return eris.Errorf("data source %s: multiple-kind source declares no kinds", d.Name)
	}
	for _, k := range kinds {
		if err := d.Config.RulesFor(k).Validate(k); err != nil {
			return eris.Wrapf(err, "data source %s", d.Name)
		}
	}
	return nil
}

// StrategyType names an extraction strategy in the persisted config.
type StrategyType string

const (
	StrategyDirectList  StrategyType = "directList"
	StrategyListPage    StrategyType = "listPage"
	StrategyAPIEndpoint StrategyType = "apiEndpoint"
)

// ScraperConfig is the persisted scraper_config JSON. Other tooling writes
// this shape, so every key except type is optional.
type ScraperConfig struct {
	Type             StrategyType      `json:"type"`
	Selectors        map[string]Rule   `json:"selectors,omitempty"`
	URLs             []string          `json:"urls,omitempty"`
	ListPageURL      string            `json:"listPageUrl,omitempty"`
	ListItemSelector string            `json:"listItemSelector,omitempty"`
	ExcludePaths     []string          `json:"excludePaths,omitempty"`
	APIURL           string            `json:"apiUrl,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	JSONPath         string            `json:"jsonPath,omitempty"`
	Mapping          map[string]string `json:"mapping,omitempty"`
	DateFormat       string            `json:"dateFormat,omitempty"`

	// Kinds holds per-kind overrides, required for multi-kind sources.
	Kinds map[Kind]*ScraperConfig `json:"kinds,omitempty"`
}

// RulesFor returns the config to use for kind, or nil when none exists.
// Per-kind entries inherit headers and date format from the parent.
func (c ScraperConfig) RulesFor(kind Kind) *ScraperConfig {
	if sub, ok := c.Kinds[kind]; ok && sub != nil {
		out := *sub
		if out.DateFormat == "" {
			out.DateFormat = c.DateFormat
		}
		if out.Headers == nil {
			out.Headers = c.Headers
		}
		return &out
	}
	if len(c.Kinds) > 0 || c.Type == "" {
		return nil
	}
	out := c
	out.Kinds = nil
	return &out
}

// Validate checks that c is a usable ruleset for kind. A nil config is invalid.
func (c *ScraperConfig) Validate(kind Kind) error {
	if c == nil {
		return eris.Errorf("scraper config: no ruleset for %s", kind)
	}
	switch c.Type {
	case StrategyDirectList:
		if len(c.URLs) == 0 {
			return eris.Errorf("scraper config: %s directList requires urls", kind)
		}
	case StrategyListPage:
		if c.ListPageURL == "" || c.ListItemSelector == "" {
			return eris.Errorf("scraper config: %s listPage requires listPageUrl and listItemSelector", kind)
		}
	case StrategyAPIEndpoint:
		if _, ok := c.Mapping["name"]; !ok {
			return eris.Errorf("scraper config: %s apiEndpoint mapping requires name", kind)
		}
		return nil
	default:
		return eris.Errorf("scraper config: %s has unknown type %q", kind, c.Type)
	}
	if _, ok := c.Selectors["name"]; !ok {
		return eris.Errorf("scraper config: %s selectors require name", kind)
	}
	return nil
}

// Rule is one field's extraction rule. Exactly one shape is set: a selector
// (scalar or list) or a map of platform name to nested rule.
type Rule struct {
	Selector string          `json:"selector,omitempty"`
	Attr     string          `json:"attr,omitempty"`
	Multiple bool            `json:"multiple,omitempty"`
	Map      map[string]Rule `json:"-"`
}

// IsMap reports whether the rule produces a platform→URL map.
func (r Rule) IsMap() bool {
	return len(r.Map) > 0
}

// UnmarshalJSON accepts "sel", ["sel"], {"selector": ...}, or {"platform": rule}.
func (r *Rule) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Rule{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return eris.Wrap(err, "rule: decode selector")
		}
		*r = Rule{Selector: s}
		return nil
	case '[':
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return eris.Wrap(err, "rule: decode list selector")
		}
		if len(list) == 0 {
			return eris.New("rule: empty list selector")
		}
		*r = Rule{Selector: strings.Join(list, ", "), Multiple: true}
		return nil
	case '{':
		var shape map[string]json.RawMessage
		if err := json.Unmarshal(data, &shape); err != nil {
			return eris.Wrap(err, "rule: decode object")
		}
		if _, ok := shape["selector"]; ok {
			type plain Rule
			var p plain
			if err := json.Unmarshal(data, &p); err != nil {
				return eris.Wrap(err, "rule: decode structured rule")
			}
			*r = Rule(p)
			return nil
		}
		m := make(map[string]Rule, len(shape))
		for k, raw := range shape {
			var sub Rule
			if err := sub.UnmarshalJSON(raw); err != nil {
				return eris.Wrapf(err, "rule: decode %s", k)
			}
			m[k] = sub
		}
		*r = Rule{Map: m}
		return nil
	default:
		return eris.Errorf("rule: unsupported JSON shape %q", string(data))
	}
}

// MarshalJSON writes the most compact shape that round-trips.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.IsMap() {
		keys := make([]string, 0, len(r.Map))
		for k := range r.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]Rule, len(keys))
		for _, k := range keys {
			m[k] = r.Map[k]
		}
		return json.Marshal(m)
	}
	if r.Attr == "" && !r.Multiple {
		return json.Marshal(r.Selector)
	}
	if r.Attr == "" && r.Multiple {
		return json.Marshal([]string{r.Selector})
	}
	type plain Rule
	return json.Marshal(plain(r))
}
