// Package sources loads data source definitions from YAML or JSON seed files.
package sources

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/normalize"
)

// LoadFile reads and validates a seed file. JSON is accepted as YAML.
func LoadFile(path string) ([]model.DataSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sources: read %s", path)
	}
	out, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "sources: %s", path)
	}
	return out, nil
}

// Parse decodes a seed document. The document is either a list of sources
// or a mapping with a "sources" list. Each source uses the same keys as the
// stored data source, including the scraper_config wire shape; active
// defaults to true and scraping_frequency to weekly.
func Parse(data []byte) ([]model.DataSource, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "sources: decode")
	}

	var items []any
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	case map[string]any:
		list, ok := v["sources"].([]any)
		if !ok {
			return nil, eris.New("sources: document has no sources list")
		}
		items = list
	default:
		return nil, eris.Errorf("sources: unexpected document type %T", doc)
	}

	out := make([]model.DataSource, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		src, err := decodeOne(item)
		if err != nil {
			return nil, eris.Wrapf(err, "sources: entry %d", i)
		}
		// Names differing only in case, accents, or punctuation are duplicates.
		key := normalize.SlugKey(src.Name)
		if _, dup := seen[key]; dup {
			return nil, eris.Errorf("sources: entry %d: duplicate name %q", i, src.Name)
		}
		seen[key] = struct{}{}
		out = append(out, src)
	}
	return out, nil
}

// decodeOne round-trips the YAML node through JSON so the scraper_config
// rule shapes decode exactly as they do from the database.
func decodeOne(item any) (model.DataSource, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return model.DataSource{}, eris.Errorf("expected a mapping, got %T", item)
	}
	if _, set := m["active"]; !set {
		m["active"] = true
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return model.DataSource{}, eris.Wrap(err, "re-encode")
	}

	var src model.DataSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return model.DataSource{}, eris.Wrap(err, "decode")
	}
	src.Name = strings.TrimSpace(src.Name)
	src.Type = model.Kind(strings.ToLower(string(src.Type)))
	if src.Frequency == "" {
		src.Frequency = model.FrequencyWeekly
	}
	switch src.Frequency {
	case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly:
	default:
		return model.DataSource{}, eris.Errorf("data source %s: unknown scraping_frequency %q", src.Name, src.Frequency)
	}
	if err := src.Validate(); err != nil {
		return model.DataSource{}, err
	}
	return src, nil
}
