package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/normalize"
)

func (j *job) apiEndpoint(ctx context.Context, s APIEndpoint) {
	resp, ok := j.get(ctx, s.URL, s.Headers)
	if !ok {
		return
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		j.skip(StageParse, s.URL, ReasonParseFailed, eris.Wrap(err, "extract: decode json"))
		return
	}

	root := body
	if len(s.Root) > 0 {
		v, found := s.Root.Lookup(body)
		if !found {
			j.skip(StageParse, s.URL, ReasonParseFailed, eris.Errorf("extract: jsonPath %s not found", s.Root))
			return
		}
		root = v
	}

	var items []any
	switch v := root.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	default:
		j.skip(StageParse, s.URL, ReasonParseFailed, eris.Errorf("extract: jsonPath selects %T, want array or object", root))
		return
	}

	format := normalize.ParseDateFormat(j.cfg.DateFormat)
	for i, item := range items {
		rec := mapItem(item, s.Mapping)
		finishRecord(rec, format)
		if rec.Name() == "" {
			j.skip(StageRecord, fmt.Sprintf("%s#%d", s.URL, i), ReasonMissingName, nil)
			continue
		}
		j.keep(rec, s.URL)
	}
}

// mapItem resolves each mapped path inside one API item. Missing paths leave
// the field absent.
func mapItem(item any, mapping []FieldPath) model.Record {
	rec := make(model.Record, len(mapping))
	for _, fp := range mapping {
		v, ok := fp.Path.Lookup(item)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if c := normalize.CleanText(t); c != "" {
				rec[fp.Field] = c
			}
		case json.Number:
			if n, err := t.Int64(); err == nil {
				rec[fp.Field] = n
			} else if f, err := t.Float64(); err == nil {
				rec[fp.Field] = f
			}
		default:
			rec[fp.Field] = t
		}
	}
	return rec
}
