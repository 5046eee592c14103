package normalize

import "github.com/sells-group/stagegate/internal/model"

// Deduplicate keeps the first item for each key, preserving order. Items whose
// key is absent (ok == false) never collide with anything and are all kept.
func Deduplicate[T any](items []T, key func(T) (string, bool)) []T {
	if len(items) == 0 {
		return items
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k, ok := key(it)
		if !ok {
			out = append(out, it)
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// DeduplicateRecords drops records whose field value repeats an earlier one.
// Nil or empty values count as absent.
func DeduplicateRecords(records []model.Record, field string) []model.Record {
	return Deduplicate(records, func(r model.Record) (string, bool) {
		return RecordKey(r, field)
	})
}

// RecordKey returns the exact string value of field, or false when it is
// missing, nil, or an empty string.
func RecordKey(r model.Record, field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", false
	}
	s, isStr := v.(string)
	if !isStr {
		return "", false
	}
	if s == "" {
		return "", false
	}
	return s, true
}
