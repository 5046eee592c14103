package extract

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/model"
)

// enrich replaces name-lookup fields (park_name, artist_name, ...) with the
// id of the matching production row. A miss or a lookup error leaves the
// reference unset; the record is kept either way.
func (e *Engine) enrich(ctx context.Context, kind model.Kind, rec model.Record, log *zap.Logger) {
	fields := make([]string, 0, len(model.LookupFields))
	for f := range model.LookupFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		raw, ok := rec[field]
		if !ok {
			continue
		}
		delete(rec, field)

		ref := model.LookupFields[field]
		if !hasColumn(kind, ref) || e.lookup == nil {
			continue
		}
		if _, set := rec[ref]; set {
			continue
		}
		name, isString := raw.(string)
		if !isString {
			if raw == nil {
				continue
			}
			name = fmt.Sprint(raw)
		}
		target, _ := model.LookupKind(ref)

		id, found, err := e.lookup.FindProductionID(ctx, target, name)
		if err != nil {
			log.Warn("extract: reference lookup failed",
				zap.String("field", field),
				zap.String("name", name),
				zap.Error(err),
			)
			continue
		}
		if found {
			rec[ref] = id
		}
	}
}

func hasColumn(kind model.Kind, col string) bool {
	for _, c := range model.Schema(kind) {
		if c.Name == col {
			return true
		}
	}
	return false
}
