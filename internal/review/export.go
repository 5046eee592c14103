package review

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/store"
)

// MaxListLimit caps one listing page.
const MaxListLimit = 500

// ExportRow is one staged row as written to CSV. Fields holds the full
// record as JSON since the columns differ per kind.
type ExportRow struct {
	ID          string    `csv:"id"`
	Kind        string    `csv:"kind"`
	Name        string    `csv:"name"`
	Status      string    `csv:"status"`
	SourceURL   string    `csv:"source_url"`
	ReviewNotes string    `csv:"review_notes,omitempty"`
	CreatedAt   time.Time `csv:"created_at"`
	Fields      string    `csv:"fields"`
}

// List returns staged rows for table filtered by status ("" for all).
func (s *Service) List(ctx context.Context, table, status string, limit, offset int) ([]model.StagedEntity, error) {
	kind, err := model.ParseKind(table)
	if err != nil {
		return nil, invalid(fmt.Sprintf("unknown table %q", table))
	}
	filter := store.StagedFilter{Limit: limit, Offset: offset}
	if status != "" {
		st, ok := model.ParseReviewStatus(status)
		if !ok {
			return nil, invalid(fmt.Sprintf("unknown status %q", status))
		}
		filter.Status = st
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	rows, err := s.store.ListStaged(ctx, kind, filter)
	if err != nil {
		return nil, storeErr(StepLoad, err)
	}
	return rows, nil
}

// ExportCSV writes up to limit staged rows of kind with the given status to w
// and returns how many were written. The header is always written.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, kind model.Kind, status model.ReviewStatus, limit int) (int, error) {
	rows, err := s.store.ListStaged(ctx, kind, store.StagedFilter{Status: status, Limit: limit})
	if err != nil {
		return 0, eris.Wrapf(err, "review: list %s", kind.StagingTable())
	}

	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(ExportRow{}); err != nil {
		return 0, eris.Wrap(err, "review: write csv header")
	}
	for _, r := range rows {
		row, err := toExportRow(r)
		if err != nil {
			return 0, err
		}
		if err := enc.Encode(row); err != nil {
			return 0, eris.Wrapf(err, "review: encode %s", r.ID)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, eris.Wrap(err, "review: flush csv")
	}
	return len(rows), nil
}

func toExportRow(e model.StagedEntity) (ExportRow, error) {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return ExportRow{}, eris.Wrapf(err, "review: encode fields of %s", e.ID)
	}
	row := ExportRow{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Name:      e.Fields.Name(),
		Status:    string(e.Status),
		SourceURL: e.SourceURL,
		CreatedAt: e.CreatedAt.UTC(),
		Fields:    string(fields),
	}
	if e.ReviewNotes != nil {
		row.ReviewNotes = *e.ReviewNotes
	}
	return row, nil
}
