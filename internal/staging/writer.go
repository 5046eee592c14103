// Package staging persists extracted records into the per-kind staging
// tables in fixed-size batches.
package staging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/extract"
	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/resilience"
)

const (
	MinBatchSize     = 25
	MaxBatchSize     = 50
	DefaultBatchSize = MaxBatchSize
)

// Inserter is the store capability the writer needs.
type Inserter interface {
	InsertStaged(ctx context.Context, kind model.Kind, rows []model.StagedEntity) (int64, error)
}

// BatchError describes one batch that could not be written.
type BatchError struct {
	Batch int   `json:"batch"`
	Size  int   `json:"size"`
	Err   error `json:"-"`
}

// Report summarises one Write call.
type Report struct {
	Written     int          `json:"written"`
	Failed      int          `json:"failed"`
	Batches     int          `json:"batches"`
	BatchErrors []BatchError `json:"batch_errors,omitempty"`
}

// Writer stages records in batches. A failed batch is logged and skipped;
// earlier batches stay written and later batches are still attempted.
type Writer struct {
	store     Inserter
	batchSize int
	retry     resilience.RetryConfig
}

// NewWriter clamps batchSize to [MinBatchSize, MaxBatchSize]; zero means
// DefaultBatchSize.
func NewWriter(s Inserter, batchSize int) *Writer {
	switch {
	case batchSize <= 0:
		batchSize = DefaultBatchSize
	case batchSize < MinBatchSize:
		batchSize = MinBatchSize
	case batchSize > MaxBatchSize:
		batchSize = MaxBatchSize
	}
	return &Writer{
		store:     s,
		batchSize: batchSize,
		retry:     resilience.NewRetryConfig(3, 200*time.Millisecond),
	}
}

// BatchSize returns the effective batch size.
func (w *Writer) BatchSize() int { return w.batchSize }

// Write stages records for kind. Fields outside kind's schema are dropped.
func (w *Writer) Write(ctx context.Context, kind model.Kind, records []extract.Extracted) Report {
	log := zap.L().With(zap.String("component", "staging"), zap.String("kind", string(kind)))

	var rep Report
	for start := 0; start < len(records); start += w.batchSize {
		end := min(start+w.batchSize, len(records))
		batch := toStaged(kind, records[start:end])
		rep.Batches++
		n := rep.Batches

		if err := ctx.Err(); err != nil {
			rep.Failed += len(batch)
			rep.BatchErrors = append(rep.BatchErrors, BatchError{Batch: n, Size: len(batch), Err: eris.Wrap(err, "staging: not written")})
			continue
		}

		retry := w.retry
		retry.OnRetry = resilience.RetryLogger("staging", kind.StagingTable())
		err := resilience.Do(ctx, retry, func(ctx context.Context) error {
			_, err := w.store.InsertStaged(ctx, kind, batch)
			return err
		})
		if err != nil {
			rep.Failed += len(batch)
			rep.BatchErrors = append(rep.BatchErrors, BatchError{Batch: n, Size: len(batch), Err: err})
			log.Error("staging: batch failed",
				zap.Int("batch", n),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
			continue
		}
		rep.Written += len(batch)
	}

	log.Info("staging complete",
		zap.Int("written", rep.Written),
		zap.Int("failed", rep.Failed),
		zap.Int("batches", rep.Batches),
	)
	return rep
}

// toStaged assigns ids up front so a retried batch reuses them.
func toStaged(kind model.Kind, records []extract.Extracted) []model.StagedEntity {
	out := make([]model.StagedEntity, len(records))
	for i, r := range records {
		out[i] = model.StagedEntity{
			ID:        uuid.New().String(),
			Kind:      kind,
			Fields:    model.Project(kind, r.Record),
			SourceURL: r.SourceURL,
			Status:    model.StatusPending,
		}
	}
	return out
}
