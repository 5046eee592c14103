// Package store persists scraping runs, data sources, staged entities, and
// production entities in Postgres or SQLite.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/model"
)

var (
	// ErrNotFound is returned when a run, source, or staged row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrRunFinished is returned when updating a run that is already terminal.
	ErrRunFinished = eris.New("store: run already finished")
)

// RunFilter selects runs for listing. Zero values mean no filter.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// SourceFilter selects data sources. Kind matches sources of that type and
// sources of type multiple.
type SourceFilter struct {
	ActiveOnly bool
	Kind       model.Kind
}

// StagedFilter selects staged rows for listing.
type StagedFilter struct {
	Status model.ReviewStatus
	Limit  int
	Offset int
}

// Lookup resolves a production entity id by case-insensitive name.
type Lookup interface {
	FindProductionID(ctx context.Context, kind model.Kind, name string) (string, bool, error)
}

// Store is the persistence capability injected into the orchestrator,
// extraction engine, and review state machine.
type Store interface {
	Lookup

	// Runs
	CreateRun(ctx context.Context) (*model.ScrapingRun, error)
	GetRun(ctx context.Context, id string) (*model.ScrapingRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error)
	UpdateRun(ctx context.Context, id string, upd model.RunUpdate) error

	// Data sources
	ListDataSources(ctx context.Context, filter SourceFilter) ([]model.DataSource, error)
	UpsertDataSources(ctx context.Context, sources []model.DataSource) (int64, error)
	TouchLastScraped(ctx context.Context, ids []string, at time.Time) error

	// Staging
	InsertStaged(ctx context.Context, kind model.Kind, rows []model.StagedEntity) (int64, error)
	ListStaged(ctx context.Context, kind model.Kind, filter StagedFilter) ([]model.StagedEntity, error)

	// Production
	ListProduction(ctx context.Context, kind model.Kind, limit int) ([]model.Record, error)

	// InTx runs fn in a single transaction, committing if it returns nil
	// and rolling back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the set of operations available inside InTx.
type Tx interface {
	GetStaged(ctx context.Context, kind model.Kind, id string) (*model.StagedEntity, error)
	SetStagedStatus(ctx context.Context, kind model.Kind, id string, status model.ReviewStatus, notes *string) error
	// InsertProduction writes rec as a new production row. createdAt keeps
	// the staged row's creation time; zero means now.
	InsertProduction(ctx context.Context, kind model.Kind, rec model.Record, createdAt time.Time) (string, error)
}

// decodeSourceConfig decodes a stored scraper_config. A row that does not
// decode keeps an empty Config and carries the error in ConfigErr so one
// bad row never hides the others.
func decodeSourceConfig(d *model.DataSource, raw []byte) {
	if err := json.Unmarshal(raw, &d.Config); err != nil {
		d.Config = model.ScraperConfig{}
		d.ConfigErr = eris.Wrapf(err, "decode scraper_config for %s", d.Name)
		zap.L().With(zap.String("component", "store")).Warn("undecodable scraper_config",
			zap.String("source", d.Name),
			zap.Error(err),
		)
	}
}
