package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/stagegate/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local runs
// and end-to-end tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
// An in-memory dsn is limited to one connection so every caller sees the
// same database.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: utcNow}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, runsDDL(dialectSQLite)+entityDDL(dialectSQLite))
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqlitePlaceholder(int) string { return "?" }

// --- runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.ScrapingRun, error) {
	run := &model.ScrapingRun{
		ID:        uuid.New().String(),
		StartTime: s.now(),
		Status:    model.RunRunning,
		Counts:    map[model.Kind]int{},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scraping_runs (id, start_time, status) VALUES (?, ?, ?)`,
		run.ID, run.StartTime, string(run.Status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.ScrapingRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(runColumns(), ", ")+` FROM scraping_runs WHERE id = ?`,
		id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error) {
	query := `SELECT ` + strings.Join(runColumns(), ", ") + ` FROM scraping_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY start_time DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.ScrapingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, id string, upd model.RunUpdate) error {
	sets, args := runUpdateSets(upd, sqlitePlaceholder)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_runs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scraping_runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check run %s", id)
	}
	return eris.Wrapf(ErrRunFinished, "sqlite: run %s is %s", id, status)
}

// --- data sources ---

func (s *SQLiteStore) ListDataSources(ctx context.Context, filter SourceFilter) ([]model.DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE 1=1`
	var args []any
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	if filter.Kind != "" {
		query += ` AND (type = ? OR type = 'multiple')`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list data sources")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DataSource
	for rows.Next() {
		var d model.DataSource
		var typ, freq, cfg string
		if err := rows.Scan(&d.ID, &d.Name, &d.URL, &typ, &d.Active, &cfg, &d.LastScraped, &freq, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan data source")
		}
		d.Type = model.Kind(typ)
		d.Frequency = model.Frequency(freq)
		decodeSourceConfig(&d, []byte(cfg))
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list data sources iterate")
}

func (s *SQLiteStore) UpsertDataSources(ctx context.Context, sources []model.DataSource) (int64, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	var total int64
	for _, d := range sources {
		cfg, err := json.Marshal(d.Config)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: encode scraper_config for %s", d.Name)
		}
		id := d.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO data_sources (id, name, url, type, active, scraper_config, last_scraped, scraping_frequency, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (name) DO UPDATE SET
			   url = excluded.url,
			   type = excluded.type,
			   active = excluded.active,
			   scraper_config = excluded.scraper_config,
			   scraping_frequency = excluded.scraping_frequency,
			   updated_at = excluded.updated_at`,
			id, d.Name, d.URL, string(d.Type), d.Active, string(cfg), d.LastScraped, string(d.Frequency), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert data source %s", d.Name)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) TouchLastScraped(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{at.UTC(), at.UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET last_scraped = ?, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: touch last_scraped")
}

// --- staging ---

// InsertStaged writes one batch in a single transaction.
func (s *SQLiteStore) InsertStaged(ctx context.Context, kind model.Kind, rows []model.StagedEntity) (int64, error) {
	if !kind.Valid() {
		return 0, eris.Errorf("sqlite: invalid kind %q", kind)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	cols := stagedColumns(kind)
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		kind.StagingTable(), strings.Join(cols, ", "), placeholders(len(cols)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin staging batch")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, query, stagedRowValues(dialectSQLite, kind, r, now)...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert %s", kind.StagingTable())
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit staging batch")
	}
	return int64(len(rows)), nil
}

func (s *SQLiteStore) ListStaged(ctx context.Context, kind model.Kind, filter StagedFilter) ([]model.StagedEntity, error) {
	if !kind.Valid() {
		return nil, eris.Errorf("sqlite: invalid kind %q", kind)
	}
	query := `SELECT ` + strings.Join(stagedColumns(kind), ", ") + ` FROM ` + kind.StagingTable() + ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, rowid LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", kind.StagingTable())
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StagedEntity
	for rows.Next() {
		e, err := scanStaged(dialectSQLite, kind, rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", kind.StagingTable())
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list staged iterate")
}

// --- production ---

func (s *SQLiteStore) FindProductionID(ctx context.Context, kind model.Kind, name string) (string, bool, error) {
	if !kind.Valid() {
		return "", false, eris.Errorf("sqlite: invalid kind %q", kind)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM `+kind.Table()+` WHERE lower(name) = lower(?) ORDER BY created_at LIMIT 1`,
		name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: find %s by name", kind)
	}
	return id, true, nil
}

func (s *SQLiteStore) ListProduction(ctx context.Context, kind model.Kind, limit int) ([]model.Record, error) {
	if !kind.Valid() {
		return nil, eris.Errorf("sqlite: invalid kind %q", kind)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(productionColumns(kind), ", ")+` FROM `+kind.Table()+` ORDER BY created_at, rowid LIMIT ?`,
		limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", kind.Table())
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		rec, err := scanProduction(dialectSQLite, kind, rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", kind.Table())
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list production iterate")
}

// --- transactions ---

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

type sqliteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqliteTx) GetStaged(ctx context.Context, kind model.Kind, id string) (*model.StagedEntity, error) {
	if !kind.Valid() {
		return nil, eris.Errorf("sqlite: invalid kind %q", kind)
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+strings.Join(stagedColumns(kind), ", ")+` FROM `+kind.StagingTable()+` WHERE id = ?`,
		id,
	)
	e, err := scanStaged(dialectSQLite, kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: %s %s", kind.StagingTable(), id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s %s", kind.StagingTable(), id)
	}
	return e, nil
}

func (t *sqliteTx) SetStagedStatus(ctx context.Context, kind model.Kind, id string, status model.ReviewStatus, notes *string) error {
	if !kind.Valid() {
		return eris.Errorf("sqlite: invalid kind %q", kind)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE `+kind.StagingTable()+` SET status = ?, review_notes = ?, updated_at = ? WHERE id = ?`,
		string(status), notes, t.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update %s %s", kind.StagingTable(), id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", kind.StagingTable(), id)
	}
	return nil
}

func (t *sqliteTx) InsertProduction(ctx context.Context, kind model.Kind, rec model.Record, createdAt time.Time) (string, error) {
	query, args := insertProductionSQL(dialectSQLite, kind, rec, createdAt, t.now(), sqlitePlaceholder)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return "", eris.Wrapf(err, "sqlite: insert %s", kind.Table())
	}
	return args[0].(string), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
