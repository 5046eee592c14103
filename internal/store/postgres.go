package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/stagegate/internal/db"
	"github.com/sells-group/stagegate/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// NewPostgres connects to connString and returns a store.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns the pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: utcNow}
}

func utcNow() time.Time { return time.Now().UTC() }

// Pool returns the underlying pool, shared with the advisory run lock.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, runsDDL(dialectPostgres)+entityDDL(dialectPostgres))
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context) (*model.ScrapingRun, error) {
	run := &model.ScrapingRun{
		ID:        uuid.New().String(),
		StartTime: s.now(),
		Status:    model.RunRunning,
		Counts:    map[model.Kind]int{},
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scraping_runs (id, start_time, status) VALUES ($1, $2, $3)`,
		run.ID, run.StartTime, string(run.Status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.ScrapingRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(runColumns(), ", ")+` FROM scraping_runs WHERE id = $1`,
		id,
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error) {
	query := `SELECT ` + strings.Join(runColumns(), ", ") + ` FROM scraping_runs`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	query += ` ORDER BY start_time DESC`
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ScrapingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id string, upd model.RunUpdate) error {
	sets, args := runUpdateSets(upd, func(n int) string { return fmt.Sprintf("$%d", n) })
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE scraping_runs SET %s WHERE id = $%d AND status NOT IN ('completed', 'failed')`,
		strings.Join(sets, ", "), len(args),
	)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrFinished(ctx, id)
	}
	return nil
}

func (s *PostgresStore) missingOrFinished(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM scraping_runs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check run %s", id)
	}
	return eris.Wrapf(ErrRunFinished, "postgres: run %s is %s", id, status)
}

func scanRun(row rowScanner) (*model.ScrapingRun, error) {
	var r model.ScrapingRun
	var status string
	counts := make([]int, len(model.AllKinds()))
	dest := []any{&r.ID, &r.StartTime, &r.EndTime, &status, &r.SourceCount, &r.ErrorMessage}
	for i := range counts {
		dest = append(dest, &counts[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Counts = make(map[model.Kind]int, len(counts))
	for i, k := range model.AllKinds() {
		r.Counts[k] = counts[i]
	}
	return &r, nil
}

// --- data sources ---

const sourceColumns = `id, name, url, type, active, scraper_config, last_scraped, scraping_frequency, created_at, updated_at`

func (s *PostgresStore) ListDataSources(ctx context.Context, filter SourceFilter) ([]model.DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE TRUE`
	var args []any
	if filter.ActiveOnly {
		query += ` AND active`
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(` AND (type = $%d OR type = 'multiple')`, len(args))
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list data sources")
	}
	defer rows.Close()

	var out []model.DataSource
	for rows.Next() {
		var d model.DataSource
		var typ, freq string
		var cfg []byte
		if err := rows.Scan(&d.ID, &d.Name, &d.URL, &typ, &d.Active, &cfg, &d.LastScraped, &freq, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan data source")
		}
		d.Type = model.Kind(typ)
		d.Frequency = model.Frequency(freq)
		decodeSourceConfig(&d, cfg)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list data sources iterate")
}

// UpsertDataSources inserts or updates sources keyed by name. last_scraped
// and the original id are preserved on update.
func (s *PostgresStore) UpsertDataSources(ctx context.Context, sources []model.DataSource) (int64, error) {
	now := s.now()
	rows := make([][]any, 0, len(sources))
	for _, d := range sources {
		cfg, err := json.Marshal(d.Config)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: encode scraper_config for %s", d.Name)
		}
		id := d.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, d.Name, d.URL, string(d.Type), d.Active, cfg, string(d.Frequency), now, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "data_sources",
		Columns:      []string{"id", "name", "url", "type", "active", "scraper_config", "scraping_frequency", "created_at", "updated_at"},
		ConflictKeys: []string{"name"},
		UpdateCols:   []string{"url", "type", "active", "scraper_config", "scraping_frequency", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert data sources")
}

func (s *PostgresStore) TouchLastScraped(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE data_sources SET last_scraped = $1, updated_at = $1 WHERE id = ANY($2)`,
		at.UTC(), ids,
	)
	return eris.Wrap(err, "postgres: touch last_scraped")
}

// --- staging ---

// InsertStaged writes rows with COPY. The batch lands entirely or not at all.
func (s *PostgresStore) InsertStaged(ctx context.Context, kind model.Kind, rows []model.StagedEntity) (int64, error) {
	if !kind.Valid() {
		return 0, eris.Errorf("postgres: invalid kind %q", kind)
	}
	values := make([][]any, len(rows))
	now := s.now()
	for i, r := range rows {
		values[i] = stagedRowValues(dialectPostgres, kind, r, now)
	}
	n, err := db.CopyFrom(ctx, s.pool, kind.StagingTable(), stagedColumns(kind), values)
	return n, eris.Wrapf(err, "postgres: insert %s", kind.StagingTable())
}

func stagedRowValues(d dialect, kind model.Kind, r model.StagedEntity, now time.Time) []any {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := r.Status
	if status == "" {
		status = model.StatusPending
	}
	var sourceURL any
	if r.SourceURL != "" {
		sourceURL = r.SourceURL
	}
	vals := []any{id}
	for _, c := range model.Schema(kind) {
		vals = append(vals, d.encodeValue(c, r.Fields[c.Name]))
	}
	var notes any
	if r.ReviewNotes != nil {
		notes = *r.ReviewNotes
	}
	return append(vals, sourceURL, string(status), notes, now, now)
}

func (s *PostgresStore) ListStaged(ctx context.Context, kind model.Kind, filter StagedFilter) ([]model.StagedEntity, error) {
	if !kind.Valid() {
		return nil, eris.Errorf("postgres: invalid kind %q", kind)
	}
	query := `SELECT ` + strings.Join(stagedColumns(kind), ", ") + ` FROM ` + kind.StagingTable()
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", kind.StagingTable())
	}
	defer rows.Close()

	var out []model.StagedEntity
	for rows.Next() {
		e, err := scanStaged(dialectPostgres, kind, rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", kind.StagingTable())
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list staged iterate")
}

// --- production ---

func (s *PostgresStore) FindProductionID(ctx context.Context, kind model.Kind, name string) (string, bool, error) {
	if !kind.Valid() {
		return "", false, eris.Errorf("postgres: invalid kind %q", kind)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM `+kind.Table()+` WHERE lower(name) = lower($1) ORDER BY created_at LIMIT 1`,
		name,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: find %s by name", kind)
	}
	return id, true, nil
}

func (s *PostgresStore) ListProduction(ctx context.Context, kind model.Kind, limit int) ([]model.Record, error) {
	if !kind.Valid() {
		return nil, eris.Errorf("postgres: invalid kind %q", kind)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+strings.Join(productionColumns(kind), ", ")+` FROM `+kind.Table()+` ORDER BY created_at, id LIMIT $1`,
		limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", kind.Table())
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanProduction(dialectPostgres, kind, rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", kind.Table())
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list production iterate")
}

// --- transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

type pgTx struct {
	tx  pgx.Tx
	now func() time.Time
}

// GetStaged locks the row for the rest of the transaction.
func (t *pgTx) GetStaged(ctx context.Context, kind model.Kind, id string) (*model.StagedEntity, error) {
	if !kind.Valid() {
		return nil, eris.Errorf("postgres: invalid kind %q", kind)
	}
	row := t.tx.QueryRow(ctx,
		`SELECT `+strings.Join(stagedColumns(kind), ", ")+` FROM `+kind.StagingTable()+` WHERE id = $1 FOR UPDATE`,
		id,
	)
	e, err := scanStaged(dialectPostgres, kind, row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: %s %s", kind.StagingTable(), id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s %s", kind.StagingTable(), id)
	}
	return e, nil
}

func (t *pgTx) SetStagedStatus(ctx context.Context, kind model.Kind, id string, status model.ReviewStatus, notes *string) error {
	if !kind.Valid() {
		return eris.Errorf("postgres: invalid kind %q", kind)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+kind.StagingTable()+` SET status = $1, review_notes = $2, updated_at = $3 WHERE id = $4`,
		string(status), notes, t.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %s", kind.StagingTable(), id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: %s %s", kind.StagingTable(), id)
	}
	return nil
}

func (t *pgTx) InsertProduction(ctx context.Context, kind model.Kind, rec model.Record, createdAt time.Time) (string, error) {
	query, args := insertProductionSQL(dialectPostgres, kind, rec, createdAt, t.now(), func(n int) string { return fmt.Sprintf("$%d", n) })
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return "", eris.Wrapf(err, "postgres: insert %s", kind.Table())
	}
	return args[0].(string), nil
}

// --- shared helpers ---

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// runUpdateSets builds SET clauses for a partial run update.
func runUpdateSets(upd model.RunUpdate, ph func(int) string) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.EndTime != nil {
		add("end_time", upd.EndTime.UTC())
	}
	if upd.SourceCount != nil {
		add("source_count", *upd.SourceCount)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	for _, k := range model.AllKinds() {
		if n, ok := upd.Counts[k]; ok {
			add(k.CountField(), n)
		}
	}
	return sets, args
}

// insertProductionSQL builds the INSERT for a promoted record. Only schema
// columns are written; staging-only and unknown fields are dropped.
func insertProductionSQL(d dialect, kind model.Kind, rec model.Record, createdAt, now time.Time, ph func(int) string) (string, []any) {
	if createdAt.IsZero() {
		createdAt = now
	}
	cols := []string{"id"}
	args := []any{uuid.New().String()}
	for _, c := range model.Schema(kind) {
		v, ok := rec[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, c.Name)
		args = append(args, d.encodeValue(c, v))
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, createdAt, now)

	phs := make([]string, len(args))
	for i := range args {
		phs[i] = ph(i + 1)
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		kind.Table(), strings.Join(cols, ", "), strings.Join(phs, ", ")), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStaged(d dialect, kind model.Kind, row rowScanner) (*model.StagedEntity, error) {
	schema := model.Schema(kind)
	targets := d.scanTargets(schema)

	var e model.StagedEntity
	var sourceURL, notes *string
	var status string
	dest := append([]any{&e.ID}, targets...)
	dest = append(dest, &sourceURL, &status, &notes, &e.CreatedAt, &e.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	e.Kind = kind
	e.Fields = decodeTargets(schema, targets)
	e.Status = model.ReviewStatus(status)
	e.ReviewNotes = notes
	if sourceURL != nil {
		e.SourceURL = *sourceURL
	}
	return &e, nil
}

func scanProduction(d dialect, kind model.Kind, row rowScanner) (model.Record, error) {
	schema := model.Schema(kind)
	targets := d.scanTargets(schema)
	var id string
	var created, updated time.Time
	dest := append([]any{&id}, targets...)
	dest = append(dest, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec := decodeTargets(schema, targets)
	rec["id"] = id
	rec["created_at"] = created
	rec["updated_at"] = updated
	return rec, nil
}
