package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/stagegate/internal/model"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

const dateLayout = "2006-01-02"

func (d dialect) columnType(t model.ColumnType) string {
	switch t {
	case model.ColInt:
		return "INTEGER"
	case model.ColDate:
		if d == dialectPostgres {
			return "DATE"
		}
		return "TEXT"
	case model.ColJSON:
		if d == dialectPostgres {
			return "JSONB"
		}
		return "TEXT"
	default:
		return "TEXT"
	}
}

func (d dialect) timestampType() string {
	if d == dialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

// entityDDL returns the production and staging tables for every kind. Both
// dialects share the same logical layout.
func entityDDL(d dialect) string {
	var b strings.Builder
	ts := d.timestampType()
	for _, kind := range model.AllKinds() {
		cols := model.Schema(kind)

		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\tid TEXT PRIMARY KEY", kind.Table())
		writeColumns(&b, d, cols)
		fmt.Fprintf(&b, ",\n\tcreated_at %s NOT NULL,\n\tupdated_at %s NOT NULL\n);\n", ts, ts)
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_lower_name ON %s (lower(name));\n", kind.Table(), kind.Table())

		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\tid TEXT PRIMARY KEY", kind.StagingTable())
		writeColumns(&b, d, cols)
		fmt.Fprintf(&b, ",\n\tsource_url TEXT,\n\tstatus TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected'))")
		fmt.Fprintf(&b, ",\n\treview_notes TEXT,\n\tcreated_at %s NOT NULL,\n\tupdated_at %s NOT NULL\n);\n", ts, ts)
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status, created_at);\n", kind.StagingTable(), kind.StagingTable())
	}
	return b.String()
}

func writeColumns(b *strings.Builder, d dialect, cols []model.Column) {
	for _, c := range cols {
		fmt.Fprintf(b, ",\n\t%s %s", c.Name, d.columnType(c.Type))
		if c.Name == "name" {
			b.WriteString(" NOT NULL")
		}
	}
}

func runsDDL(d dialect) string {
	ts := d.timestampType()
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS scraping_runs (
	id            TEXT PRIMARY KEY,
	start_time    %s NOT NULL,
	end_time      %s,
	status        TEXT NOT NULL CHECK (status IN ('running', 'processing', 'completed', 'failed')),
	source_count  INTEGER NOT NULL DEFAULT 0,
	error_message TEXT`, ts, ts)
	for _, k := range model.AllKinds() {
		fmt.Fprintf(&b, ",\n\t%s INTEGER NOT NULL DEFAULT 0", k.CountField())
	}
	b.WriteString("\n);\nCREATE INDEX IF NOT EXISTS idx_scraping_runs_start ON scraping_runs (start_time DESC);\n")

	active := "BOOLEAN NOT NULL DEFAULT TRUE"
	cfg := "JSONB NOT NULL"
	if d == dialectSQLite {
		active = "INTEGER NOT NULL DEFAULT 1"
		cfg = "TEXT NOT NULL"
	}
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS data_sources (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE,
	url                TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL,
	active             %s,
	scraper_config     %s,
	last_scraped       %s,
	scraping_frequency TEXT NOT NULL DEFAULT 'weekly',
	created_at         %s NOT NULL,
	updated_at         %s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_data_sources_active_type ON data_sources (active, type);
`, active, cfg, ts, ts, ts)
	return b.String()
}

func runColumns() []string {
	cols := []string{"id", "start_time", "end_time", "status", "source_count", "error_message"}
	for _, k := range model.AllKinds() {
		cols = append(cols, k.CountField())
	}
	return cols
}

func productionColumns(kind model.Kind) []string {
	cols := []string{"id"}
	for _, c := range model.Schema(kind) {
		cols = append(cols, c.Name)
	}
	return append(cols, "created_at", "updated_at")
}

func stagedColumns(kind model.Kind) []string {
	cols := []string{"id"}
	for _, c := range model.Schema(kind) {
		cols = append(cols, c.Name)
	}
	return append(cols, "source_url", "status", "review_notes", "created_at", "updated_at")
}

// encodeValue converts a record value into the driver value for column c.
// Values that cannot be represented are stored as NULL.
func (d dialect) encodeValue(c model.Column, v any) any {
	if v == nil {
		return nil
	}
	switch c.Type {
	case model.ColInt:
		n, ok := toInt64(v)
		if !ok {
			return nil
		}
		return n
	case model.ColDate:
		s, ok := v.(string)
		if !ok {
			if t, isTime := v.(time.Time); isTime {
				s = t.Format(dateLayout)
			} else {
				return nil
			}
		}
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil
		}
		if d == dialectPostgres {
			return t
		}
		return t.Format(dateLayout)
	case model.ColJSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		if d == dialectPostgres {
			return raw
		}
		return string(raw)
	default:
		switch s := v.(type) {
		case string:
			if s == "" {
				return nil
			}
			return s
		default:
			return fmt.Sprint(v)
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			if r == ',' || r == ' ' || r == '_' {
				return -1
			}
			return 'x'
		}, strings.TrimSpace(n))
		if digits == "" || strings.Contains(digits, "x") {
			return 0, false
		}
		i, err := strconv.ParseInt(digits, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// scanTargets allocates scan destinations for cols in the given dialect.
func (d dialect) scanTargets(cols []model.Column) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		if d == dialectSQLite {
			if c.Type == model.ColInt {
				out[i] = new(sql.NullInt64)
			} else {
				out[i] = new(sql.NullString)
			}
			continue
		}
		switch c.Type {
		case model.ColInt:
			out[i] = new(*int64)
		case model.ColDate:
			out[i] = new(*time.Time)
		case model.ColJSON:
			out[i] = new([]byte)
		default:
			out[i] = new(*string)
		}
	}
	return out
}

// decodeTargets turns filled scan destinations into a record. NULL columns
// are left out.
func decodeTargets(cols []model.Column, targets []any) model.Record {
	rec := make(model.Record, len(cols))
	for i, c := range cols {
		var v any
		switch t := targets[i].(type) {
		case *sql.NullString:
			if t.Valid {
				v = t.String
			}
		case *sql.NullInt64:
			if t.Valid {
				v = t.Int64
			}
		case **string:
			if *t != nil {
				v = **t
			}
		case **int64:
			if *t != nil {
				v = **t
			}
		case **time.Time:
			if *t != nil {
				v = (*t).Format(dateLayout)
			}
		case *[]byte:
			if *t != nil {
				v = string(*t)
			}
		}
		if v == nil {
			continue
		}
		if c.Type == model.ColJSON {
			var decoded any
			if s, ok := v.(string); ok && json.Unmarshal([]byte(s), &decoded) == nil {
				v = decoded
			}
		}
		if c.Type == model.ColDate {
			if s, ok := v.(string); ok && len(s) > len(dateLayout) {
				v = s[:len(dateLayout)]
			}
		}
		rec[c.Name] = v
	}
	return rec
}
