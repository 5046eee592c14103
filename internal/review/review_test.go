package review

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func stage(t *testing.T, st store.Store, kind model.Kind, id string, fields model.Record) {
	t.Helper()
	_, err := st.InsertStaged(context.Background(), kind, []model.StagedEntity{{
		ID:        id,
		Kind:      kind,
		Fields:    fields,
		SourceURL: "https://src.test/" + id,
		Status:    model.StatusPending,
	}})
	require.NoError(t, err)
}

func strPtr(s string) *string { return &s }

func stagedStatus(t *testing.T, st store.Store, kind model.Kind, id string) *model.StagedEntity {
	t.Helper()
	rows, err := st.ListStaged(context.Background(), kind, store.StagedFilter{Limit: 100})
	require.NoError(t, err)
	for i := range rows {
		if rows[i].ID == id {
			return &rows[i]
		}
	}
	t.Fatalf("staged %s not found", id)
	return nil
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	require.Error(t, err)
	re, ok := AsError(err)
	require.True(t, ok, "want *review.Error, got %T: %v", err, err)
	assert.Equal(t, code, re.Code)
	return re
}

func TestReview_ApprovePromotes(t *testing.T) {
	st := newTestStore(t)
	stage(t, st, model.KindArtist, "a1", model.Record{"name": "The Band", "website": "https://band.test"})
	svc := NewService(st)

	res, err := svc.Review(context.Background(), Request{Table: "staged_artists", ID: "a1", Action: "approve", Notes: strPtr(" looks right ")}, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, res.Status)
	assert.NotEmpty(t, res.ProductionID)
	assert.NotEqual(t, "a1", res.ProductionID)

	staged := stagedStatus(t, st, model.KindArtist, "a1")
	assert.Equal(t, model.StatusApproved, staged.Status)
	require.NotNil(t, staged.ReviewNotes)
	assert.Equal(t, "looks right", *staged.ReviewNotes)

	prod, err := st.ListProduction(context.Background(), model.KindArtist, 10)
	require.NoError(t, err)
	require.Len(t, prod, 1)
	assert.Equal(t, res.ProductionID, prod[0]["id"])
	assert.Equal(t, "The Band", prod[0]["name"])
	assert.Equal(t, "https://band.test", prod[0]["website"])
	for _, k := range []string{"status", "review_notes", "source_url"} {
		assert.NotContains(t, prod[0], k)
	}
	created, ok := prod[0]["created_at"].(time.Time)
	require.True(t, ok)
	assert.True(t, created.Equal(staged.CreatedAt), "production keeps the staged created_at")

	id, ok, err := st.FindProductionID(context.Background(), model.KindArtist, "the band")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, res.ProductionID, id)
}

func TestReview_Reject(t *testing.T) {
	st := newTestStore(t)
	stage(t, st, model.KindVenue, "v1", model.Record{"name": "The Hall"})

	res, err := NewService(st).Review(context.Background(), Request{Table: "venues", ID: "v1", Action: "REJECT", Notes: strPtr("duplicate")}, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, res.Status)
	assert.Empty(t, res.ProductionID)

	staged := stagedStatus(t, st, model.KindVenue, "v1")
	assert.Equal(t, model.StatusRejected, staged.Status)
	assert.Equal(t, "duplicate", *staged.ReviewNotes)

	prod, err := st.ListProduction(context.Background(), model.KindVenue, 10)
	require.NoError(t, err)
	assert.Empty(t, prod)
}

func TestReview_TerminalStatesAreFinal(t *testing.T) {
	st := newTestStore(t)
	stage(t, st, model.KindPark, "p1", model.Record{"name": "Central Park"})
	svc := NewService(st)
	ctx := context.Background()

	_, err := svc.Review(ctx, Request{Table: "parks", ID: "p1", Action: "reject"}, true)
	require.NoError(t, err)

	for _, action := range []string{"approve", "reject"} {
		_, err = svc.Review(ctx, Request{Table: "parks", ID: "p1", Action: action}, true)
		re := requireCode(t, err, CodeInvalidParameters)
		assert.Contains(t, re.Message, "not pending")
	}

	prod, err := st.ListProduction(ctx, model.KindPark, 10)
	require.NoError(t, err)
	assert.Empty(t, prod)
}

func TestReview_Validation(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)

	tests := []struct {
		name    string
		req     Request
		isAdmin bool
		code    Code
	}{
		{"not admin", Request{Table: "artists", ID: "x", Action: "approve"}, false, CodeForbidden},
		{"unknown table", Request{Table: "bands", ID: "x", Action: "approve"}, true, CodeInvalidParameters},
		{"missing id", Request{Table: "artists", ID: "  ", Action: "approve"}, true, CodeInvalidParameters},
		{"unknown action", Request{Table: "artists", ID: "x", Action: "publish"}, true, CodeInvalidParameters},
		{"missing row", Request{Table: "artists", ID: "nope", Action: "approve"}, true, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Review(context.Background(), tt.req, tt.isAdmin)
			requireCode(t, err, tt.code)
		})
	}
}

// failingInsertStore runs the real transaction but fails the production
// insert, so the status update must roll back.
type failingInsertStore struct {
	store.Store
}

func (s failingInsertStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingInsertTx{tx})
	})
}

type failingInsertTx struct {
	store.Tx
}

func (failingInsertTx) InsertProduction(context.Context, model.Kind, model.Record, time.Time) (string, error) {
	return "", errors.New("unique violation")
}

func TestReview_ApproveIsAtomic(t *testing.T) {
	st := newTestStore(t)
	stage(t, st, model.KindFestival, "f1", model.Record{"name": "Fest", "start_date": "2026-07-01"})

	_, err := NewService(failingInsertStore{st}).Review(context.Background(), Request{Table: "festivals", ID: "f1", Action: "approve"}, true)
	re := requireCode(t, err, CodeStoreError)
	assert.Equal(t, StepInsertProduction, re.Step)
	assert.Contains(t, err.Error(), "unique violation")

	assert.Equal(t, model.StatusPending, stagedStatus(t, st, model.KindFestival, "f1").Status)
	prod, err := st.ListProduction(context.Background(), model.KindFestival, 10)
	require.NoError(t, err)
	assert.Empty(t, prod)
}

func TestPromote_DropsStagingFields(t *testing.T) {
	staged := &model.StagedEntity{
		ID:          "s1",
		Kind:        model.KindConcert,
		Fields:      model.Record{"name": "Show", "date": "2026-08-01", "venue_id": "v9", "bogus": 1},
		SourceURL:   "https://src.test",
		Status:      model.StatusApproved,
		ReviewNotes: strPtr("ok"),
	}
	assert.Equal(t, model.Record{"name": "Show", "date": "2026-08-01", "venue_id": "v9"}, Promote(model.KindConcert, staged))
}

func TestList(t *testing.T) {
	st := newTestStore(t)
	stage(t, st, model.KindArtist, "a1", model.Record{"name": "One"})
	stage(t, st, model.KindArtist, "a2", model.Record{"name": "Two"})
	svc := NewService(st)
	ctx := context.Background()
	_, err := svc.Review(ctx, Request{Table: "artists", ID: "a2", Action: "reject"}, true)
	require.NoError(t, err)

	rows, err := svc.List(ctx, "artists", "pending", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a1", rows[0].ID)

	rows, err = svc.List(ctx, "staged_artists", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = svc.List(ctx, "artists", "archived", 0, 0)
	requireCode(t, err, CodeInvalidParameters)
	_, err = svc.List(ctx, "songs", "", 0, 0)
	requireCode(t, err, CodeInvalidParameters)
}

func TestExportCSV(t *testing.T) {
	st := newTestStore(t)
	stage(t, st, model.KindArtist, "a1", model.Record{"name": "One, the Band", "genres": []string{"rock"}})
	stage(t, st, model.KindArtist, "a2", model.Record{"name": "Two"})
	svc := NewService(st)

	var buf bytes.Buffer
	n, err := svc.ExportCSV(context.Background(), &buf, model.KindArtist, model.StatusPending, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, strings.HasPrefix(buf.String(), "id,kind,name,status,source_url,review_notes,created_at,fields\n"))

	var rows []ExportRow
	require.NoError(t, csvutil.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "a1", rows[0].ID)
	assert.Equal(t, "One, the Band", rows[0].Name)
	assert.Equal(t, "pending", rows[0].Status)
	assert.Equal(t, "https://src.test/a1", rows[0].SourceURL)
	assert.Contains(t, rows[0].Fields, `"genres":["rock"]`)
}

func TestExportCSV_EmptyWritesHeader(t *testing.T) {
	st := newTestStore(t)
	var buf bytes.Buffer
	n, err := NewService(st).ExportCSV(context.Background(), &buf, model.KindPark, model.StatusApproved, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "id,kind,name,status,source_url,review_notes,created_at,fields\n", buf.String())
}
