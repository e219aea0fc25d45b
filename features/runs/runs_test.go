package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	insertQuery = `INSERT INTO runs (kind, score, status, incomplete, detail) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	listQuery   = `SELECT id, kind, score, status, incomplete, detail, created_at FROM runs ORDER BY created_at DESC LIMIT $1`
	getQuery    = `SELECT id, kind, score, status, incomplete, detail, created_at FROM runs WHERE id = $1`
)

func newMockRepo(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepo(db), mock
}

func TestSaveRun(t *testing.T) {
	repo, mock := newMockRepo(t)

	score := 75
	run := &Run{
		Kind:   "continuity_sequence",
		Score:  &score,
		Status: "solid",
		Detail: json.RawMessage(`{"overall_score":75}`),
	}

	mock.ExpectQuery(regexp.QuoteMeta(insertQuery)).
		WithArgs("continuity_sequence", int64(75), "solid", false, []byte(`{"overall_score":75}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow("a2c6d1e0-0000-0000-0000-000000000001", time.Now()))

	err := repo.Save(context.Background(), run)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunNullScoreAndStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	run := &Run{Kind: "index", Incomplete: true, Detail: json.RawMessage(`{}`)}

	mock.ExpectQuery(regexp.QuoteMeta(insertQuery)).
		WithArgs("index", nil, nil, true, []byte(`{}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow("a2c6d1e0-0000-0000-0000-000000000002", time.Now()))

	require.NoError(t, repo.Save(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "kind", "score", "status", "incomplete", "detail", "created_at"}).
		AddRow("id-2", "continuity_text", int64(60), "weak", false, []byte(`{}`), now).
		AddRow("id-1", "index", nil, nil, false, []byte(`{}`), now.Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta(listQuery)).WithArgs(20).WillReturnRows(rows)

	runs, err := repo.List(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	require.NotNil(t, runs[0].Score)
	assert.Equal(t, 60, *runs[0].Score)
	assert.Equal(t, "weak", runs[0].Status)

	assert.Nil(t, runs[1].Score)
	assert.Empty(t, runs[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "score", "status", "incomplete", "detail", "created_at"}).
			AddRow("id-1", "continuity_sequence", int64(100), "solid", false, []byte(`{"overall_score":100}`), time.Now()))

	run, err := repo.Get(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, "continuity_sequence", run.Kind)
	require.NotNil(t, run.Score)
	assert.Equal(t, 100, *run.Score)
}

func TestRecordRunStoresNullScoreForIndexRuns(t *testing.T) {
	repo, mock := newMockRepo(t)
	svc := NewService(repo)

	mock.ExpectQuery(regexp.QuoteMeta(insertQuery)).
		WithArgs("index", nil, nil, false, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow("id-3", time.Now()))

	svc.RecordRun(context.Background(), "index", -1, "", false, map[string]int{"total_chunks": 24})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunSwallowsSaveFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	svc := NewService(repo)

	mock.ExpectQuery(regexp.QuoteMeta(insertQuery)).
		WillReturnError(sql.ErrConnDone)

	// Must not panic or propagate.
	svc.RecordRun(context.Background(), "continuity_text", 80, "solid", false, nil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlerList(t *testing.T) {
	repo, mock := newMockRepo(t)
	handler := NewHandler(NewService(repo))

	mock.ExpectQuery(regexp.QuoteMeta(listQuery)).
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "score", "status", "incomplete", "detail", "created_at"}).
			AddRow("id-1", "index", nil, nil, false, []byte(`{}`), time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	rec := httptest.NewRecorder()
	handler.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"index"`)
}

func TestHandlerListBadLimit(t *testing.T) {
	repo, _ := newMockRepo(t)
	handler := NewHandler(NewService(repo))

	req := httptest.NewRequest(http.MethodGet, "/runs?limit=abc", nil)
	rec := httptest.NewRecorder()
	handler.List(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	handler := NewHandler(NewService(repo))

	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/runs/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	handler.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}
