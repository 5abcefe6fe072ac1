package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

var (
	batchCols   = []string{"id", "name", "source_ids", "schedule", "night_mode", "priority", "filters", "status", "pause_requested", "created_at", "last_run_at", "next_run_at"}
	itemCols    = []string{"id", "job_id", "source_id", "kind", "url", "content_ref", "content_hash", "parsed_data", "ocr_confidence", "force_manual", "problem_count", "status", "imported_problem_ids", "created_at", "updated_at"}
	problemCols = []string{"id", "item_id", "subject_id", "content", "type", "options", "answer", "explanation", "review_stage", "status", "quality_score", "force_manual", "duplicate_of", "duplicate_score", "created_at", "updated_at"}
)

var (
	noTime  *time.Time
	noFloat *float64
)

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestCreateSourceInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	src := harvest.Source{
		ID:        "src-1",
		Name:      "Exam archive",
		Type:      "website",
		BaseURL:   "https://exams.example.com",
		MaxDepth:  2,
		DelayMs:   500,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO sources").
		WithArgs(src.ID, src.Name, src.Type, src.BaseURL, "", []string{}, 2, 500, "", true, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSource(context.Background(), src))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSourceDuplicateIsConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sources").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.CreateSource(context.Background(), harvest.Source{ID: "src-1"})
	require.ErrorIs(t, err, harvest.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM sources WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetSource(context.Background(), "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSourceNoRowsIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM sources").
		WithArgs("src-9").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := store.DeleteSource(context.Background(), "src-9")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextReturnsRunningBatch(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	created := now.Add(-time.Hour)

	mock.ExpectQuery("UPDATE batches").
		WithArgs(now, "RUNNING", "QUEUED").
		WillReturnRows(pgxmock.NewRows(batchCols).AddRow(
			"b-1", "nightly", []string{"src-1"}, "", true, 5, []byte(`{"grade":"A"}`), "RUNNING", false, created, &now, &created,
		))

	b, ok, err := store.ClaimNext(context.Background(), now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b-1", b.ID)
	require.Equal(t, harvest.BatchRunning, b.Status)
	require.Equal(t, map[string]string{"grade": "A"}, b.Filters)
	require.True(t, b.NightMode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextNothingDue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE batches").
		WithArgs(now, "RUNNING", "QUEUED").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.ClaimNext(context.Background(), now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRunningBatchIsConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("DELETE FROM batches").
		WithArgs("b-1", "RUNNING").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("RUNNING"))

	err := store.DeleteBatch(context.Background(), "b-1")
	require.ErrorIs(t, err, harvest.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBatchWritesInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM batches WHERE id = \\$1 FOR UPDATE").
		WithArgs("b-1").
		WillReturnRows(pgxmock.NewRows(batchCols).AddRow(
			"b-1", "daily", []string{"src-1"}, "24h", false, 10, []byte(`{}`), "QUEUED", false, created, noTime, noTime,
		))
	mock.ExpectExec("UPDATE batches").
		WithArgs("b-1", "daily", []string{"src-1"}, "24h", false, 10, []byte(`{}`), "PAUSED", false,
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	b, err := store.UpdateBatch(context.Background(), "b-1", func(b *harvest.Batch) error {
		b.Status = harvest.BatchPaused
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, harvest.BatchPaused, b.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBatchCallbackErrorRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("b-1").
		WillReturnRows(pgxmock.NewRows(batchCols).AddRow(
			"b-1", "daily", []string{"src-1"}, "", false, 10, []byte(`{}`), "RUNNING", false, created, noTime, noTime,
		))
	mock.ExpectRollback()

	_, err := store.UpdateBatch(context.Background(), "b-1", func(*harvest.Batch) error {
		return harvest.ErrConflict
	})
	require.ErrorIs(t, err, harvest.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountItemsByStatusGroups(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	from := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("GROUP BY status").
		WithArgs(&from, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("PARSED", 3).
			AddRow("FAILED", 1))

	counts, err := store.CountItemsByStatus(context.Background(), harvest.Window{From: from})
	require.NoError(t, err)
	require.Equal(t, map[harvest.ItemStatus]int{harvest.ItemParsed: 3, harvest.ItemFailed: 1}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeanConfidence(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("AVG\\(ocr_confidence\\)").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"avg"}).AddRow(0.75))

	mean, err := store.MeanConfidence(context.Background(), harvest.Window{})
	require.NoError(t, err)
	require.InDelta(t, 0.75, mean, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetItemDecodesParsedData(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	conf := 0.9

	mock.ExpectQuery("FROM items WHERE id").
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows(itemCols).AddRow(
			"item-1", "job-1", "src-1", "FILE", "https://exams.example.com/a.pdf", "gs://b/a.pdf", "abc",
			[]byte(`{"problems":[{"content":"2+2?","type":"SHORT_ANSWER","answer":"4"}]}`),
			&conf, false, 1, "PARSED", []string{}, now, now,
		))

	item, err := store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, harvest.ItemParsed, item.Status)
	require.NotNil(t, item.ParsedData)
	require.Len(t, item.ParsedData.Problems, 1)
	require.Equal(t, "4", item.ParsedData.Problems[0].Answer)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateItemSkipsImportedRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	item := harvest.Item{ID: "item-1", Status: harvest.ItemParsed, ProblemCount: 2, UpdatedAt: now}

	mock.ExpectQuery("status <> \\$11").
		WithArgs("item-1", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), false, 2, "PARSED", []string{}, now, "IMPORTED").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.UpdateItem(context.Background(), item)
	require.ErrorIs(t, err, harvest.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateItemWritesAndReportsMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	item := harvest.Item{ID: "item-1", Status: harvest.ItemFailed, UpdatedAt: now}

	mock.ExpectQuery("UPDATE items").
		WithArgs("item-1", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), false, 0, "FAILED", []string{}, now, "IMPORTED").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("UPDATE items").
		WithArgs("missing", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), false, 0, "FAILED", []string{}, now, "IMPORTED").
		WillReturnError(pgx.ErrNoRows)

	require.NoError(t, store.UpdateItem(context.Background(), item))
	item.ID = "missing"
	require.ErrorIs(t, store.UpdateItem(context.Background(), item), harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitImportRejectsNonParsedItem(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM items WHERE id = \\$1 FOR UPDATE").
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows(itemCols).AddRow(
			"item-1", "job-1", "src-1", "PAGE", "https://x", "", "", []byte(nil), noFloat, false, 0, "IMPORTED", []string{"p-1"}, now, now,
		))
	mock.ExpectRollback()

	_, err := store.CommitImport(context.Background(), "item-1", nil, nil, now)
	require.ErrorIs(t, err, harvest.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitImportInsertsProblemsAndFlipsItem(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	problem := harvest.Problem{
		ID:          "p-1",
		ItemID:      "item-1",
		SubjectID:   "math",
		Content:     "2+2?",
		Type:        harvest.ProblemShortAnswer,
		Answer:      "4",
		ReviewStage: harvest.StageNone,
		Status:      harvest.ProblemPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM items WHERE id = \\$1 FOR UPDATE").
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows(itemCols).AddRow(
			"item-1", "job-1", "src-1", "PAGE", "https://x", "", "",
			[]byte(`{"problems":[{"content":"2+2?","type":"SHORT_ANSWER"}]}`),
			noFloat, false, 1, "PARSED", []string{}, now, now,
		))
	mock.ExpectExec("INSERT INTO problems").
		WithArgs("p-1", "item-1", "math", "2+2?", "SHORT_ANSWER", []string{}, "4", "", "NONE", "PENDING",
			pgxmock.AnyArg(), false, "", 0.0, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE items SET status").
		WithArgs("item-1", "IMPORTED", []string{"p-1"}, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	item, err := store.CommitImport(context.Background(), "item-1", []harvest.Problem{problem}, nil, now)
	require.NoError(t, err)
	require.Equal(t, harvest.ItemImported, item.Status)
	require.Equal(t, []string{"p-1"}, item.ImportedProblemIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReviewPersistsRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM problems WHERE id = \\$1 FOR UPDATE").
		WithArgs("p-1").
		WillReturnRows(pgxmock.NewRows(problemCols).AddRow(
			"p-1", "item-1", "math", "2+2?", "SHORT_ANSWER", []string{}, "4", "", "NONE", "PENDING",
			noFloat, false, "", 0.0, now, now,
		))
	mock.ExpectExec("UPDATE problems").
		WithArgs("p-1", "AUTO", "PENDING", pgxmock.AnyArg(), false, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO review_records").
		WithArgs("r-1", "p-1", "AUTO", "APPROVED", "rules", "", pgxmock.AnyArg(), []string{}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	p, err := store.ApplyReview(context.Background(), "p-1", func(p harvest.Problem) (harvest.Problem, harvest.ReviewRecord, error) {
		p.ReviewStage = harvest.StageAuto
		p.UpdatedAt = now
		return p, harvest.ReviewRecord{
			ID:        "r-1",
			ProblemID: p.ID,
			Stage:     harvest.StageAuto,
			Outcome:   harvest.OutcomeApproved,
			Reviewer:  "rules",
			CreatedAt: now,
		}, nil
	})
	require.NoError(t, err)
	require.Equal(t, harvest.StageAuto, p.ReviewStage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeLogsBeforeReportsRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM log_entries").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := store.PurgeLogsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentErrorsDecodesDetails(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM log_entries").
		WithArgs("ERROR", 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "job_id", "source_id", "level", "action", "message", "details", "created_at"}).
			AddRow("log-1", "job-1", "src-1", "ERROR", "TIMEOUT", "fetch timed out", []byte(`{"url":"https://x"}`), now))

	entries, err := store.RecentErrors(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, harvest.LevelError, entries[0].Level)
	require.Equal(t, "https://x", entries[0].Details["url"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsEmbeddedFiles(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sources").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
