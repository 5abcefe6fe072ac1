package memory

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

var t0 = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func TestClaimNextPrefersPriorityThenAge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateBatch(ctx, harvest.Batch{ID: "low", Status: harvest.BatchQueued, Priority: 0, CreatedAt: t0}))
	require.NoError(t, s.CreateBatch(ctx, harvest.Batch{ID: "high-new", Status: harvest.BatchQueued, Priority: 100, CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.CreateBatch(ctx, harvest.Batch{ID: "high-old", Status: harvest.BatchQueued, Priority: 100, CreatedAt: t0}))
	future := t0.Add(time.Hour)
	require.NoError(t, s.CreateBatch(ctx, harvest.Batch{ID: "not-due", Status: harvest.BatchQueued, Priority: 500, CreatedAt: t0, NextRunAt: &future}))

	now := t0.Add(2 * time.Minute)
	got, ok, err := s.ClaimNext(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "high-old", got.ID)
	require.Equal(t, harvest.BatchRunning, got.Status)
	require.Equal(t, now, *got.LastRunAt)

	got, ok, err = s.ClaimNext(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "high-new", got.ID)
}

func TestClaimNextIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateBatch(ctx, harvest.Batch{ID: "only", Status: harvest.BatchQueued, CreatedAt: t0}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimNext(ctx, t0)
			if err == nil && ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, claims)
}

func TestDeleteRunningBatchConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateBatch(ctx, harvest.Batch{ID: "b", Status: harvest.BatchRunning}))
	require.ErrorIs(t, s.DeleteBatch(ctx, "b"), harvest.ErrConflict)
	require.ErrorIs(t, s.DeleteBatch(ctx, "missing"), harvest.ErrNotFound)
}

func TestUpdateBatchDiscardsOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateBatch(ctx, harvest.Batch{ID: "b", Status: harvest.BatchQueued, Priority: 1}))
	_, err := s.UpdateBatch(ctx, "b", func(b *harvest.Batch) error {
		b.Priority = 50
		return harvest.ErrConflict
	})
	require.ErrorIs(t, err, harvest.ErrConflict)
	got, err := s.GetBatch(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, got.Priority)
}

func TestCommitImportRequiresParsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateItem(ctx, harvest.Item{ID: "it", Status: harvest.ItemParsed}))
	problems := []harvest.Problem{{ID: "p1", Status: harvest.ProblemPending}, {ID: "p2", Status: harvest.ProblemPending}}

	item, err := s.CommitImport(ctx, "it", problems, nil, t0)
	require.NoError(t, err)
	require.Equal(t, harvest.ItemImported, item.Status)
	require.Equal(t, []string{"p1", "p2"}, item.ImportedProblemIDs)

	_, err = s.CommitImport(ctx, "it", problems, nil, t0)
	require.ErrorIs(t, err, harvest.ErrConflict)
	exists, err := s.ProblemExists(ctx, "p2")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestUpdateItemLeavesImportedItemAlone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateItem(ctx, harvest.Item{ID: "item-1", Status: harvest.ItemParsed, CreatedAt: t0}))
	_, err := s.CommitImport(ctx, "item-1", []harvest.Problem{{ID: "p-1", ItemID: "item-1"}}, nil, t0)
	require.NoError(t, err)

	err = s.UpdateItem(ctx, harvest.Item{ID: "item-1", Status: harvest.ItemParsed})
	require.ErrorIs(t, err, harvest.ErrConflict)
	err = s.UpdateItem(ctx, harvest.Item{ID: "missing", Status: harvest.ItemParsed})
	require.ErrorIs(t, err, harvest.ErrNotFound)

	got, err := s.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, harvest.ItemImported, got.Status)
	require.Equal(t, []string{"p-1"}, got.ImportedProblemIDs)
}

func TestApplyReviewWritesNothingOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateItem(ctx, harvest.Item{ID: "it", Status: harvest.ItemParsed}))
	_, err := s.CommitImport(ctx, "it", []harvest.Problem{{ID: "p", Status: harvest.ProblemRejected}}, nil, t0)
	require.NoError(t, err)

	_, err = s.ApplyReview(ctx, "p", func(p harvest.Problem) (harvest.Problem, harvest.ReviewRecord, error) {
		return p, harvest.ReviewRecord{}, harvest.ErrConflict
	})
	require.ErrorIs(t, err, harvest.ErrConflict)
	reviews, err := s.ListReviews(ctx, "p")
	require.NoError(t, err)
	require.Empty(t, reviews)
}

func TestListLogsNewestFirstAndPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendLog(ctx, harvest.LogEntry{
			ID:        string(rune('a' + i)),
			JobID:     "job",
			Level:     harvest.LevelError,
			CreatedAt: t0.Add(time.Duration(i) * 24 * time.Hour),
		}))
	}
	rows, total, err := s.ListLogs(ctx, "job", harvest.Page{Number: 1, Size: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Equal(t, "e", rows[0].ID)
	require.Equal(t, "d", rows[1].ID)

	removed, err := s.PurgeLogsBefore(ctx, t0.Add(48*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	errs, err := s.RecentErrors(ctx, 2)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	require.Equal(t, "e", errs[0].ID)
}

func TestItemAggregates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	c1, c2 := 0.4, 0.8
	require.NoError(t, s.CreateItem(ctx, harvest.Item{ID: "a", Status: harvest.ItemParsed, ProblemCount: 2, OCRConfidence: &c1, CreatedAt: t0}))
	require.NoError(t, s.CreateItem(ctx, harvest.Item{ID: "b", Status: harvest.ItemFailed, CreatedAt: t0}))
	require.NoError(t, s.CreateItem(ctx, harvest.Item{ID: "c", Status: harvest.ItemImported, ProblemCount: 3, OCRConfidence: &c2, CreatedAt: t0}))
	require.NoError(t, s.CreateItem(ctx, harvest.Item{ID: "old", Status: harvest.ItemParsed, ProblemCount: 9, CreatedAt: t0.Add(-48 * time.Hour)}))

	w := harvest.Window{From: t0.Add(-time.Hour), To: t0.Add(time.Hour)}
	n, err := s.CountItems(ctx, w)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	sum, err := s.SumProblemCounts(ctx, w)
	require.NoError(t, err)
	require.Equal(t, 5, sum)
	mean, err := s.MeanConfidence(ctx, w)
	require.NoError(t, err)
	require.InDelta(t, 0.6, mean, 1e-9)
	byStatus, err := s.CountItemsByStatus(ctx, w)
	require.NoError(t, err)
	require.Equal(t, 1, byStatus[harvest.ItemFailed])
}

func TestBlobStoreKeepsCopy(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "captures/job/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://captures/job/abc.html", uri)
	payload[0] = 'C'
	got, ct, ok := store.Object("captures/job/abc.html")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, "text/html", ct)
}
