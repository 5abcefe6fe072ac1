package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("b-%03d", s.n.Add(1)), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type nopEvents struct{}

func (nopEvents) Emit(context.Context, harvest.LogLevel, string, string, string, string, map[string]any) {
}

// fakeRunner records runs and optionally blocks until released.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	release chan struct{}
	fail    map[string]bool
}

func (r *fakeRunner) Run(_ context.Context, batchID string, src harvest.Source) (harvest.Job, error) {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, batchID+"/"+src.ID)
	status := harvest.JobSuccess
	if r.fail[src.ID] {
		status = harvest.JobFailed
	}
	return harvest.Job{BatchID: batchID, SourceID: src.ID, Status: status}, nil
}

func (r *fakeRunner) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

type fixture struct {
	store  *memory.Store
	clock  *manualClock
	runner *fakeRunner
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	clock := &manualClock{now: time.Date(2026, 6, 10, 9, 30, 0, 0, time.UTC)}
	runner := &fakeRunner{}
	ctx := context.Background()
	for _, src := range []harvest.Source{
		{ID: "s1", Name: "one", Active: true},
		{ID: "s2", Name: "two", Active: true},
		{ID: "off", Name: "inactive", Active: false},
	} {
		require.NoError(t, store.CreateSource(ctx, src))
	}
	sched := New(Config{Concurrency: 2}, store, runner, nopEvents{}, &seqIDs{}, clock, nil)
	return &fixture{store: store, clock: clock, runner: runner, sched: sched}
}

func intPtr(v int) *int { return &v }

func statusPtr(s harvest.BatchStatus) *harvest.BatchStatus { return &s }

func TestCreateValidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]CreateInput{
		"empty name":     {Name: " ", SourceIDs: []string{"s1"}},
		"no sources":     {Name: "b"},
		"unknown source": {Name: "b", SourceIDs: []string{"s1", "nope"}},
		"bad schedule":   {Name: "b", SourceIDs: []string{"s1"}, Schedule: "daily"},
		"short schedule": {Name: "b", SourceIDs: []string{"s1"}, Schedule: "5s"},
		"priority":       {Name: "b", SourceIDs: []string{"s1"}, Priority: intPtr(101)},
	}
	for name, in := range cases {
		_, err := f.sched.Create(ctx, in)
		require.ErrorIs(t, err, harvest.ErrValidation, name)
	}

	total, err := countBatches(f)
	require.NoError(t, err)
	require.Zero(t, total)
}

func countBatches(f *fixture) (int, error) {
	_, total, err := f.store.ListBatches(context.Background(), "", harvest.Page{})
	return total, err
}

func TestCreateComputesInitialRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	plain, err := f.sched.Create(ctx, CreateInput{Name: "plain", SourceIDs: []string{"s1", "s1"}})
	require.NoError(t, err)
	require.Nil(t, plain.NextRunAt)
	require.Equal(t, []string{"s1"}, plain.SourceIDs)
	require.Equal(t, harvest.BatchQueued, plain.Status)

	night, err := f.sched.Create(ctx, CreateInput{Name: "night", SourceIDs: []string{"s1"}, NightMode: true})
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 6, 10, 22, 0, 0, 0, time.UTC), *night.NextRunAt)

	sched, err := f.sched.Create(ctx, CreateInput{Name: "every", SourceIDs: []string{"s1"}, Schedule: "6h"})
	require.NoError(t, err)
	require.Equal(t, now.Add(6*time.Hour), *sched.NextRunAt)
}

func TestNextNightRun(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+8", 8*3600)
	before := time.Date(2026, 1, 5, 21, 59, 59, 0, loc)
	require.Equal(t, time.Date(2026, 1, 5, 22, 0, 0, 0, loc), NextNightRun(before, loc))

	exact := time.Date(2026, 1, 5, 22, 0, 0, 0, loc)
	require.Equal(t, exact, NextNightRun(exact, loc))

	after := time.Date(2026, 1, 5, 22, 0, 1, 0, loc)
	want := time.Date(2026, 1, 5, 22, 0, 0, 0, loc).Add(24 * time.Hour)
	require.Equal(t, want, NextNightRun(after, loc))

	// Result is always at 22:00:00 local and never before now.
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 96; i++ {
		now := start.Add(time.Duration(i) * 17 * time.Minute)
		got := NextNightRun(now, loc)
		local := got.In(loc)
		require.Equal(t, []int{22, 0, 0}, []int{local.Hour(), local.Minute(), local.Second()})
		require.False(t, got.Before(now))
		require.Less(t, got.Sub(now), 24*time.Hour+time.Second)
	}
}

func TestTickPicksHighestPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.Create(ctx, CreateInput{Name: "low", SourceIDs: []string{"s1"}, Priority: intPtr(0)})
	require.NoError(t, err)
	high, err := f.sched.Create(ctx, CreateInput{Name: "high", SourceIDs: []string{"s2"}, Priority: intPtr(100)})
	require.NoError(t, err)

	claimed, ok, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, high.ID, claimed.ID)
	require.Equal(t, harvest.BatchRunning, claimed.Status)
	require.NotNil(t, claimed.LastRunAt)
	f.sched.Wait()
	require.Equal(t, []string{high.ID + "/s2"}, f.runner.snapshot())
}

func TestTickSkipsFutureBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.Create(ctx, CreateInput{Name: "later", SourceIDs: []string{"s1"}, Schedule: "1h"})
	require.NoError(t, err)

	_, ok, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	f.clock.Set(f.clock.Now().Add(time.Hour))
	_, ok, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	f.sched.Wait()
}

func TestTickIsMutuallyExclusive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runner.release = make(chan struct{})
	ctx := context.Background()
	b, err := f.sched.Create(ctx, CreateInput{Name: "one", SourceIDs: []string{"s1"}})
	require.NoError(t, err)

	var claims atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := f.sched.Tick(ctx); err == nil && ok {
				claims.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, claims.Load())

	running, err := f.sched.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.BatchRunning, running.Status)

	close(f.runner.release)
	f.sched.Wait()
	done, err := f.sched.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.BatchDone, done.Status)
}

func TestCompletionRequeuesRepeatingBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	b, err := f.sched.Create(ctx, CreateInput{Name: "every", SourceIDs: []string{"s1", "s2", "off"}, Schedule: "2h"})
	require.NoError(t, err)

	f.clock.Set(f.clock.Now().Add(2 * time.Hour))
	_, ok, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	f.sched.Wait()

	require.ElementsMatch(t, []string{b.ID + "/s1", b.ID + "/s2"}, f.runner.snapshot())
	after, err := f.sched.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.BatchQueued, after.Status)
	require.Equal(t, f.clock.Now().Add(2*time.Hour), *after.NextRunAt)
}

func TestNightBatchReturnsToQueueAtNextAnchor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	b, err := f.sched.Create(ctx, CreateInput{Name: "night", SourceIDs: []string{"s1"}, NightMode: true})
	require.NoError(t, err)

	f.clock.Set(time.Date(2026, 6, 10, 22, 0, 5, 0, time.UTC))
	_, ok, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	f.sched.Wait()

	after, err := f.sched.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.BatchQueued, after.Status)
	require.Equal(t, time.Date(2026, 6, 11, 22, 0, 0, 0, time.UTC), *after.NextRunAt)
}

func TestMutateActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	b, err := f.sched.Create(ctx, CreateInput{Name: "b", SourceIDs: []string{"s1"}, Schedule: "12h", Priority: intPtr(3)})
	require.NoError(t, err)

	paused, err := f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Action: harvest.ActionPause})
	require.NoError(t, err)
	require.Equal(t, harvest.BatchPaused, paused.Status)

	_, ok, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	resumed, err := f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Action: harvest.ActionResume})
	require.NoError(t, err)
	require.Equal(t, harvest.BatchQueued, resumed.Status)
	require.Equal(t, 3, resumed.Priority)

	run, err := f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Action: harvest.ActionRun})
	require.NoError(t, err)
	require.Equal(t, harvest.BatchQueued, run.Status)
	require.Equal(t, harvest.RunNowPriority, run.Priority)
	require.Equal(t, f.clock.Now(), *run.NextRunAt)

	prio, err := f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Priority: intPtr(7)})
	require.NoError(t, err)
	require.Equal(t, 7, prio.Priority)

	_, err = f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Action: "explode"})
	require.ErrorIs(t, err, harvest.ErrValidation)
	_, err = f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Status: statusPtr(harvest.BatchRunning)})
	require.ErrorIs(t, err, harvest.ErrConflict)
	_, err = f.sched.Mutate(ctx, "missing", harvest.BatchMutation{Action: harvest.ActionPause})
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestMutateRunningBatchDefersPause(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runner.release = make(chan struct{})
	ctx := context.Background()
	b, err := f.sched.Create(ctx, CreateInput{Name: "b", SourceIDs: []string{"s1"}, Schedule: "1h"})
	require.NoError(t, err)
	_, err = f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Action: harvest.ActionRun})
	require.NoError(t, err)

	_, ok, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Action: harvest.ActionPause})
	require.NoError(t, err)
	require.Equal(t, harvest.BatchRunning, pending.Status)
	require.True(t, pending.PauseRequested)

	_, err = f.sched.Mutate(ctx, b.ID, harvest.BatchMutation{Status: statusPtr(harvest.BatchDone)})
	require.ErrorIs(t, err, harvest.ErrConflict)
	require.ErrorIs(t, f.sched.Delete(ctx, b.ID), harvest.ErrConflict)

	close(f.runner.release)
	f.sched.Wait()

	after, err := f.sched.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.BatchPaused, after.Status)
	require.False(t, after.PauseRequested)

	require.NoError(t, f.sched.Delete(ctx, b.ID))
}

func TestListRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, err := f.sched.List(context.Background(), "SLEEPING", harvest.Page{})
	require.ErrorIs(t, err, harvest.ErrValidation)
}

func TestRunLoopTicksUntilCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	b, err := f.sched.Create(ctx, CreateInput{Name: "b", SourceIDs: []string{"s1"}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		got, err := f.sched.Get(context.Background(), b.ID)
		return err == nil && got.Status == harvest.BatchDone
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	f.sched.Wait()
}
