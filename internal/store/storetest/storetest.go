// Package storetest holds the behavioural suite every store.Store backend
// must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Base is the reference instant used by the suite.
var Base = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a pending job scheduled delay after Base.
func NewJob(id string, delay time.Duration) *types.Job {
	return &types.Job{
		ID:          types.JobID(id),
		URL:         "https://www.example.com/" + id,
		Status:      types.StatusPending,
		ScheduledAt: Base.Add(delay).UnixMilli(),
		EnqueuedAt:  Base.UnixMilli(),
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"PutAndGet", testPutAndGet},
		{"DuplicatePut", testDuplicatePut},
		{"GetMissing", testGetMissing},
		{"ClaimDueRespectsTime", testClaimDueRespectsTime},
		{"ClaimDueOrderAndLimit", testClaimDueOrderAndLimit},
		{"ClaimDueExactlyOnce", testClaimDueExactlyOnce},
		{"UpdateStatusSucceeded", testUpdateStatusSucceeded},
		{"UpdateStatusFailed", testUpdateStatusFailed},
		{"UpdateStatusTransitions", testUpdateStatusTransitions},
		{"Requeue", testRequeue},
		{"StaleClaimIsFenced", testStaleClaimIsFenced},
		{"ExpiredLeases", testExpiredLeases},
		{"Ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func testPutAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob("job-1", time.Hour)
	require.NoError(t, s.Put(ctx, job))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.URL, got.URL)
	assert.Equal(t, job.ScheduledAt, got.ScheduledAt)
	assert.Equal(t, job.EnqueuedAt, got.EnqueuedAt)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LeaseUntil)
}

func testDuplicatePut(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, NewJob("dup", time.Minute)))
	err := s.Put(ctx, NewJob("dup", 2*time.Minute))
	assert.ErrorIs(t, err, store.ErrDuplicateJob)

	got, err := s.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, Base.Add(time.Minute).UnixMilli(), got.ScheduledAt)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func testClaimDueRespectsTime(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, NewJob("later", 10*time.Second)))

	claimed, err := s.ClaimDue(ctx, Base.Add(9*time.Second), 10, time.Minute, "w1")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// scheduled_at <= now is due
	claimed, err = s.ClaimDue(ctx, Base.Add(10*time.Second), 10, time.Minute, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	job := claimed[0]
	assert.Equal(t, types.JobID("later"), job.ID)
	assert.Equal(t, types.StatusInProgress, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "w1", job.WorkerID)
	require.NotNil(t, job.LeaseUntil)
	assert.Equal(t, Base.Add(10*time.Second+time.Minute).UnixMilli(), *job.LeaseUntil)

	stored, err := s.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func testClaimDueOrderAndLimit(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, NewJob("c", 3*time.Second)))
	require.NoError(t, s.Put(ctx, NewJob("a", 1*time.Second)))
	require.NoError(t, s.Put(ctx, NewJob("b", 2*time.Second)))

	now := Base.Add(time.Minute)
	first, err := s.ClaimDue(ctx, now, 2, time.Minute, "w1")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, types.JobID("a"), first[0].ID)
	assert.Equal(t, types.JobID("b"), first[1].ID)

	second, err := s.ClaimDue(ctx, now, 2, time.Minute, "w1")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, types.JobID("c"), second[0].ID)

	third, err := s.ClaimDue(ctx, now, 2, time.Minute, "w1")
	require.NoError(t, err)
	assert.Empty(t, third)
}

func testClaimDueExactlyOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.Put(ctx, NewJob(fmt.Sprintf("job-%02d", i), 0)))
	}

	var (
		mu     sync.Mutex
		seen   = make(map[types.JobID]int)
		wg     sync.WaitGroup
		errs   = make(chan error, 8)
		worker = func(n int) {
			defer wg.Done()
			for {
				claimed, err := s.ClaimDue(ctx, Base.Add(time.Second), 3, time.Minute, fmt.Sprintf("w%d", n))
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go worker(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func claimOne(t *testing.T, s store.Store, id string) store.Claim {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), NewJob(id, 0)))
	claimed, err := s.ClaimDue(context.Background(), Base, 1, time.Minute, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return store.ClaimOf(claimed[0])
}

func testUpdateStatusSucceeded(t *testing.T, s store.Store) {
	ctx := context.Background()
	claim := claimOne(t, s, "ok")
	assert.Equal(t, store.Claim{WorkerID: "w1", Attempt: 1}, claim)

	require.NoError(t, s.UpdateStatus(ctx, "ok", claim, types.StatusSucceeded, "Extracted data from x"))

	got, err := s.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, got.Status)
	assert.Equal(t, "Extracted data from x", got.Result)
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.FinishedAt)
	assert.Nil(t, got.LeaseUntil)
}

func testUpdateStatusFailed(t *testing.T, s store.Store) {
	ctx := context.Background()
	claim := claimOne(t, s, "bad")

	require.NoError(t, s.UpdateStatus(ctx, "bad", claim, types.StatusFailed, "status 404"))

	got, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "status 404", got.Error)
	assert.Empty(t, got.Result)
}

func testUpdateStatusTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()

	// pending cannot jump to a terminal state
	require.NoError(t, s.Put(ctx, NewJob("pending", time.Hour)))
	err := s.UpdateStatus(ctx, "pending", store.Claim{}, types.StatusSucceeded, "x")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// non-terminal targets are rejected
	claim := claimOne(t, s, "running")
	err = s.UpdateStatus(ctx, "running", claim, types.StatusPending, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// terminal is final
	require.NoError(t, s.UpdateStatus(ctx, "running", claim, types.StatusFailed, "boom"))
	err = s.UpdateStatus(ctx, "running", claim, types.StatusSucceeded, "x")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = s.UpdateStatus(ctx, "missing", claim, types.StatusSucceeded, "x")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func testRequeue(t *testing.T, s store.Store) {
	ctx := context.Background()
	claim := claimOne(t, s, "retry")

	require.NoError(t, s.Requeue(ctx, "retry", claim))
	got, err := s.Get(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, Base.UnixMilli(), got.ScheduledAt)
	assert.Nil(t, got.LeaseUntil)

	claimed, err := s.ClaimDue(ctx, Base, 1, time.Minute, "w2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
	assert.Equal(t, "w2", claimed[0].WorkerID)

	require.NoError(t, s.Put(ctx, NewJob("idle", time.Hour)))
	assert.ErrorIs(t, s.Requeue(ctx, "idle", store.Claim{}), store.ErrInvalidTransition)
	assert.ErrorIs(t, s.Requeue(ctx, "ghost", claim), store.ErrJobNotFound)
}

// A holder whose claim was reaped and handed to another worker can neither
// finish nor requeue the job; the current holder still can.
func testStaleClaimIsFenced(t *testing.T, s store.Store) {
	ctx := context.Background()
	stale := claimOne(t, s, "contended")
	require.NoError(t, s.Requeue(ctx, "contended", stale))

	claimed, err := s.ClaimDue(ctx, Base, 1, time.Minute, "w2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	current := store.ClaimOf(claimed[0])
	assert.Equal(t, store.Claim{WorkerID: "w2", Attempt: 2}, current)

	err = s.UpdateStatus(ctx, "contended", stale, types.StatusSucceeded, "late result")
	assert.ErrorIs(t, err, store.ErrClaimLost)
	assert.ErrorIs(t, s.Requeue(ctx, "contended", stale), store.ErrClaimLost)

	// same worker, earlier attempt
	err = s.UpdateStatus(ctx, "contended", store.Claim{WorkerID: "w2", Attempt: 1}, types.StatusFailed, "x")
	assert.ErrorIs(t, err, store.ErrClaimLost)

	got, err := s.Get(ctx, "contended")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
	assert.Equal(t, "w2", got.WorkerID)
	assert.Empty(t, got.Result)

	require.NoError(t, s.UpdateStatus(ctx, "contended", current, types.StatusSucceeded, "real result"))
	got, err = s.Get(ctx, "contended")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, got.Status)
	assert.Equal(t, "real result", got.Result)

	// finished jobs report the transition, not the claim
	err = s.UpdateStatus(ctx, "contended", stale, types.StatusFailed, "x")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func testExpiredLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, NewJob("short", 0)))
	require.NoError(t, s.Put(ctx, NewJob("long", time.Millisecond)))

	short, err := s.ClaimDue(ctx, Base, 1, 5*time.Second, "w1")
	require.NoError(t, err)
	require.Len(t, short, 1)
	_, err = s.ClaimDue(ctx, Base.Add(time.Millisecond), 1, time.Minute, "w1")
	require.NoError(t, err)

	ids, err := s.ExpiredLeases(ctx, Base.Add(4*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ExpiredLeases(ctx, Base.Add(6*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"short"}, ids)

	ids, err = s.ExpiredLeases(ctx, Base.Add(2*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"short"}, ids)

	require.NoError(t, s.UpdateStatus(ctx, "short", store.ClaimOf(short[0]), types.StatusFailed, "lease expired"))
	ids, err = s.ExpiredLeases(ctx, Base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"long"}, ids)
}

func testPing(t *testing.T, s store.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}
