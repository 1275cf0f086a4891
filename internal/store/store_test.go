package store_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/tideline/internal/models"
	"github.com/ifuryst/tideline/internal/store"
	"github.com/ifuryst/tideline/internal/testutil"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *store.Store {
	return store.New(testutil.NewTestDB(t), 5*time.Minute)
}

func newActions(action models.Action, due time.Time, step time.Duration, contentIDs ...string) []*models.ScheduledAction {
	out := make([]*models.ScheduledAction, len(contentIDs))
	for i, id := range contentIDs {
		out[i] = &models.ScheduledAction{
			BatchID:     "batch-1",
			ContentID:   id,
			Action:      action,
			ScheduledAt: due.Add(time.Duration(i) * step),
			Timezone:    "UTC",
			MaxAttempts: 3,
			CreatedBy:   "tester",
		}
	}
	return out
}

func TestBulkInsertCreatesPendingRows(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ids, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, ids, 3)

	all, err := s.ListBy(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, a := range all {
		assert.Equal(t, ids[i], a.ID)
		assert.Equal(t, models.StatusPending, a.Status)
		assert.Equal(t, 0, a.Attempts)
		assert.True(t, base.Equal(a.ScheduledAt))
	}
}

func TestBulkInsertRejectsDuplicatePendingAtomically(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "b"))
	require.NoError(t, err)

	_, err = s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "a", "b", "c"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicatePending))

	all, err := s.ListBy(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "no partial batch may be left behind")
}

func TestBulkInsertAllowsOtherActionKindsAndFinishedSlots(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ids, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "a"))
	require.NoError(t, err)

	_, err = s.BulkInsert(ctx, newActions(models.ActionArchive, base.Add(time.Hour), 0, "a"))
	require.NoError(t, err)

	_, err = s.Cancel(ctx, ids[0])
	require.NoError(t, err)

	_, err = s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "a"))
	require.NoError(t, err, "a cancelled action frees its slot")
}

func TestBulkInsertEmpty(t *testing.T) {
	_, err := newStore(t).BulkInsert(context.Background(), nil)
	assert.True(t, errors.Is(err, store.ErrEmptyInsert))
}

func TestListByFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// Inserted out of due order; equal instants keep insertion order.
	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base.Add(time.Hour), 0, "late-1", "late-2"))
	require.NoError(t, err)
	_, err = s.BulkInsert(ctx, newActions(models.ActionArchive, base, 0, "early"))
	require.NoError(t, err)

	all, err := s.ListBy(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"early", "late-1", "late-2"}, contentIDs(all))

	published, err := s.ListBy(ctx, store.Filter{Action: models.ActionPublish})
	require.NoError(t, err)
	assert.Equal(t, []string{"late-1", "late-2"}, contentIDs(published))

	one, err := s.ListBy(ctx, store.Filter{ContentID: "late-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"late-2"}, contentIDs(one))

	page, err := s.ListBy(ctx, store.Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"late-1"}, contentIDs(page))
}

func TestListByPendingIncludesClaimed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, time.Hour, "a", "b"))
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	pending, err := s.ListBy(ctx, store.Filter{Status: models.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{Pending: 2}, *stats)
}

func TestClaimDueOnlyReturnsDueRows(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 10*time.Minute, "a", "b", "c"))
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, contentIDs(claimed))
	for _, a := range claimed {
		assert.Equal(t, models.StatusRunning, a.Status)
		assert.NotEmpty(t, a.ClaimToken)
		require.NotNil(t, a.LeaseExpiresAt)
		assert.False(t, a.ScheduledAt.After(base.Add(10*time.Minute)))
	}

	again, err := s.ClaimDue(ctx, base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed rows are not handed out twice")
}

func TestClaimDueRespectsLimitAndDueOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, -time.Minute, "newest", "middle", "oldest"))
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, base, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"oldest", "middle"}, contentIDs(claimed))
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	const total = 40
	ids := make([]string, total)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%02d", i)
	}
	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, ids...))
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got []uint
		wg  sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimDue(ctx, base, 3)
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, a := range claimed {
					got = append(got, a.ID)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, got, total)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1], got[i], "action %d claimed twice", got[i])
	}
}

func TestResolveSuccess(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "a"))
	require.NoError(t, err)
	claimed, err := s.ClaimDue(ctx, base, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	done, err := s.Resolve(ctx, claimed[0].ID, claimed[0].ClaimToken, store.Succeeded())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.NotNil(t, done.ExecutedAt)
	assert.Empty(t, done.ClaimToken)

	_, err = s.Resolve(ctx, claimed[0].ID, claimed[0].ClaimToken, store.Succeeded())
	assert.True(t, errors.Is(err, store.ErrAlreadyResolved))
}

func TestResolveRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionUnpublish, base, 0, "a"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimDue(ctx, base, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		got, err := s.Resolve(ctx, claimed[0].ID, claimed[0].ClaimToken, store.Failed("upstream 503", false))
		require.NoError(t, err)
		assert.Equal(t, attempt, got.Attempts)

		if attempt < 3 {
			assert.Equal(t, models.StatusPending, got.Status)
			assert.Empty(t, got.LastError)
		} else {
			assert.Equal(t, models.StatusFailed, got.Status)
			assert.Equal(t, "upstream 503", got.LastError)
		}
	}

	claimed, err := s.ClaimDue(ctx, base, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "failed actions are never claimed again")
}

func TestResolveSucceedsOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "a"))
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, base, 1)
	require.NoError(t, err)
	_, err = s.Resolve(ctx, claimed[0].ID, claimed[0].ClaimToken, store.Failed("timeout", false))
	require.NoError(t, err)

	claimed, err = s.ClaimDue(ctx, base, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	got, err := s.Resolve(ctx, claimed[0].ID, claimed[0].ClaimToken, store.Succeeded())
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestResolveTerminalFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionArchive, base, 0, "gone"))
	require.NoError(t, err)
	claimed, err := s.ClaimDue(ctx, base, 1)
	require.NoError(t, err)

	got, err := s.Resolve(ctx, claimed[0].ID, claimed[0].ClaimToken, store.Failed("content not found", true))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "content not found", got.LastError)
}

func TestResolveWithStaleTokenLosesClaim(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "a"))
	require.NoError(t, err)
	claimed, err := s.ClaimDue(ctx, base, 1)
	require.NoError(t, err)

	_, err = s.Resolve(ctx, claimed[0].ID, "not-the-token", store.Succeeded())
	assert.True(t, errors.Is(err, store.ErrClaimLost))

	_, err = s.Resolve(ctx, 9999, "x", store.Succeeded())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ids, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, time.Hour, "a", "b"))
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	claimed, err := s.ClaimDue(ctx, base.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []uint{ids[0]}, actionIDs(claimed), "cancelled actions are never claimed")

	// claimed (running) row
	_, err = s.Cancel(ctx, ids[0])
	assert.True(t, errors.Is(err, store.ErrNotCancellable))
	got, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	// already cancelled
	_, err = s.Cancel(ctx, ids[1])
	assert.True(t, errors.Is(err, store.ErrNotCancellable))

	// completed
	_, err = s.Resolve(ctx, ids[0], claimed[0].ClaimToken, store.Succeeded())
	require.NoError(t, err)
	_, err = s.Cancel(ctx, ids[0])
	assert.True(t, errors.Is(err, store.ErrNotCancellable))
	got, err = s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	_, err = s.Cancel(ctx, 424242)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestReclaimExpired(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	actions := newActions(models.ActionPublish, base, 0, "retry", "exhausted")
	actions[1].MaxAttempts = 1
	_, err := s.BulkInsert(ctx, actions)
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Lease still valid: nothing happens.
	reclaimed, expired, err := s.ReclaimExpired(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Zero(t, expired)

	reclaimed, expired, err = s.ReclaimExpired(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, reclaimed)
	assert.EqualValues(t, 1, expired)

	retry, err := s.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retry.Status)
	assert.Equal(t, 1, retry.Attempts)

	dead, err := s.Get(ctx, claimed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, dead.Status)
	assert.NotEmpty(t, dead.LastError)

	// The original claim holder can no longer resolve.
	_, err = s.Resolve(ctx, claimed[0].ID, claimed[0].ClaimToken, store.Succeeded())
	assert.True(t, errors.Is(err, store.ErrClaimLost))
	_, err = s.Resolve(ctx, claimed[1].ID, claimed[1].ClaimToken, store.Succeeded())
	assert.True(t, errors.Is(err, store.ErrAlreadyResolved))
}

func TestExtendLeaseKeepsClaimAlive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "kept", "lost"))
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Renewed at +4m, so the lease now runs to +9m.
	require.NoError(t, s.ExtendLease(ctx, claimed[0].ID, claimed[0].ClaimToken, base.Add(4*time.Minute)))

	reclaimed, _, err := s.ReclaimExpired(ctx, base.Add(6*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, reclaimed)

	kept, err := s.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, kept.Status)
	require.NotNil(t, kept.LeaseExpiresAt)
	assert.True(t, base.Add(9*time.Minute).Equal(kept.LeaseExpiresAt.UTC()))

	err = s.ExtendLease(ctx, claimed[1].ID, claimed[1].ClaimToken, base.Add(6*time.Minute))
	assert.True(t, errors.Is(err, store.ErrClaimLost))
	err = s.ExtendLease(ctx, claimed[0].ID, "someone-else", base.Add(6*time.Minute))
	assert.True(t, errors.Is(err, store.ErrClaimLost))
}

func TestReleaseDoesNotCountAnAttempt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ids, err := s.BulkInsert(ctx, newActions(models.ActionUnpublish, base, 0, "a"))
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.Release(ctx, claimed[0].ID, claimed[0].ClaimToken))

	got, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.ClaimToken)
	assert.Nil(t, got.LeaseExpiresAt)

	err = s.Release(ctx, claimed[0].ID, claimed[0].ClaimToken)
	assert.True(t, errors.Is(err, store.ErrClaimLost))

	again, err := s.ClaimDue(ctx, base, 10)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ids, err := s.BulkInsert(ctx, newActions(models.ActionPublish, base, 0, "a", "b", "c", "d"))
	require.NoError(t, err)
	_, err = s.Cancel(ctx, ids[3])
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, base, 2)
	require.NoError(t, err)
	_, err = s.Resolve(ctx, claimed[0].ID, claimed[0].ClaimToken, store.Succeeded())
	require.NoError(t, err)
	_, err = s.Resolve(ctx, claimed[1].ID, claimed[1].ClaimToken, store.Failed("boom", true))
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{Pending: 1, Completed: 1, Failed: 1, Cancelled: 1}, *stats)
}

func contentIDs(actions []models.ScheduledAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ContentID
	}
	return out
}

func actionIDs(actions []models.ScheduledAction) []uint {
	out := make([]uint, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}
