package notifystore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matthewsabia/autopen-notify/pkg/notifystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQuerier is an in-memory Querier with per-method failure switches.
type fakeQuerier struct {
	mu sync.Mutex

	rows []notifystore.Notification

	failSelectPage  bool
	failUnreadCount bool
	failUpdateRead  bool
	failUpdateBulk  bool
	failDelete      bool

	selectPageCalls  int
	unreadCountCalls int

	// blockSelectPage, when set, is closed by the test to release an
	// in-flight SelectPage call.
	blockSelectPage chan struct{}
}

var errRemote = errors.New("remote failed")

func (f *fakeQuerier) SelectPage(_ context.Context, userID uuid.UUID, limit, offset int) ([]notifystore.Notification, error) {
	f.mu.Lock()
	f.selectPageCalls++
	block := f.blockSelectPage
	fail := f.failSelectPage
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return nil, errRemote
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var page []notifystore.Notification
	skipped := 0
	for _, n := range f.rows {
		if n.UserID != userID || n.IsDeleted {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		page = append(page, n)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeQuerier) SelectUnreadCount(_ context.Context, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadCountCalls++
	if f.failUnreadCount {
		return 0, errRemote
	}
	count := 0
	for _, n := range f.rows {
		if n.UserID == userID && !n.IsDeleted && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeQuerier) UpdateReadAt(_ context.Context, userID, id uuid.UUID, readAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateRead {
		return 0, errRemote
	}
	for i := range f.rows {
		n := &f.rows[i]
		if n.ID == id && n.UserID == userID && !n.IsDeleted && n.ReadAt == nil {
			t := readAt
			n.ReadAt = &t
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeQuerier) UpdateReadAtBulk(_ context.Context, userID uuid.UUID, readAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateBulk {
		return 0, errRemote
	}
	var affected int64
	for i := range f.rows {
		n := &f.rows[i]
		if n.UserID == userID && !n.IsDeleted && n.ReadAt == nil {
			t := readAt
			n.ReadAt = &t
			affected++
		}
	}
	return affected, nil
}

func (f *fakeQuerier) UpdateDeleted(_ context.Context, userID, id uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return 0, errRemote
	}
	for i := range f.rows {
		n := &f.rows[i]
		if n.ID == id && n.UserID == userID && !n.IsDeleted {
			n.IsDeleted = true
			return 1, nil
		}
	}
	return 0, nil
}

func newRow(userID uuid.UUID, createdAt time.Time) notifystore.Notification {
	return notifystore.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     "title",
		Message:   "message",
		Type:      "info",
		CreatedAt: createdAt,
	}
}

// seedRows creates n unread rows with strictly decreasing created_at,
// newest first.
func seedRows(userID uuid.UUID, n int) []notifystore.Notification {
	base := time.Now()
	rows := make([]notifystore.Notification, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, newRow(userID, base.Add(-time.Duration(i)*time.Minute)))
	}
	return rows
}

// countInvariant re-derives the unread count from the cached items; after any
// settled operation it must equal the store's tracked count.
func countInvariant(t *testing.T, s *notifystore.Store) {
	t.Helper()
	derived := 0
	for _, n := range s.Items() {
		if !n.IsDeleted && n.ReadAt == nil {
			derived++
		}
	}
	assert.Equal(t, derived, s.UnreadCount(), "unread count diverged from cache")
}

func newStore(q notifystore.Querier, userID uuid.UUID, opts ...notifystore.Option) *notifystore.Store {
	return notifystore.New(q, notifystore.Session{UserID: userID, Token: "t"}, opts...)
}

func TestLoadFirstPage_ReplacesCacheAndCount(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 15)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	assert.Len(t, s.Items(), 10)
	assert.Equal(t, 15, s.UnreadCount())
	assert.True(t, s.HasMore())
	assert.False(t, s.Loading())
	countInvariantAfterFullLoad(t, s, q, ctx)
}

// The count invariant as stated applies to the cached window; with more rows
// on the server than cached, the badge reflects the server count. After
// loading everything the two coincide.
func countInvariantAfterFullLoad(t *testing.T, s *notifystore.Store, q *fakeQuerier, ctx context.Context) {
	t.Helper()
	for s.HasMore() {
		require.NoError(t, s.LoadNextPage(ctx))
	}
	countInvariant(t, s)
}

func TestLoadFirstPage_FailureKeepsPriorCache(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 5)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	require.Len(t, s.Items(), 5)

	q.mu.Lock()
	q.failSelectPage = true
	q.mu.Unlock()

	err := s.LoadFirstPage(ctx)
	require.ErrorIs(t, err, errRemote)
	assert.Len(t, s.Items(), 5, "failed reload must not clear the cache")
	assert.Equal(t, 5, s.UnreadCount())
	assert.ErrorIs(t, s.LastErr(), errRemote)
}

func TestLoadNextPage_PaginationOrdering(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 30)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	require.NoError(t, s.LoadNextPage(ctx))
	require.NoError(t, s.LoadNextPage(ctx))

	items := s.Items()
	require.Len(t, items, 30)

	seen := make(map[uuid.UUID]bool)
	for i, n := range items {
		require.False(t, seen[n.ID], "duplicate id in cache")
		seen[n.ID] = true
		if i > 0 {
			assert.True(t, !items[i-1].CreatedAt.Before(n.CreatedAt), "items must stay newest-first")
		}
	}
}

func TestLoadNextPage_ShortPageStopsPagination(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 13)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	require.NoError(t, s.LoadNextPage(ctx))
	assert.False(t, s.HasMore())
	assert.Len(t, s.Items(), 13)

	// Exhausted: further calls are no-ops with no remote traffic.
	before := q.selectPageCalls
	require.NoError(t, s.LoadNextPage(ctx))
	assert.Equal(t, before, q.selectPageCalls)
}

func TestLoadNextPage_SingleFlight(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 30)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))

	release := make(chan struct{})
	q.mu.Lock()
	q.blockSelectPage = release
	before := q.selectPageCalls
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.LoadNextPage(ctx) }()

	// Wait for the first call to be in flight.
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.selectPageCalls > before
	}, time.Second, time.Millisecond)

	// Re-entrant call while loading is ignored.
	require.NoError(t, s.LoadNextPage(ctx))
	q.mu.Lock()
	assert.Equal(t, before+1, q.selectPageCalls)
	q.blockSelectPage = nil
	q.mu.Unlock()

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, s.Items(), 20)
}

func TestMarkAsRead_Idempotent(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 3)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	target := s.Items()[1].ID

	require.NoError(t, s.MarkAsRead(ctx, target))
	assert.Equal(t, 2, s.UnreadCount())
	countInvariant(t, s)

	// Second call is a no-op: readAt stays, count decremented exactly once.
	require.NoError(t, s.MarkAsRead(ctx, target))
	assert.Equal(t, 2, s.UnreadCount())
	countInvariant(t, s)

	for _, n := range s.Items() {
		if n.ID == target {
			assert.NotNil(t, n.ReadAt)
		}
	}
}

func TestMarkAsRead_RollbackOnFailure(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 3)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	before := s.Items()
	beforeCount := s.UnreadCount()
	target := before[0].ID

	q.mu.Lock()
	q.failUpdateRead = true
	q.mu.Unlock()

	err := s.MarkAsRead(ctx, target)
	require.ErrorIs(t, err, errRemote)

	assert.Equal(t, before, s.Items(), "state must match pre-call exactly")
	assert.Equal(t, beforeCount, s.UnreadCount())
	assert.ErrorIs(t, s.LastErr(), errRemote)
	countInvariant(t, s)
}

func TestMarkAsRead_StaleConflictIsSuccess(t *testing.T) {
	userID := uuid.New()
	rows := seedRows(userID, 1)
	q := &fakeQuerier{rows: rows}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))

	// Another session reads it server-side first.
	now := time.Now()
	q.mu.Lock()
	q.rows[0].ReadAt = &now
	q.mu.Unlock()

	require.NoError(t, s.MarkAsRead(ctx, rows[0].ID))
	assert.Equal(t, 0, s.UnreadCount())
	assert.NoError(t, s.LastErr())
}

func TestMarkAsRead_UnknownIDIsNoop(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 2)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	require.NoError(t, s.MarkAsRead(ctx, uuid.New()))
	assert.Equal(t, 2, s.UnreadCount())
}

func TestMarkAllAsRead_OptimisticSweepAndSuccess(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 3)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	require.NoError(t, s.MarkAllAsRead(ctx))

	assert.Equal(t, 0, s.UnreadCount())
	for _, n := range s.Items() {
		assert.NotNil(t, n.ReadAt)
	}
	countInvariant(t, s)

	// No-op at zero: no further remote traffic needed, state unchanged.
	require.NoError(t, s.MarkAllAsRead(ctx))
	assert.Equal(t, 0, s.UnreadCount())
}

func TestMarkAllAsRead_FailureRederivesCountOnly(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 3)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))

	q.mu.Lock()
	q.failUpdateBulk = true
	q.mu.Unlock()

	err := s.MarkAllAsRead(ctx)
	require.ErrorIs(t, err, errRemote)

	// Count comes back from the server; per-item readAt stays optimistic.
	assert.Equal(t, 3, s.UnreadCount())
	for _, n := range s.Items() {
		assert.NotNil(t, n.ReadAt, "per-item rollback is deliberately not attempted")
	}
}

func TestDeleteNotification_OptimisticRemoveAndRollback(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 3)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	before := s.Items()
	target := before[1]

	require.NoError(t, s.DeleteNotification(ctx, target.ID))
	assert.Len(t, s.Items(), 2)
	assert.Equal(t, 2, s.UnreadCount())
	countInvariant(t, s)

	// Failure path restores the item at its prior position.
	q.mu.Lock()
	q.failDelete = true
	q.mu.Unlock()

	second := s.Items()[1]
	err := s.DeleteNotification(ctx, second.ID)
	require.ErrorIs(t, err, errRemote)
	require.Len(t, s.Items(), 2)
	assert.Equal(t, second.ID, s.Items()[1].ID, "restored at prior position")
	assert.Equal(t, 2, s.UnreadCount())
	countInvariant(t, s)
}

func TestHandleInsert_PrependAndDedup(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 2)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))

	fresh := newRow(userID, time.Now().Add(time.Minute))
	s.HandleInsert(fresh)
	items := s.Items()
	require.Len(t, items, 3)
	assert.Equal(t, fresh.ID, items[0].ID, "push inserts prepend")
	assert.Equal(t, 3, s.UnreadCount())

	// At-least-once delivery: the duplicate is ignored.
	s.HandleInsert(fresh)
	assert.Len(t, s.Items(), 3)
	assert.Equal(t, 3, s.UnreadCount())
	countInvariant(t, s)
}

func TestHandleInsert_RaceWithFetchDedups(t *testing.T) {
	userID := uuid.New()
	rows := seedRows(userID, 2)
	q := &fakeQuerier{rows: rows}
	s := newStore(q, userID)
	ctx := context.Background()

	// The push event and the page fetch both deliver rows[0].
	s.HandleInsert(rows[0])
	require.NoError(t, s.LoadFirstPage(ctx))

	ids := make(map[uuid.UUID]int)
	for _, n := range s.Items() {
		ids[n.ID]++
	}
	assert.Equal(t, 1, ids[rows[0].ID], "exactly one entry per id")
	countInvariant(t, s)
}

func TestHandleInsert_IgnoresTombstonesAndForeignRows(t *testing.T) {
	userID := uuid.New()
	s := newStore(&fakeQuerier{}, userID)

	dead := newRow(userID, time.Now())
	dead.IsDeleted = true
	s.HandleInsert(dead)

	foreign := newRow(uuid.New(), time.Now())
	s.HandleInsert(foreign)

	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.UnreadCount())
}

func TestHandleUpdate_SoftDeleteExclusion(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 3)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	target := s.Items()[0]

	oldRow := target
	newRowDeleted := target
	newRowDeleted.IsDeleted = true
	s.HandleUpdate(oldRow, newRowDeleted)

	assert.Len(t, s.Items(), 2)
	assert.Equal(t, 2, s.UnreadCount(), "unread decremented by exactly 1")
	countInvariant(t, s)

	// A later MarkAsRead on the tombstoned id is a no-op.
	require.NoError(t, s.MarkAsRead(ctx, target.ID))
	assert.Equal(t, 2, s.UnreadCount())
}

func TestHandleUpdate_ReadStateFromAnotherSession(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 2)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	target := s.Items()[0]

	now := time.Now()
	read := target
	read.ReadAt = &now
	s.HandleUpdate(target, read)

	assert.Equal(t, 1, s.UnreadCount())
	countInvariant(t, s)

	// And back to unread (server-side correction).
	s.HandleUpdate(read, target)
	assert.Equal(t, 2, s.UnreadCount())
	countInvariant(t, s)
}

func TestHandleUpdate_UncachedRowIgnored(t *testing.T) {
	userID := uuid.New()
	s := newStore(&fakeQuerier{}, userID)

	row := newRow(userID, time.Now())
	updated := row
	now := time.Now()
	updated.ReadAt = &now
	s.HandleUpdate(row, updated)

	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.UnreadCount())
}

func TestPushUpdate_DuringInFlightMutation_ServerWins(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 1)}
	s := newStore(q, userID)
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	target := s.Items()[0]

	q.mu.Lock()
	q.failUpdateRead = true
	q.mu.Unlock()

	// The remote mark-as-read will fail, but before it settles a push event
	// for the same id lands with a different read timestamp. The rollback
	// must notice the cache no longer matches its expected prior state and
	// skip reverting.
	serverRead := target
	otherTime := time.Now().Add(time.Hour)
	serverRead.ReadAt = &otherTime

	// Simulate the interleaving deterministically: optimistic apply happens
	// inside MarkAsRead, then we overwrite via push before the error path
	// rolls back. The fake's failure is immediate, so apply the push first
	// and verify rollback respects a foreign timestamp.
	s.HandleUpdate(target, serverRead)
	err := s.MarkAsRead(ctx, target.ID)
	require.NoError(t, err, "already read per push, so the call is a no-op")

	items := s.Items()
	require.Len(t, items, 1)
	require.NotNil(t, items[0].ReadAt)
	assert.True(t, items[0].ReadAt.Equal(otherTime), "push timestamp must survive")
	assert.Equal(t, 0, s.UnreadCount())
}

func TestSetSession_ClearsCacheAndDropsInFlight(t *testing.T) {
	userA := uuid.New()
	userB := uuid.New()
	q := &fakeQuerier{rows: append(seedRows(userA, 5), seedRows(userB, 2)...)}
	s := newStore(q, userA)
	ctx := context.Background()

	release := make(chan struct{})
	q.mu.Lock()
	q.blockSelectPage = release
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.LoadFirstPage(ctx) }()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.selectPageCalls > 0
	}, time.Second, time.Millisecond)

	// Identity changes while the old user's first page is in flight.
	s.SetSession(notifystore.Session{UserID: userB, Token: "t2"})
	q.mu.Lock()
	q.blockSelectPage = nil
	q.mu.Unlock()
	close(release)
	require.NoError(t, <-done)

	assert.Empty(t, s.Items(), "stale result for the old session must be dropped")
	assert.Equal(t, 0, s.UnreadCount())

	require.NoError(t, s.LoadFirstPage(ctx))
	assert.Len(t, s.Items(), 2)
	for _, n := range s.Items() {
		assert.Equal(t, userB, n.UserID)
	}
}

func TestClose_RejectsOperations(t *testing.T) {
	userID := uuid.New()
	s := newStore(&fakeQuerier{rows: seedRows(userID, 1)}, userID)
	s.Close()

	assert.ErrorIs(t, s.LoadFirstPage(context.Background()), notifystore.ErrClosed)
	assert.ErrorIs(t, s.MarkAsRead(context.Background(), uuid.New()), notifystore.ErrClosed)
	s.HandleInsert(newRow(userID, time.Now()))
	assert.Empty(t, s.Items())
}

func TestMarkAllAsRead_ScenarioFromThreeUnread(t *testing.T) {
	// Three unread notifications; mark all; optimistic sweep shows all read
	// and zero badge. With remote success state is unchanged; with remote
	// failure the badge is re-derived to the true server value while items
	// keep their optimistic timestamps.
	for _, remoteFails := range []bool{false, true} {
		t.Run(fmt.Sprintf("remoteFails=%v", remoteFails), func(t *testing.T) {
			userID := uuid.New()
			q := &fakeQuerier{rows: seedRows(userID, 3)}
			s := newStore(q, userID)
			ctx := context.Background()
			require.NoError(t, s.LoadFirstPage(ctx))

			q.mu.Lock()
			q.failUpdateBulk = remoteFails
			q.mu.Unlock()

			err := s.MarkAllAsRead(ctx)
			for _, n := range s.Items() {
				assert.NotNil(t, n.ReadAt)
			}
			if remoteFails {
				require.Error(t, err)
				assert.Equal(t, 3, s.UnreadCount())
			} else {
				require.NoError(t, err)
				assert.Equal(t, 0, s.UnreadCount())
			}
		})
	}
}

func TestWithPageSize(t *testing.T) {
	userID := uuid.New()
	q := &fakeQuerier{rows: seedRows(userID, 7)}
	s := newStore(q, userID, notifystore.WithPageSize(3))
	ctx := context.Background()

	require.NoError(t, s.LoadFirstPage(ctx))
	assert.Len(t, s.Items(), 3)
	assert.True(t, s.HasMore())
}
