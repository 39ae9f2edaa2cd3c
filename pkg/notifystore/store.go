// Package notifystore keeps a client-side cache of one user's notifications
// synchronized against the notification service. It pages older entries in on
// demand, applies row-level push events as they arrive, and performs
// mutations optimistically with rollback on remote failure. Every UI surface
// of a client (badge, dropdown, full list) is expected to read from the same
// store instance so unread counts cannot diverge.
package notifystore

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPageSize matches the service's default page size.
const DefaultPageSize = 10

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("notifystore: store is closed")

// Querier is the remote query/mutation surface the store synchronizes
// against. Reads exclude soft-deleted rows; conditional updates report
// affected rows so that a row already in the desired state is not an error.
type Querier interface {
	SelectPage(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Notification, error)
	SelectUnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	UpdateReadAt(ctx context.Context, userID, notificationID uuid.UUID, readAt time.Time) (int64, error)
	UpdateReadAtBulk(ctx context.Context, userID uuid.UUID, readAt time.Time) (int64, error)
	UpdateDeleted(ctx context.Context, userID, notificationID uuid.UUID) (int64, error)
}

// Store owns the client-visible notification state for one session.
//
// All state transitions happen under one mutex; remote calls are issued
// outside it. Results of an in-flight call are dropped when the generation
// counter has moved on (session change or Close), so a stale response can
// never corrupt the cache of a different user.
type Store struct {
	querier  Querier
	logger   *slog.Logger
	pageSize int

	mu      sync.Mutex
	session Session
	gen     uint64

	items       []Notification // newest-first, deduplicated by id
	unreadCount int
	page        int
	hasMore     bool
	loading     bool
	lastErr     error
	closed      bool
}

type Option func(*Store)

func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(querier Querier, session Session, opts ...Option) *Store {
	s := &Store{
		querier:  querier,
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
		session:  session,
		hasMore:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadFirstPage replaces the cache with the newest page and re-derives the
// unread count with an independent count query. It is idempotent and safe to
// call on reconnect. On failure the prior cache is left intact.
func (s *Store) LoadFirstPage(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	gen := s.gen
	userID := s.session.UserID
	s.loading = true
	s.mu.Unlock()

	items, err := s.querier.SelectPage(ctx, userID, s.pageSize, 0)
	var count int
	if err == nil {
		count, err = s.querier.SelectUnreadCount(ctx, userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.loading = false
	if err != nil {
		s.lastErr = err
		return err
	}

	s.lastErr = nil
	s.items = dedupByID(items)
	s.page = 1
	s.hasMore = len(items) == s.pageSize
	s.unreadCount = count
	return nil
}

// LoadNextPage appends the next-older page. It is a no-op while another load
// is in flight or when the previous page came back short.
func (s *Store) LoadNextPage(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.loading || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	userID := s.session.UserID
	offset := s.page * s.pageSize
	s.loading = true
	s.mu.Unlock()

	items, err := s.querier.SelectPage(ctx, userID, s.pageSize, offset)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.loading = false
	if err != nil {
		s.lastErr = err
		return err
	}

	s.lastErr = nil
	for _, n := range items {
		if s.indexOf(n.ID) < 0 {
			s.items = append(s.items, n)
		}
	}
	s.page++
	s.hasMore = len(items) == s.pageSize
	return nil
}

// MarkAsRead optimistically sets the read timestamp and decrements the badge
// count before the conditional remote update resolves. Calling it on an
// unknown, deleted, or already-read id is a no-op. Zero affected rows means
// another session read it first; the desired end state already holds.
func (s *Store) MarkAsRead(ctx context.Context, notificationID uuid.UUID) error {
	return s.runOptimistic(ctx, func(gen uint64) (remoteFn, rollbackFn, bool) {
		idx := s.indexOf(notificationID)
		if idx < 0 || s.items[idx].IsDeleted || s.items[idx].ReadAt != nil {
			return nil, nil, false
		}

		readAt := time.Now()
		s.items[idx].ReadAt = &readAt
		s.unreadCount--
		userID := s.session.UserID

		remote := func(ctx context.Context) error {
			_, err := s.querier.UpdateReadAt(ctx, userID, notificationID, readAt)
			return err
		}
		rollback := func(context.Context) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.gen != gen {
				return
			}
			// Revert only if the row still carries this exact optimistic
			// write; a push event that landed meanwhile wins.
			idx := s.indexOf(notificationID)
			if idx >= 0 && s.items[idx].ReadAt != nil && s.items[idx].ReadAt.Equal(readAt) {
				s.items[idx].ReadAt = nil
				s.unreadCount++
			}
		}
		return remote, rollback, true
	})
}

// MarkAllAsRead optimistically sweeps every cached unread item and zeroes the
// badge, then issues one bulk remote update. On failure only the count is
// re-derived from the server; per-item read timestamps stay optimistic. A
// stricter recovery would re-fetch the first page, which callers can do
// themselves.
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	return s.runOptimistic(ctx, func(gen uint64) (remoteFn, rollbackFn, bool) {
		if s.unreadCount == 0 {
			return nil, nil, false
		}

		readAt := time.Now()
		for i := range s.items {
			if !s.items[i].IsDeleted && s.items[i].ReadAt == nil {
				t := readAt
				s.items[i].ReadAt = &t
			}
		}
		s.unreadCount = 0
		userID := s.session.UserID

		remote := func(ctx context.Context) error {
			_, err := s.querier.UpdateReadAtBulk(ctx, userID, readAt)
			return err
		}
		rollback := func(ctx context.Context) {
			count, err := s.querier.SelectUnreadCount(ctx, userID)
			if err != nil {
				s.logger.Warn("unread count recovery failed", "error", err)
				return
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.gen != gen {
				return
			}
			s.unreadCount = count
		}
		return remote, rollback, true
	})
}

// DeleteNotification optimistically removes the item and issues a remote soft
// delete. On failure the item is re-inserted at its prior position.
func (s *Store) DeleteNotification(ctx context.Context, notificationID uuid.UUID) error {
	return s.runOptimistic(ctx, func(gen uint64) (remoteFn, rollbackFn, bool) {
		idx := s.indexOf(notificationID)
		if idx < 0 {
			return nil, nil, false
		}

		removed := s.items[idx]
		wasUnread := removed.ReadAt == nil && !removed.IsDeleted
		s.items = slices.Delete(s.items, idx, idx+1)
		if wasUnread {
			s.unreadCount--
		}
		userID := s.session.UserID

		remote := func(ctx context.Context) error {
			_, err := s.querier.UpdateDeleted(ctx, userID, notificationID)
			return err
		}
		rollback := func(context.Context) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.gen != gen {
				return
			}
			// A push event may have re-delivered or re-deleted it meanwhile.
			if s.indexOf(notificationID) >= 0 {
				return
			}
			pos := min(idx, len(s.items))
			s.items = slices.Insert(s.items, pos, removed)
			if wasUnread {
				s.unreadCount++
			}
		}
		return remote, rollback, true
	})
}

// HandleInsert applies a new-row push event. Rows for other users, tombstones,
// and duplicates (at-least-once delivery, or a race with a page fetch) are
// ignored. New rows are always newer than anything cached, so they prepend.
func (s *Store) HandleInsert(row Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || row.UserID != s.session.UserID || row.IsDeleted {
		return
	}
	if s.indexOf(row.ID) >= 0 {
		return
	}
	s.items = slices.Insert(s.items, 0, row)
	if row.ReadAt == nil {
		s.unreadCount++
	}
}

// HandleUpdate applies a changed-row push event. A transition to deleted
// removes the row from the cache; any other change replaces the cached fields.
// The unread count is reconciled against the state the cache actually held,
// which keeps it consistent even when an optimistic local mutation already
// moved it.
func (s *Store) HandleUpdate(oldRow, newRow Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || newRow.UserID != s.session.UserID {
		return
	}

	idx := s.indexOf(newRow.ID)
	if idx < 0 {
		return
	}
	cached := s.items[idx]

	if newRow.IsDeleted && !oldRow.IsDeleted {
		s.items = slices.Delete(s.items, idx, idx+1)
		if cached.ReadAt == nil {
			s.unreadCount--
		}
		return
	}

	s.items[idx] = newRow
	if cached.ReadAt == nil && newRow.ReadAt != nil {
		s.unreadCount--
	} else if cached.ReadAt != nil && newRow.ReadAt == nil {
		s.unreadCount++
	}
}

// ApplyPush decodes a raw push payload and dispatches it. Malformed payloads
// are logged and dropped at this boundary; they never reach the cache.
func (s *Store) ApplyPush(payload []byte) {
	event, row, oldRow, err := decodePush(payload)
	if err != nil {
		s.logger.Warn("dropping malformed push event", "error", err)
		return
	}

	switch event {
	case EventInsert:
		s.HandleInsert(row)
	case EventUpdate:
		s.HandleUpdate(oldRow, row)
	default:
		s.logger.Warn("dropping push event of unknown kind", "event", event)
	}
}

// SetSession re-points the store at a different user. The cache is cleared
// and the generation bumped so results of any in-flight request for the old
// session are discarded when they resolve.
func (s *Store) SetSession(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || session == s.session {
		return
	}
	s.session = session
	s.gen++
	s.items = nil
	s.unreadCount = 0
	s.page = 0
	s.hasMore = true
	s.loading = false
	s.lastErr = nil
}

// Close permanently stops the store. In-flight results are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
}

// setChannelError records a push channel failure. The cache stays in its
// last-known-good state until the next successful LoadFirstPage.
func (s *Store) setChannelError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastErr = err
}

// Items returns a copy of the cached notifications, newest first.
func (s *Store) Items() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadCount
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Store) LastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// indexOf must be called with the mutex held.
func (s *Store) indexOf(id uuid.UUID) int {
	return slices.IndexFunc(s.items, func(n Notification) bool { return n.ID == id })
}

func dedupByID(items []Notification) []Notification {
	seen := make(map[uuid.UUID]struct{}, len(items))
	out := items[:0]
	for _, n := range items {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}
