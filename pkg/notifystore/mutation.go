package notifystore

import "context"

type remoteFn func(context.Context) error

// rollbackFn restores the optimistic change after a remote failure. It runs
// without the store lock held and must re-check, under the lock, that the
// cache still matches the state the mutation expects before reverting;
// otherwise a push event that arrived in the meantime wins.
type rollbackFn func(context.Context)

// beginFn runs under the store lock. It validates the precondition, applies
// the optimistic local change, and returns the remote call plus its rollback.
// Returning ok=false makes the whole operation a no-op.
type beginFn func(gen uint64) (remoteFn, rollbackFn, bool)

// runOptimistic is the shared apply-then-settle shape of
// every mutation. Remote failures are recorded in lastErr and never
// propagate as panics or corrupt state; a generation change between apply
// and settle (session switch, Close) drops both the result and the rollback.
func (s *Store) runOptimistic(ctx context.Context, begin beginFn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	gen := s.gen
	remote, rollback, ok := begin(gen)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := remote(ctx)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	if err == nil {
		s.lastErr = nil
		s.mu.Unlock()
		return nil
	}
	s.lastErr = err
	s.mu.Unlock()

	rollback(ctx)
	return err
}
