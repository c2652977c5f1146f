package split

import (
	"context"
	"time"

	"tabsy-split-service/internal/model"
	apperrors "tabsy-split-service/pkg/errors"
	"tabsy-split-service/pkg/logger"

	"go.uber.org/zap"
)

// Lock freezes the split shape while a participant's payment is in flight.
// It blocks only shape mutations: reads and other participants' payments
// continue, since simultaneous payment against the same frozen split is the
// common case. The first payer becomes the holder; later payers see the
// existing lock and proceed without one.
func (s *Service) Lock(ctx context.Context, sessionID, requesterID, reason string) (*LockState, error) {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.snap.HasSplit() {
		return nil, apperrors.ErrSplitNotFound
	}
	if !rt.snap.HasParticipant(requesterID) {
		return nil, apperrors.ErrNotAParticipant
	}
	if !rt.snap.IsValid {
		return nil, &ValidationError{
			Errors:   append([]string{"split does not fully account for the balance"}, rt.snap.Errors...),
			Warnings: append([]string(nil), rt.snap.Warnings...),
		}
	}
	if rt.snap.PayBlocked[requesterID] {
		return nil, apperrors.ErrPaymentBlocked
	}

	if rt.snap.Lock.IsLocked {
		// The holder's retry refreshes the lock age; persisted, so a
		// restarted instance doesn't rehydrate it straight into the
		// orphan sweep.
		if rt.snap.Lock.LockedBy == requesterID {
			next := rt.snap.Clone()
			next.Lock.LockedAt = nowMillis()
			if err := s.persistLocked(ctx, next); err != nil {
				return nil, err
			}
			rt.snap = next
		}
		state := rt.snap.Lock
		return &state, nil
	}

	if reason == "" {
		reason = LockReasonPaymentCreated
	}
	next := rt.snap.Clone()
	next.Lock = LockState{
		IsLocked:   true,
		LockedBy:   requesterID,
		LockReason: reason,
		LockedAt:   nowMillis(),
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return nil, err
	}
	rt.snap = next
	s.setLockMirror(ctx, sessionID, requesterID)
	s.audit(ctx, sessionID, next.Version, "lock", requesterID,
		map[string]interface{}{"reason": reason})
	rt.broadcastLocked(rt.eventLocked(EventSplitLocked, requesterID, false, next.Lock))

	state := next.Lock
	return &state, nil
}

// Unlock releases the shape lock. Only the holder, or a staff override with
// force set, may release it explicitly.
func (s *Service) Unlock(ctx context.Context, sessionID, requesterID string, force bool) (*LockState, error) {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.snap.HasSplit() {
		return nil, apperrors.ErrSplitNotFound
	}
	if !rt.snap.Lock.IsLocked {
		state := rt.snap.Lock
		return &state, nil
	}
	if rt.snap.Lock.LockedBy != requesterID && !force {
		return nil, apperrors.ErrNotLockHolder
	}
	if err := s.unlockLocked(ctx, rt, requesterID, ""); err != nil {
		return nil, err
	}
	state := rt.snap.Lock
	return &state, nil
}

func (s *Service) unlockLocked(ctx context.Context, rt *sessionRuntime, actor, reason string) error {
	next := rt.snap.Clone()
	next.Lock = LockState{}
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	rt.snap = next
	s.clearLockMirror(ctx, rt.sessionID)
	s.audit(ctx, rt.sessionID, next.Version, "unlock", actor,
		map[string]interface{}{"reason": reason})
	rt.broadcastLocked(rt.eventLocked(EventSplitUnlocked, actor, false, next.Lock))
	return nil
}

func (s *Service) GetLockStatus(ctx context.Context, sessionID string) (*LockState, error) {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	state := rt.snap.Lock
	return &state, nil
}

// RecoverLock lets a reconnecting device find out whether it still holds the
// lock it took before disconnecting. A lock past the orphan timeout is
// cleaned instead of resumed.
func (s *Service) RecoverLock(ctx context.Context, sessionID, requesterID string) (*LockRecovery, error) {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rec := &LockRecovery{Lock: rt.snap.Lock}
	if !rt.snap.Lock.IsLocked || rt.snap.Lock.LockedBy != requesterID {
		return rec, nil
	}

	lockedAt := time.UnixMilli(rt.snap.Lock.LockedAt)
	if time.Since(lockedAt) > s.cfg.LockTimeout {
		if err := s.unlockLocked(ctx, rt, requesterID, "orphan_timeout"); err != nil {
			return nil, err
		}
		rec.Cleaned = true
		rec.Lock = rt.snap.Lock
		return rec, nil
	}

	rec.Recovered = true
	return rec, nil
}

// ForceClearStaleLocks is the staff sweep: any lock older than the orphan
// timeout is released so an abandoned payment cannot wedge a table. Live
// runtimes are unlocked in place; dormant sessions are cleaned in the store.
func (s *Service) ForceClearStaleLocks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.LockTimeout)
	cleared := 0

	s.runtimes.Range(func(_, v interface{}) bool {
		rt := v.(*sessionRuntime)
		rt.mu.Lock()
		if rt.snap.Lock.IsLocked && time.UnixMilli(rt.snap.Lock.LockedAt).Before(cutoff) {
			if err := s.unlockLocked(ctx, rt, "staff", "orphan_sweep"); err != nil {
				logger.Log.Warn("failed to sweep stale lock",
					zap.String("tableSessionID", rt.sessionID), zap.Error(err))
			} else {
				cleared++
			}
		}
		rt.mu.Unlock()
		return true
	})

	// Sessions with no live runtime on this instance.
	result := s.db.WithContext(ctx).Model(&model.SplitRecord{}).
		Where("locked_by <> '' AND locked_at < ?", cutoff).
		Updates(map[string]interface{}{
			"locked_by":   "",
			"lock_reason": "",
			"locked_at":   nil,
		})
	if result.Error != nil {
		return cleared, result.Error
	}
	cleared += int(result.RowsAffected)
	return cleared, nil
}

// The redis mirror makes a holder visible across instances; the runtime
// remains the authority on this one.
func (s *Service) setLockMirror(ctx context.Context, sessionID, holder string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.SetNX(ctx, lockKey(sessionID), holder, s.cfg.LockTimeout).Err(); err != nil {
		logger.Log.Warn("failed to mirror split lock",
			zap.String("tableSessionID", sessionID), zap.Error(err))
	}
}

func (s *Service) clearLockMirror(ctx context.Context, sessionID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, lockKey(sessionID)).Err(); err != nil {
		logger.Log.Warn("failed to clear split lock mirror",
			zap.String("tableSessionID", sessionID), zap.Error(err))
	}
}
