package split_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tabsy-split-service/internal/config"
	"tabsy-split-service/internal/model"
	"tabsy-split-service/internal/service/split"
	appErr "tabsy-split-service/pkg/errors"

	"github.com/google/uuid"
)

func TestLockBlocksShapeChanges(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{100.00})

	mustCreate(t, svc, sessionID, a, split.TypeByPercentage, map[string]float64{a: 50, b: 50})

	state, err := svc.Lock(ctx, sessionID, a, "")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if !state.IsLocked || state.LockedBy != a || state.LockReason != split.LockReasonPaymentCreated {
		t.Fatalf("unexpected lock state: %+v", state)
	}

	// Switching the split type is a shape change and must be frozen.
	_, err = svc.Create(ctx, split.CreateParams{
		SessionID: sessionID, SplitType: split.TypeByAmount, RequesterID: b,
	})
	if err != appErr.ErrSplitLocked {
		t.Fatalf("expected ErrSplitLocked, got %v", err)
	}

	// B's own value edit is not a shape change and stays allowed.
	pct := 50.0
	if _, err := svc.UpdateParticipant(ctx, split.UpdateParams{
		SessionID:     sessionID,
		ParticipantID: b,
		RequesterID:   b,
		Percentage:    &pct,
	}); err != nil {
		t.Fatalf("value edit under lock failed: %v", err)
	}
}

func TestUnlockHolderOnly(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{60.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	if _, err := svc.Unlock(ctx, sessionID, b, false); err != appErr.ErrNotLockHolder {
		t.Fatalf("expected ErrNotLockHolder, got %v", err)
	}

	// Staff override may force it.
	state, err := svc.Unlock(ctx, sessionID, b, true)
	if err != nil {
		t.Fatalf("forced unlock failed: %v", err)
	}
	if state.IsLocked {
		t.Fatalf("expected unlocked, got %+v", state)
	}
}

func TestLockRejectsInvalidSplit(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{40.00})

	// 90% leaves the balance uncovered.
	mustCreate(t, svc, sessionID, a, split.TypeByPercentage, map[string]float64{a: 50, b: 40})

	_, err := svc.Lock(ctx, sessionID, a, "")
	if err == nil {
		t.Fatal("expected lock rejection for invalid split")
	}
	var vErr *split.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLockIdempotentForHolderAndVisibleToOthers(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{50.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	// A second payer sees the existing lock and proceeds without taking one.
	state, err := svc.Lock(ctx, sessionID, b, "")
	if err != nil {
		t.Fatalf("lock for second payer failed: %v", err)
	}
	if state.LockedBy != a {
		t.Fatalf("second payer must not steal the lock: %+v", state)
	}
}

func TestFailedPaymentUnlocks(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{50.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := svc.HandlePaymentFailure(ctx, sessionID, a); err != nil {
		t.Fatalf("payment failure handling failed: %v", err)
	}
	state, err := svc.GetLockStatus(ctx, sessionID)
	if err != nil {
		t.Fatalf("lock status failed: %v", err)
	}
	if state.IsLocked {
		t.Fatalf("expected auto-unlock after failed payment, got %+v", state)
	}
}

func TestHolderPaymentCompletionReleasesLock(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{50.00})

	mustCreate(t, svc, sessionID, a, split.TypeByPercentage, map[string]float64{a: 50, b: 50})

	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	snap, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, a)
	if err != nil {
		t.Fatalf("removal failed: %v", err)
	}
	if snap.Lock.IsLocked {
		t.Fatalf("holder's completed payment must release the lock: %+v", snap.Lock)
	}
}

func TestRecoverLock(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{20.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	rec, err := svc.RecoverLock(ctx, sessionID, a)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if !rec.Recovered || rec.Cleaned {
		t.Fatalf("expected live lock recovery, got %+v", rec)
	}

	// Someone else asking gets neither recovery nor cleanup.
	rec, err = svc.RecoverLock(ctx, sessionID, "other")
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if rec.Recovered || rec.Cleaned {
		t.Fatalf("non-holder must not recover, got %+v", rec)
	}
}

func TestRecoverCleansOrphanedLock(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	cfg := config.SplitConfig{LockTimeout: time.Millisecond}
	svc := split.NewServiceWithConfig(db, nil, cfg)

	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{20.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	rec, err := svc.RecoverLock(ctx, sessionID, a)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if !rec.Cleaned || rec.Recovered {
		t.Fatalf("expected orphan cleanup, got %+v", rec)
	}
	if rec.Lock.IsLocked {
		t.Fatalf("cleaned lock must be released: %+v", rec.Lock)
	}
}

func TestHolderRelockRefreshPersists(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{20.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	var before model.SplitRecord
	if err := db.First(&before, "table_session_id = ?", sessionID).Error; err != nil {
		t.Fatalf("failed to load split record: %v", err)
	}
	if before.LockedAt == nil {
		t.Fatal("expected persisted lock timestamp")
	}

	time.Sleep(5 * time.Millisecond)

	// The holder's retry must age-reset the stored lock as well, or a
	// restart would feed a fresh lock straight into the orphan sweep.
	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("re-lock failed: %v", err)
	}
	var after model.SplitRecord
	if err := db.First(&after, "table_session_id = ?", sessionID).Error; err != nil {
		t.Fatalf("failed to reload split record: %v", err)
	}
	if after.LockedAt == nil || !after.LockedAt.After(*before.LockedAt) {
		t.Fatalf("lock timestamp not refreshed: before=%v after=%v", before.LockedAt, after.LockedAt)
	}
}

func TestForceClearStaleLocks(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	cfg := config.SplitConfig{LockTimeout: time.Millisecond}
	svc := split.NewServiceWithConfig(db, nil, cfg)

	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{20.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	if _, err := svc.Lock(ctx, sessionID, a, ""); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	cleared, err := svc.ForceClearStaleLocks(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if cleared < 1 {
		t.Fatalf("expected at least one cleared lock, got %d", cleared)
	}
	state, err := svc.GetLockStatus(ctx, sessionID)
	if err != nil {
		t.Fatalf("lock status failed: %v", err)
	}
	if state.IsLocked {
		t.Fatalf("expected swept lock, got %+v", state)
	}
}
