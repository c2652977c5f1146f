package split_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tabsy-split-service/internal/config"
	"tabsy-split-service/internal/model"
	"tabsy-split-service/internal/service/split"
	appErr "tabsy-split-service/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&model.TableSession{}, &model.Participant{}, &model.OrderItem{},
		&model.SplitRecord{}, &model.SplitAuditLog{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newSplitService(t *testing.T) (*gorm.DB, *split.Service) {
	t.Helper()
	db := newDB(t)
	return db, split.NewService(db, nil)
}

// seedSession creates a table session with the given guests and one order
// item per subtotal, returning the session id.
func seedSession(t *testing.T, db *gorm.DB, guests []string, subtotals []float64) string {
	t.Helper()

	sessionID := uuid.New().String()
	session := model.TableSession{
		ID:           sessionID,
		RestaurantID: uuid.New().String(),
		TableNumber:  "T1",
		JoinCode:     sessionID[:6],
		Status:       "open",
	}
	if err := db.Create(&session).Error; err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	for _, g := range guests {
		p := model.Participant{GuestSessionID: g, TableSessionID: sessionID}
		if err := db.Create(&p).Error; err != nil {
			t.Fatalf("failed to seed participant: %v", err)
		}
	}
	for i, sub := range subtotals {
		item := model.OrderItem{
			ID:             uuid.New().String(),
			TableSessionID: sessionID,
			Name:           "item",
			Quantity:       1,
			UnitPrice:      sub,
			Subtotal:       sub,
			CreatedAt:      time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("failed to seed order item: %v", err)
		}
	}
	return sessionID
}

// seedItem adds one unpaid order item to the session and returns its id.
func seedItem(t *testing.T, db *gorm.DB, sessionID, name string, subtotal float64) string {
	t.Helper()

	item := model.OrderItem{
		ID:             uuid.New().String(),
		TableSessionID: sessionID,
		Name:           name,
		Quantity:       1,
		UnitPrice:      subtotal,
		Subtotal:       subtotal,
		CreatedAt:      time.Now(),
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("failed to seed order item: %v", err)
	}
	return item.ID
}

func TestCreateEqualSplit(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{30.00, 20.00})

	snap, err := svc.Create(ctx, split.CreateParams{
		SessionID:   sessionID,
		SplitType:   split.TypeEqual,
		RequesterID: a,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected version 1, got %d", snap.Version)
	}
	if !snap.IsValid || snap.SplitAmounts[a] != 25.00 || snap.SplitAmounts[b] != 25.00 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCreateDedupesRetries(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{10.00})

	first, err := svc.Create(ctx, split.CreateParams{
		SessionID: sessionID, SplitType: split.TypeEqual, RequesterID: a,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := svc.Create(ctx, split.CreateParams{
		SessionID: sessionID, SplitType: split.TypeEqual, RequesterID: a,
	})
	if err != nil {
		t.Fatalf("retried create failed: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("retry must collapse onto version %d, got %d", first.Version, second.Version)
	}
}

func TestCreateRejectsNonParticipant(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{10.00})

	_, err := svc.Create(ctx, split.CreateParams{
		SessionID: sessionID, SplitType: split.TypeEqual, RequesterID: "stranger",
	})
	if err != appErr.ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestCreateRejectsInvalidPercentages(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{50.00})

	_, err := svc.Create(ctx, split.CreateParams{
		SessionID:   sessionID,
		SplitType:   split.TypeByPercentage,
		RequesterID: a,
		Percentages: map[string]float64{a: 60, b: 50},
	})
	var vErr *split.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// Rejected input must not leave any state behind.
	if _, err := svc.Get(ctx, sessionID); err != appErr.ErrSplitNotFound {
		t.Fatalf("expected no split after rejection, got %v", err)
	}
}

func TestUpdateOwnershipForbidden(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{40.00})

	mustCreate(t, svc, sessionID, a, split.TypeByPercentage, map[string]float64{a: 50, b: 50})

	pct := 60.0
	_, err := svc.UpdateParticipant(ctx, split.UpdateParams{
		SessionID:     sessionID,
		ParticipantID: b,
		RequesterID:   a,
		Percentage:    &pct,
	})
	if err != appErr.ErrForbidden {
		t.Fatalf("expected ErrForbidden for cross-participant edit, got %v", err)
	}
}

func TestUpdateRecomputesShares(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{100.00})

	mustCreate(t, svc, sessionID, a, split.TypeByPercentage, map[string]float64{a: 60, b: 30})

	pct := 40.0
	snap, err := svc.UpdateParticipant(ctx, split.UpdateParams{
		SessionID:     sessionID,
		ParticipantID: b,
		RequesterID:   b,
		Percentage:    &pct,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("expected version 2, got %d", snap.Version)
	}
	if !snap.IsValid || snap.SplitAmounts[a] != 60.00 || snap.SplitAmounts[b] != 40.00 {
		t.Fatalf("unexpected recompute: %+v", snap)
	}
}

func TestStaleTypeChangeConflict(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{40.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	// B switches the type against version 1.
	if _, err := svc.Create(ctx, split.CreateParams{
		SessionID:       sessionID,
		SplitType:       split.TypeByAmount,
		RequesterID:     b,
		ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("type switch failed: %v", err)
	}

	// A's concurrent switch still cites version 1 and must lose the race.
	_, err := svc.Create(ctx, split.CreateParams{
		SessionID:       sessionID,
		SplitType:       split.TypeByPercentage,
		RequesterID:     a,
		ExpectedVersion: 1,
	})
	if err != appErr.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPaidParticipantRemoval(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{50.00})

	mustCreate(t, svc, sessionID, a, split.TypeByPercentage, map[string]float64{a: 50, b: 50})

	snap, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, a)
	if err != nil {
		t.Fatalf("removal failed: %v", err)
	}
	if snap.HasParticipant(a) {
		t.Fatal("paid participant must leave the roster")
	}
	if snap.TotalAmount != 25.00 {
		t.Fatalf("expected remaining balance 25.00, got %v", snap.TotalAmount)
	}
	var sum float64
	for _, v := range snap.SplitAmounts {
		sum += v
	}
	if math.Abs(sum-snap.TotalAmount) > split.SumTolerance {
		t.Fatalf("shares %v do not cover remaining balance %v", sum, snap.TotalAmount)
	}
	if !snap.IsValid {
		t.Fatalf("historic percentage carry should keep the split valid: %+v", snap)
	}
}

func TestPaidRemovalIdempotent(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{50.00})

	mustCreate(t, svc, sessionID, a, split.TypeByPercentage, map[string]float64{a: 50, b: 50})

	first, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, a)
	if err != nil {
		t.Fatalf("removal failed: %v", err)
	}
	second, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, a)
	if err != nil {
		t.Fatalf("duplicate removal must be a no-op, got %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("duplicate callback changed state: %d -> %d", first.Version, second.Version)
	}
}

func TestRoundRolloverSeedsSplitType(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{50.00})

	mustCreate(t, svc, sessionID, a, split.TypeByPercentage, map[string]float64{a: 50, b: 50})

	if _, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, a); err != nil {
		t.Fatalf("removal failed: %v", err)
	}
	if _, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, b); err != nil {
		t.Fatalf("removal failed: %v", err)
	}

	// Round closed: the record is gone and the type is retained on the session.
	if _, err := svc.Get(ctx, sessionID); err != appErr.ErrSplitNotFound {
		t.Fatalf("expected closed round, got %v", err)
	}
	var session model.TableSession
	if err := db.First(&session, "id = ?", sessionID).Error; err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if session.LastSplitType != string(split.TypeByPercentage) {
		t.Fatalf("expected retained type BY_PERCENTAGE, got %q", session.LastSplitType)
	}

	// A new round needs new unpaid balance; its default CreateSplit picks
	// the prior type up.
	seedItem(t, db, sessionID, "dessert", 12.00)
	snap, err := svc.Create(ctx, split.CreateParams{SessionID: sessionID, RequesterID: a})
	if err != nil {
		t.Fatalf("new round create failed: %v", err)
	}
	if snap.SplitType != split.TypeByPercentage {
		t.Fatalf("expected seeded BY_PERCENTAGE, got %s", snap.SplitType)
	}
	if snap.Version != 1 {
		t.Fatalf("new round must restart versioning, got %d", snap.Version)
	}
	if snap.TotalAmount != 12.00 {
		t.Fatalf("new round must bill only the new balance, got %v", snap.TotalAmount)
	}
}

func TestSettledRoundNotRebilled(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, []float64{50.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	if _, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, a); err != nil {
		t.Fatalf("removal failed: %v", err)
	}
	if _, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, b); err != nil {
		t.Fatalf("removal failed: %v", err)
	}

	// The settled round's rows are paid off.
	var unpaid int64
	if err := db.Model(&model.OrderItem{}).
		Where("table_session_id = ? AND paid = ?", sessionID, false).
		Count(&unpaid).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if unpaid != 0 {
		t.Fatalf("settled round left %d unpaid rows", unpaid)
	}

	// With nothing new on the bill there is nothing to split again.
	_, err := svc.Create(ctx, split.CreateParams{
		SessionID: sessionID, SplitType: split.TypeEqual, RequesterID: a,
	})
	var vErr *split.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected no-balance rejection, got %v", err)
	}

	// New unpaid balance opens a fresh round billing only itself.
	seedItem(t, db, sessionID, "coffee", 8.00)
	snap, err := svc.Create(ctx, split.CreateParams{
		SessionID: sessionID, SplitType: split.TypeEqual, RequesterID: a,
	})
	if err != nil {
		t.Fatalf("new round create failed: %v", err)
	}
	if snap.TotalAmount != 8.00 {
		t.Fatalf("settled balance re-billed: got total %v", snap.TotalAmount)
	}
}

func TestLeaverEmptiedRoundKeepsItemsUnpaid(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{30.00})

	mustCreate(t, svc, sessionID, a, split.TypeEqual, nil)

	// The roster empties without anyone paying.
	if err := svc.NotifyParticipantLeft(ctx, sessionID, a); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	var unpaid int64
	if err := db.Model(&model.OrderItem{}).
		Where("table_session_id = ? AND paid = ?", sessionID, false).
		Count(&unpaid).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if unpaid != 1 {
		t.Fatalf("unpaid balance must survive an abandoned round, got %d unpaid rows", unpaid)
	}
}

func TestByItemsDefaultedItemSettles(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a, b := uuid.New().String(), uuid.New().String()
	sessionID := seedSession(t, db, []string{a, b}, nil)
	assigned := seedItem(t, db, sessionID, "burger", 15.00)
	defaulted := seedItem(t, db, sessionID, "salad", 20.00)

	snap, err := svc.Create(ctx, split.CreateParams{
		SessionID:       sessionID,
		SplitType:       split.TypeByItems,
		RequesterID:     a,
		ItemAssignments: map[string]string{assigned: b},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// The unassigned item defaults to the requester and that ownership is
	// recorded, not implied.
	if snap.ItemAssignments[defaulted] != a {
		t.Fatalf("defaulted item not pinned to requester: %v", snap.ItemAssignments)
	}

	if _, err := svc.RemoveOnPaymentCompletion(ctx, sessionID, a); err != nil {
		t.Fatalf("removal failed: %v", err)
	}

	var item model.OrderItem
	if err := db.First(&item, "id = ?", defaulted).Error; err != nil {
		t.Fatalf("failed to reload item: %v", err)
	}
	if !item.Paid {
		t.Fatal("payer's defaulted item must be marked paid")
	}
}

func TestCreateRejectsPhantomParticipant(t *testing.T) {
	ctx := context.Background()
	db, svc := newSplitService(t)
	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{30.00})

	_, err := svc.Create(ctx, split.CreateParams{
		SessionID:    sessionID,
		SplitType:    split.TypeEqual,
		Participants: []string{a, "ghost"},
		RequesterID:  a,
	})
	var vErr *split.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected rejection of unknown participant, got %v", err)
	}
}

func TestRateLimitCeiling(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	cfg := config.SplitConfig{RateLimitMax: 2, RateLimitWindow: time.Minute}
	svc := split.NewServiceWithConfig(db, nil, cfg)

	a := uuid.New().String()
	sessionID := seedSession(t, db, []string{a}, []float64{10.00})

	for i := 0; i < 2; i++ {
		if _, err := svc.Create(ctx, split.CreateParams{
			SessionID: sessionID, SplitType: split.TypeEqual, RequesterID: a,
		}); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}
	_, err := svc.Create(ctx, split.CreateParams{
		SessionID: sessionID, SplitType: split.TypeEqual, RequesterID: a,
	})
	if err != appErr.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	ctx := context.Background()
	_, svc := newSplitService(t)

	if _, err := svc.Get(ctx, uuid.New().String()); err != appErr.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func mustCreate(t *testing.T, svc *split.Service, sessionID, requester string, splitType split.SplitType, percentages map[string]float64) *split.Snapshot {
	t.Helper()
	snap, err := svc.Create(context.Background(), split.CreateParams{
		SessionID:   sessionID,
		SplitType:   splitType,
		RequesterID: requester,
		Percentages: percentages,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return snap
}
