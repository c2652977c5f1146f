package split

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tabsy-split-service/internal/config"
	"tabsy-split-service/internal/model"
	apperrors "tabsy-split-service/pkg/errors"
	"tabsy-split-service/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service is the authoritative split store. It owns the single writable copy
// of each table session's SplitCalculation, serializes mutations per session,
// persists every accepted transition and broadcasts it on the sync channel.
type Service struct {
	db  *gorm.DB
	rdb *redis.Client
	cfg config.SplitConfig

	runtimes sync.Map // sessionID -> *sessionRuntime
	limiter  *rateLimiter
}

func NewService(db *gorm.DB, rdb *redis.Client) *Service {
	return NewServiceWithConfig(db, rdb, config.SplitConfig{}.WithDefaults())
}

func NewServiceWithConfig(db *gorm.DB, rdb *redis.Client, cfg config.SplitConfig) *Service {
	cfg = cfg.WithDefaults()
	return &Service{
		db:      db,
		rdb:     rdb,
		cfg:     cfg,
		limiter: newRateLimiter(rdb, cfg.RateLimitWindow, cfg.RateLimitMax),
	}
}

type CreateParams struct {
	SessionID       string
	SplitType       SplitType
	Participants    []string
	Percentages     map[string]float64
	Amounts         map[string]float64
	ItemAssignments map[string]string
	RequesterID     string
	ExpectedVersion int64 // 0 skips the staleness check
}

type UpdateParams struct {
	SessionID       string
	ParticipantID   string
	RequesterID     string
	Percentage      *float64
	Amount          *float64
	ItemAssignments map[string]string
	ExpectedVersion int64
}

// Create establishes or replaces the split for a session. Duplicate retried
// submissions from the same client collapse onto the current state via the
// request key; a stale split-type change racing another type change is
// rejected with a conflict.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Snapshot, error) {
	if err := s.limiter.Allow(ctx, p.RequesterID); err != nil {
		return nil, err
	}
	rt, err := s.getRuntime(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.snap.Lock.IsLocked {
		return nil, apperrors.ErrSplitLocked
	}

	roster, err := s.rosterIDs(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	participants := append([]string(nil), p.Participants...)
	if len(participants) == 0 {
		if rt.snap.HasSplit() {
			participants = append(participants, rt.snap.Participants...)
		} else {
			participants = roster
		}
	} else {
		// Clients are untrusted: a phantom ID would dilute everyone's share
		// and strand its remainder on someone who can never pay.
		for _, id := range participants {
			if !contains(roster, id) {
				return nil, &ValidationError{Errors: []string{fmt.Sprintf("unknown participant %q", id)}}
			}
		}
	}
	if !contains(participants, p.RequesterID) {
		return nil, apperrors.ErrNotAParticipant
	}

	splitType := p.SplitType
	if splitType == "" {
		if rt.snap.HasSplit() {
			splitType = rt.snap.SplitType
		} else {
			splitType = s.seedSplitType(ctx, p.SessionID)
		}
	}
	if !splitType.Valid() {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("unknown split type %q", splitType)}}
	}

	// A type change carrying a stale version lost a race against another
	// type change; same-type recreates are safe to reapply.
	if p.ExpectedVersion > 0 && rt.snap.HasSplit() &&
		p.ExpectedVersion != rt.snap.Version && splitType != rt.snap.SplitType {
		return nil, apperrors.ErrConflict
	}

	requestKey := fmt.Sprintf("%s|%s|%s", p.SessionID, splitType, p.RequesterID)
	if !rt.claimRequestKeyLocked(requestKey, s.cfg.RequestKeyTTL) {
		snap := rt.snap.Clone()
		return &snap, nil
	}

	total, items, err := s.roundBalanceLocked(ctx, rt)
	if err != nil {
		rt.releaseRequestKeyLocked(requestKey)
		return nil, err
	}

	res := Compute(ComputeInput{
		SplitType:        splitType,
		TotalAmount:      total,
		Participants:     participants,
		Percentages:      p.Percentages,
		Amounts:          p.Amounts,
		ItemAssignments:  p.ItemAssignments,
		Items:            items,
		PaidPercentTotal: PaidPercentSum(rt.snap.PaidPercentages),
		RequesterID:      p.RequesterID,
	})
	if len(res.Errors) > 0 {
		rt.releaseRequestKeyLocked(requestKey)
		return nil, &ValidationError{Errors: res.Errors, Warnings: res.Warnings}
	}

	isTypeChange := !rt.snap.HasSplit() || res.SplitType != rt.snap.SplitType

	next := rt.snap.Clone()
	next.SplitType = res.SplitType
	next.Participants = participants
	next.SplitAmounts = res.SplitAmounts
	next.Percentages, next.Amounts, next.ItemAssignments = nil, nil, nil
	switch res.SplitType {
	case TypeByPercentage:
		next.Percentages = cloneFloatMap(p.Percentages)
	case TypeByAmount:
		next.Amounts = cloneFloatMap(p.Amounts)
	case TypeByItems:
		// Store the effective assignments so defaulted items keep their
		// owner through payment settlement.
		next.ItemAssignments = cloneStringMap(res.ItemAssignments)
	}
	next.TotalAmount = total
	next.Version = rt.snap.Version + 1
	next.UpdatedAt = nowMillis()
	next.UpdatedBy = p.RequesterID
	next.IsValid = res.IsValid
	next.Warnings = res.Warnings
	next.Errors = nil
	next.PayBlocked = res.PayBlocked

	if err := s.persistLocked(ctx, next); err != nil {
		rt.releaseRequestKeyLocked(requestKey)
		return nil, err
	}
	rt.snap = next
	s.audit(ctx, next.TableSessionID, next.Version, "create", p.RequesterID,
		map[string]interface{}{"splitType": next.SplitType, "isTypeChange": isTypeChange})
	rt.broadcastLocked(rt.eventLocked(EventSplitUpdated, p.RequesterID, isTypeChange, next.Clone()))

	out := next.Clone()
	return &out, nil
}

// UpdateParticipant mutates one participant's own entry. Ownership is
// enforced here, not in the UI: a requester may only touch their own value.
// Value edits carrying a stale version are reapplied against current state,
// which is always semantically safe for one's own entry.
func (s *Service) UpdateParticipant(ctx context.Context, p UpdateParams) (*Snapshot, error) {
	if err := s.limiter.Allow(ctx, p.RequesterID); err != nil {
		return nil, err
	}
	rt, err := s.getRuntime(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.snap.HasSplit() {
		return nil, apperrors.ErrSplitNotFound
	}
	if p.ParticipantID != p.RequesterID {
		return nil, apperrors.ErrForbidden
	}
	if !rt.snap.HasParticipant(p.ParticipantID) {
		return nil, apperrors.ErrNotAParticipant
	}

	next := rt.snap.Clone()
	switch {
	case p.Percentage != nil:
		if next.SplitType != TypeByPercentage {
			return nil, &ValidationError{Errors: []string{"percentage edits require a BY_PERCENTAGE split"}}
		}
		if *p.Percentage < 0 || *p.Percentage > 100 {
			return nil, &ValidationError{Errors: []string{"percentage must be between 0 and 100"}}
		}
		if next.Percentages == nil {
			next.Percentages = make(map[string]float64)
		}
		next.Percentages[p.ParticipantID] = *p.Percentage
	case p.Amount != nil:
		if next.SplitType != TypeByAmount {
			return nil, &ValidationError{Errors: []string{"amount edits require a BY_AMOUNT split"}}
		}
		if *p.Amount < 0 {
			return nil, &ValidationError{Errors: []string{"amount must not be negative"}}
		}
		if next.Amounts == nil {
			next.Amounts = make(map[string]float64)
		}
		next.Amounts[p.ParticipantID] = *p.Amount
	case p.ItemAssignments != nil:
		if next.SplitType != TypeByItems {
			return nil, &ValidationError{Errors: []string{"item assignments require a BY_ITEMS split"}}
		}
		// Reassigning items reshapes the split, which a payment in flight
		// has frozen. Plain value edits above stay allowed under lock.
		if rt.snap.Lock.IsLocked {
			return nil, apperrors.ErrSplitLocked
		}
		if next.ItemAssignments == nil {
			next.ItemAssignments = make(map[string]string)
		}
		for itemID, assignee := range p.ItemAssignments {
			if assignee != p.ParticipantID {
				return nil, apperrors.ErrForbidden
			}
			next.ItemAssignments[itemID] = assignee
		}
	default:
		return nil, &ValidationError{Errors: []string{"no split field provided"}}
	}

	_, items, err := s.roundBalanceLocked(ctx, rt)
	if err != nil {
		return nil, err
	}
	res := Compute(ComputeInput{
		SplitType:        next.SplitType,
		TotalAmount:      next.TotalAmount,
		Participants:     next.Participants,
		Percentages:      next.Percentages,
		Amounts:          next.Amounts,
		ItemAssignments:  next.ItemAssignments,
		Items:            items,
		PaidPercentTotal: PaidPercentSum(next.PaidPercentages),
		RequesterID:      p.RequesterID,
	})
	if len(res.Errors) > 0 {
		return nil, &ValidationError{Errors: res.Errors, Warnings: res.Warnings}
	}

	next.SplitAmounts = res.SplitAmounts
	if next.SplitType == TypeByItems && res.ItemAssignments != nil {
		next.ItemAssignments = cloneStringMap(res.ItemAssignments)
	}
	next.Version = rt.snap.Version + 1
	next.UpdatedAt = nowMillis()
	next.UpdatedBy = p.RequesterID
	next.IsValid = res.IsValid
	next.Warnings = res.Warnings
	next.PayBlocked = res.PayBlocked

	if err := s.persistLocked(ctx, next); err != nil {
		return nil, err
	}
	rt.snap = next
	s.audit(ctx, next.TableSessionID, next.Version, "update", p.RequesterID,
		map[string]interface{}{"participant": p.ParticipantID})
	rt.broadcastLocked(rt.eventLocked(EventSplitUpdated, p.RequesterID, false, next.Clone()))

	out := next.Clone()
	return &out, nil
}

func (s *Service) Get(ctx context.Context, sessionID string) (*Snapshot, error) {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.snap.HasSplit() {
		return nil, apperrors.ErrSplitNotFound
	}
	out := rt.snap.Clone()
	return &out, nil
}

// Subscribe attaches a guest device to the session's sync channel.
func (s *Service) Subscribe(ctx context.Context, sessionID, guestID string) (<-chan OutgoingEvent, error) {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return rt.Subscribe(guestID), nil
}

func (s *Service) Unsubscribe(sessionID, guestID string) {
	if v, ok := s.runtimes.Load(sessionID); ok {
		v.(*sessionRuntime).Unsubscribe(guestID)
	}
}

// NotifyParticipantJoined broadcasts presence and, for an unlocked EQUAL
// split, folds the newcomer into the shares immediately. Other split types
// keep their entered inputs; the newcomer shows up once someone edits.
func (s *Service) NotifyParticipantJoined(ctx context.Context, sessionID, guestID string) error {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.broadcastLocked(rt.eventLocked(EventParticipantJoined, guestID, false,
		map[string]string{"participantId": guestID}))

	if !rt.snap.HasSplit() || rt.snap.SplitType != TypeEqual ||
		rt.snap.Lock.IsLocked || rt.snap.HasParticipant(guestID) {
		return nil
	}

	next := rt.snap.Clone()
	next.Participants = append(next.Participants, guestID)
	return s.recomputeAndCommitLocked(ctx, rt, next, guestID, "participant_joined")
}

// NotifyParticipantLeft broadcasts presence and removes an unpaid leaver from
// an unlocked split. A locked split keeps its membership; the sweep or round
// close reconciles later.
func (s *Service) NotifyParticipantLeft(ctx context.Context, sessionID, guestID string) error {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.broadcastLocked(rt.eventLocked(EventParticipantLeft, guestID, false,
		map[string]string{"participantId": guestID}))

	if !rt.snap.HasSplit() || rt.snap.Lock.IsLocked || !rt.snap.HasParticipant(guestID) {
		return nil
	}

	next := rt.snap.Clone()
	next.Participants = removeString(next.Participants, guestID)
	delete(next.Percentages, guestID)
	delete(next.Amounts, guestID)
	delete(next.SplitAmounts, guestID)
	if len(next.Participants) == 0 {
		return s.closeRoundLocked(ctx, rt, next, guestID)
	}
	return s.recomputeAndCommitLocked(ctx, rt, next, guestID, "participant_left")
}

// RemoveOnPaymentCompletion is the payment collaborator's callback. The paid
// participant leaves the split, their percentage is snapshotted for the
// 100%-sum history, and remaining shares are recomputed against the reduced
// balance. Emptying the roster closes the round.
func (s *Service) RemoveOnPaymentCompletion(ctx context.Context, sessionID, participantID string) (*Snapshot, error) {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.snap.HasSplit() {
		return nil, apperrors.ErrSplitNotFound
	}
	if !rt.snap.HasParticipant(participantID) {
		// Duplicate completion callbacks are expected under at-least-once
		// delivery; the removal already happened.
		out := rt.snap.Clone()
		return &out, nil
	}

	next := rt.snap.Clone()
	paidAmount := next.SplitAmounts[participantID]

	if next.SplitType == TypeByPercentage {
		if next.PaidPercentages == nil {
			next.PaidPercentages = make(map[string]float64)
		}
		next.PaidPercentages[participantID] = next.Percentages[participantID]
	}
	if next.SplitType == TypeByItems {
		s.markItemsPaid(ctx, sessionID, participantID, next.ItemAssignments)
		for itemID, assignee := range next.ItemAssignments {
			if assignee == participantID {
				delete(next.ItemAssignments, itemID)
			}
		}
	}
	delete(next.Percentages, participantID)
	delete(next.Amounts, participantID)
	delete(next.SplitAmounts, participantID)
	next.Participants = removeString(next.Participants, participantID)
	next.TotalAmount = round2(next.TotalAmount - paidAmount)

	// A holder that finished paying no longer has money in flight.
	if next.Lock.IsLocked && next.Lock.LockedBy == participantID {
		next.Lock = LockState{}
		s.clearLockMirror(ctx, sessionID)
	}

	rt.broadcastLocked(rt.eventLocked(EventParticipantPaid, participantID, false,
		map[string]interface{}{"participantId": participantID, "amount": paidAmount}))

	if len(next.Participants) == 0 {
		if err := s.closeRoundLocked(ctx, rt, next, participantID); err != nil {
			return nil, err
		}
		out := rt.snap.Clone()
		return &out, nil
	}

	if err := s.recomputeAndCommitLocked(ctx, rt, next, participantID, "participant_paid"); err != nil {
		return nil, err
	}
	out := rt.snap.Clone()
	return &out, nil
}

// recomputeAndCommitLocked re-runs the engine over a membership change and
// commits the result. Engine findings become snapshot state here rather than
// rejections: the mutation was system-driven, not client input.
func (s *Service) recomputeAndCommitLocked(ctx context.Context, rt *sessionRuntime, next Snapshot, actor, action string) error {
	_, items, err := s.roundBalanceLocked(ctx, rt)
	if err != nil {
		return err
	}
	res := Compute(ComputeInput{
		SplitType:        next.SplitType,
		TotalAmount:      next.TotalAmount,
		Participants:     next.Participants,
		Percentages:      next.Percentages,
		Amounts:          next.Amounts,
		ItemAssignments:  next.ItemAssignments,
		Items:            items,
		PaidPercentTotal: PaidPercentSum(next.PaidPercentages),
		RequesterID:      actor,
	})
	next.SplitAmounts = res.SplitAmounts
	if next.SplitType == TypeByItems && res.ItemAssignments != nil {
		next.ItemAssignments = cloneStringMap(res.ItemAssignments)
	}
	next.IsValid = res.IsValid
	next.Warnings = res.Warnings
	next.Errors = res.Errors
	next.PayBlocked = res.PayBlocked
	next.Version = rt.snap.Version + 1
	next.UpdatedAt = nowMillis()
	next.UpdatedBy = actor

	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	rt.snap = next
	s.audit(ctx, next.TableSessionID, next.Version, action, actor, nil)
	rt.broadcastLocked(rt.eventLocked(EventSplitUpdated, actor, false, next.Clone()))
	return nil
}

// closeRoundLocked ends the logical round: the split type is retained as the
// seed for the next round, the lock is released, and the persisted record is
// dropped so the next CreateSplit starts fresh.
func (s *Service) closeRoundLocked(ctx context.Context, rt *sessionRuntime, next Snapshot, actor string) error {
	next.Version = rt.snap.Version + 1
	next.UpdatedAt = nowMillis()
	next.UpdatedBy = actor
	next.SplitAmounts = map[string]float64{}
	next.IsValid = false
	next.Warnings = nil
	next.Errors = nil
	next.PayBlocked = nil
	next.Lock = LockState{}

	// A round that closed with the balance at zero is settled: its order rows
	// must not feed the next round's balance, or the table gets re-billed for
	// money already collected. A roster emptied by leavers keeps its rows
	// unpaid.
	settled := next.TotalAmount <= SumTolerance

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if settled {
			if err := tx.Model(&model.OrderItem{}).
				Where("table_session_id = ? AND paid = ?", rt.sessionID, false).
				Update("paid", true).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&model.TableSession{}).
			Where("id = ?", rt.sessionID).
			Update("last_split_type", string(next.SplitType)).Error; err != nil {
			return err
		}
		return tx.Delete(&model.SplitRecord{TableSessionID: rt.sessionID}).Error
	})
	if err != nil {
		return err
	}
	s.seedSplitTypeStore(ctx, rt.sessionID, next.SplitType)
	s.clearLockMirror(ctx, rt.sessionID)
	s.audit(ctx, rt.sessionID, next.Version, "round_closed", actor,
		map[string]interface{}{"splitType": next.SplitType})

	rt.broadcastLocked(rt.eventLocked(EventSplitUnlocked, actor, false, LockState{}))
	rt.broadcastLocked(rt.eventLocked(EventSplitUpdated, actor, false, next.Clone()))

	// Fresh round: live state resets, subscribers stay attached.
	rt.snap = Snapshot{TableSessionID: rt.sessionID}
	rt.inflight = make(map[string]time.Time)
	return nil
}

// HandlePaymentFailure releases a failed payer's lock so the split becomes
// editable again.
func (s *Service) HandlePaymentFailure(ctx context.Context, sessionID, participantID string) error {
	rt, err := s.getRuntime(ctx, sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.snap.HasSplit() || !rt.snap.Lock.IsLocked || rt.snap.Lock.LockedBy != participantID {
		return nil
	}
	return s.unlockLocked(ctx, rt, participantID, LockReasonFailedPayment)
}

// --- runtime lifecycle & persistence ---

func (s *Service) getRuntime(ctx context.Context, sessionID string) (*sessionRuntime, error) {
	if v, ok := s.runtimes.Load(sessionID); ok {
		return v.(*sessionRuntime), nil
	}

	var session model.TableSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, err
	}
	if session.Status == "closed" {
		return nil, apperrors.ErrSessionClosed
	}

	rt := newSessionRuntime(sessionID)
	var record model.SplitRecord
	err := s.db.WithContext(ctx).First(&record, "table_session_id = ?", sessionID).Error
	switch {
	case err == nil:
		snap, herr := hydrateSnapshot(record)
		if herr != nil {
			logger.Log.Error("failed to hydrate split record, starting round empty",
				zap.String("tableSessionID", sessionID), zap.Error(herr))
		} else {
			rt.snap = snap
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No split yet this round.
	default:
		return nil, err
	}

	actual, _ := s.runtimes.LoadOrStore(sessionID, rt)
	return actual.(*sessionRuntime), nil
}

func hydrateSnapshot(record model.SplitRecord) (Snapshot, error) {
	snap := Snapshot{
		TableSessionID: record.TableSessionID,
		SplitType:      SplitType(record.SplitType),
		TotalAmount:    record.TotalAmount,
		Version:        record.Version,
		IsValid:        record.IsValid,
		UpdatedBy:      record.UpdatedBy,
		UpdatedAt:      record.UpdatedAt.UnixMilli(),
	}
	if err := unmarshalJSON(record.ParticipantsJSON, &snap.Participants); err != nil {
		return snap, err
	}
	if err := unmarshalJSON(record.SplitAmountsJSON, &snap.SplitAmounts); err != nil {
		return snap, err
	}
	if err := unmarshalJSON(record.PaidPercentagesJSON, &snap.PaidPercentages); err != nil {
		return snap, err
	}
	if len(record.InputsJSON) > 0 {
		var inputs storedInputs
		if err := json.Unmarshal(record.InputsJSON, &inputs); err != nil {
			return snap, err
		}
		snap.Percentages = inputs.Percentages
		snap.Amounts = inputs.Amounts
		snap.ItemAssignments = inputs.ItemAssignments
	}
	if record.LockedBy != "" && record.LockedAt != nil {
		snap.Lock = LockState{
			IsLocked:   true,
			LockedBy:   record.LockedBy,
			LockReason: record.LockReason,
			LockedAt:   record.LockedAt.UnixMilli(),
		}
	}
	return snap, nil
}

type storedInputs struct {
	Percentages     map[string]float64 `json:"percentages,omitempty"`
	Amounts         map[string]float64 `json:"amounts,omitempty"`
	ItemAssignments map[string]string  `json:"itemAssignments,omitempty"`
}

func (s *Service) persistLocked(ctx context.Context, snap Snapshot) error {
	participantsJSON, err := json.Marshal(snap.Participants)
	if err != nil {
		return err
	}
	amountsJSON, err := json.Marshal(snap.SplitAmounts)
	if err != nil {
		return err
	}
	paidJSON, err := json.Marshal(snap.PaidPercentages)
	if err != nil {
		return err
	}
	inputsJSON, err := json.Marshal(storedInputs{
		Percentages:     snap.Percentages,
		Amounts:         snap.Amounts,
		ItemAssignments: snap.ItemAssignments,
	})
	if err != nil {
		return err
	}

	record := model.SplitRecord{
		TableSessionID:      snap.TableSessionID,
		SplitType:           string(snap.SplitType),
		Version:             snap.Version,
		TotalAmount:         snap.TotalAmount,
		IsValid:             snap.IsValid,
		ParticipantsJSON:    participantsJSON,
		InputsJSON:          inputsJSON,
		SplitAmountsJSON:    amountsJSON,
		PaidPercentagesJSON: paidJSON,
		UpdatedBy:           snap.UpdatedBy,
		UpdatedAt:           time.UnixMilli(snap.UpdatedAt),
	}
	if snap.Lock.IsLocked {
		lockedAt := time.UnixMilli(snap.Lock.LockedAt)
		record.LockedBy = snap.Lock.LockedBy
		record.LockReason = snap.Lock.LockReason
		record.LockedAt = &lockedAt
	}
	return s.db.WithContext(ctx).Save(&record).Error
}

func unmarshalJSON(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// roundBalanceLocked resolves the balance being split. Mid-round the runtime
// total is authoritative (payments already shrank it); a fresh round reads
// the unpaid order items.
func (s *Service) roundBalanceLocked(ctx context.Context, rt *sessionRuntime) (float64, []BillItem, error) {
	var rows []model.OrderItem
	if err := s.db.WithContext(ctx).
		Where("table_session_id = ? AND paid = ?", rt.sessionID, false).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return 0, nil, err
	}
	items := make([]BillItem, 0, len(rows))
	var total float64
	for _, row := range rows {
		items = append(items, BillItem{ID: row.ID, Name: row.Name, Subtotal: row.Subtotal})
		total += row.Subtotal
	}
	if rt.snap.HasSplit() {
		return rt.snap.TotalAmount, items, nil
	}
	return round2(total), items, nil
}

func (s *Service) rosterIDs(ctx context.Context, sessionID string) ([]string, error) {
	var rows []model.Participant
	if err := s.db.WithContext(ctx).
		Where("table_session_id = ?", sessionID).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.GuestSessionID)
	}
	return ids, nil
}

func (s *Service) markItemsPaid(ctx context.Context, sessionID, participantID string, assignments map[string]string) {
	ids := make([]string, 0)
	for itemID, assignee := range assignments {
		if assignee == participantID {
			ids = append(ids, itemID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := s.db.WithContext(ctx).Model(&model.OrderItem{}).
		Where("table_session_id = ? AND id IN ?", sessionID, ids).
		Update("paid", true).Error; err != nil {
		logger.Log.Warn("failed to mark items paid",
			zap.String("tableSessionID", sessionID), zap.Error(err))
	}
}

// seedSplitType resolves the default type for a new round: the prior round's
// type (redis seed first, session row as fallback), or EQUAL for a brand-new
// session. Restoration wins over any broadcastable default; see the client
// controller for the receiving half of that rule.
func (s *Service) seedSplitType(ctx context.Context, sessionID string) SplitType {
	if s.rdb != nil {
		if v, err := s.rdb.Get(ctx, seedKey(sessionID)).Result(); err == nil {
			if t := SplitType(v); t.Valid() {
				return t
			}
		}
	}
	var session model.TableSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err == nil {
		if t := SplitType(session.LastSplitType); t.Valid() {
			return t
		}
	}
	return TypeEqual
}

func (s *Service) seedSplitTypeStore(ctx context.Context, sessionID string, t SplitType) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, seedKey(sessionID), string(t), s.cfg.SplitTypeSeedTTL).Err(); err != nil {
		logger.Log.Warn("failed to store split-type seed",
			zap.String("tableSessionID", sessionID), zap.Error(err))
	}
}

func (s *Service) audit(ctx context.Context, sessionID string, version int64, action, actor string, detail map[string]interface{}) {
	var detailJSON []byte
	if detail != nil {
		detailJSON, _ = json.Marshal(detail)
	}
	entry := model.SplitAuditLog{
		TableSessionID: sessionID,
		Version:        version,
		Action:         action,
		ActorID:        actor,
		DetailJSON:     detailJSON,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		logger.Log.Warn("failed to append split audit log",
			zap.String("tableSessionID", sessionID), zap.Error(err))
	}
}

func seedKey(sessionID string) string { return "split:seed:" + sessionID }
func lockKey(sessionID string) string { return "split:lock:" + sessionID }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
