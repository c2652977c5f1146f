package split

import (
	"time"

	apperrors "tabsy-split-service/pkg/errors"
)

type SplitType string

const (
	TypeEqual        SplitType = "EQUAL"
	TypeByPercentage SplitType = "BY_PERCENTAGE"
	TypeByAmount     SplitType = "BY_AMOUNT"
	TypeByItems      SplitType = "BY_ITEMS"
)

func (t SplitType) Valid() bool {
	switch t {
	case TypeEqual, TypeByPercentage, TypeByAmount, TypeByItems:
		return true
	default:
		return false
	}
}

// Tolerance bands. Amount slack allows tip/rounding overpayment but never an
// undershoot beyond floating-point noise.
const (
	SumTolerance          = 0.01
	PercentageFloor       = 99.99
	PercentageCeil        = 100.01
	AmountUndershootSlack = 0.001
	AmountOvershootSlack  = 0.05
)

const (
	LockReasonPaymentCreated = "PAYMENT_CREATED"
	LockReasonFailedPayment  = "failed_payment"
)

// Broadcast event types delivered on the per-session sync channel.
const (
	EventSplitUpdated      = "split.updated"
	EventSplitLocked       = "split.locked"
	EventSplitUnlocked     = "split.unlocked"
	EventParticipantPaid   = "participant.paid"
	EventParticipantJoined = "participant.joined"
	EventParticipantLeft   = "participant.left"
	EventPong              = "pong"
	EventError             = "error"
)

type LockState struct {
	IsLocked   bool   `json:"isLocked"`
	LockedBy   string `json:"lockedBy,omitempty"`
	LockReason string `json:"lockReason,omitempty"`
	LockedAt   int64  `json:"lockedAt,omitempty"` // unix ms
}

// Snapshot is the full authoritative state of one table session's split as
// seen by every client. Only the input map matching SplitType is populated.
type Snapshot struct {
	TableSessionID  string             `json:"tableSessionId"`
	SplitType       SplitType          `json:"splitType"`
	Participants    []string           `json:"participants"`
	SplitAmounts    map[string]float64 `json:"splitAmounts"`
	Percentages     map[string]float64 `json:"percentages,omitempty"`
	Amounts         map[string]float64 `json:"amounts,omitempty"`
	ItemAssignments map[string]string  `json:"itemAssignments,omitempty"`
	PaidPercentages map[string]float64 `json:"paidPercentages,omitempty"`
	TotalAmount     float64            `json:"totalAmount"`
	Version         int64              `json:"version"`
	UpdatedAt       int64              `json:"updatedAt"` // unix ms
	UpdatedBy       string             `json:"updatedBy,omitempty"`
	IsValid         bool               `json:"isValid"`
	Warnings        []string           `json:"warnings,omitempty"`
	Errors          []string           `json:"errors,omitempty"`
	PayBlocked      map[string]bool    `json:"payBlocked,omitempty"`
	Lock            LockState          `json:"lock"`
}

func (s Snapshot) HasSplit() bool { return s.Version > 0 }

func (s Snapshot) HasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Clone deep-copies the snapshot so callers can hold it outside the runtime
// mutex.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Participants = append([]string(nil), s.Participants...)
	out.SplitAmounts = cloneFloatMap(s.SplitAmounts)
	out.Percentages = cloneFloatMap(s.Percentages)
	out.Amounts = cloneFloatMap(s.Amounts)
	out.PaidPercentages = cloneFloatMap(s.PaidPercentages)
	out.PayBlocked = cloneBoolMap(s.PayBlocked)
	out.ItemAssignments = cloneStringMap(s.ItemAssignments)
	out.Warnings = append([]string(nil), s.Warnings...)
	out.Errors = append([]string(nil), s.Errors...)
	return out
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// OutgoingEvent is a self-describing sync-channel payload. Delivery is
// at-least-once and order-tolerant: receivers reconcile on Version/Timestamp,
// never on arrival order.
type OutgoingEvent struct {
	Type         string      `json:"type"`
	EventID      string      `json:"eventId"`
	Version      int64       `json:"version"`
	Timestamp    int64       `json:"timestamp"` // unix ms
	UpdatedBy    string      `json:"updatedBy,omitempty"`
	IsTypeChange bool        `json:"isTypeChange,omitempty"`
	Data         interface{} `json:"data"`
}

type LockRecovery struct {
	Recovered bool      `json:"recovered"`
	Cleaned   bool      `json:"cleaned"`
	Lock      LockState `json:"lock"`
}

// ValidationError carries the engine's structured findings across the
// service boundary without persisting anything.
type ValidationError struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	if len(e.Warnings) > 0 {
		return e.Warnings[0]
	}
	return "split validation failed"
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrValidation }

func nowMillis() int64 { return time.Now().UnixMilli() }
