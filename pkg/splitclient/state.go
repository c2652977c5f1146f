// Package splitclient keeps one participant's device view of a table split
// consistent with the authoritative store. It is a pure reducer: the caller
// feeds it events (local edits, broadcasts, store responses, clock ticks) and
// executes the effects it returns. No timers, sockets or goroutines live here.
package splitclient

import (
	"time"

	"tabsy-split-service/internal/service/split"
)

// Field names one editable slice of the local participant's entry.
type Field string

const (
	FieldPercentage Field = "percentage"
	FieldAmount     Field = "amount"
	FieldItems      Field = "items"
	FieldSplitType  Field = "splitType"
)

const (
	// Debounce is how long after the last local edit the store call fires.
	Debounce = 400 * time.Millisecond
	// HotWindow is how long after a keystroke a field resists being
	// overwritten by incoming broadcasts.
	HotWindow = 800 * time.Millisecond
	// ConfirmGrace keeps a confirmed optimistic write marked pending so a
	// delayed broadcast echo of the same change is not read as a conflict.
	ConfirmGrace = 1500 * time.Millisecond

	// AmountTolerance and PercentageTolerance bound what counts as a
	// material change when diffing a broadcast against local state.
	AmountTolerance     = 0.01
	PercentageTolerance = 0.5
)

// PendingWrite is one entry in the optimistic ledger: a field the local user
// changed that the store has not (durably) acknowledged yet.
type PendingWrite struct {
	Field           Field
	RequestKey      string
	Percentage      *float64
	Amount          *float64
	ItemAssignments map[string]string
	SplitType       split.SplitType
	Confirmed       bool
	ExpiresAt       int64 // unix ms, set when confirmed; entry drops after
	SubmittedAt     int64 // unix ms
}

// State is the controller's entire session state. It is deliberately a plain
// struct so tests can construct any prior state directly.
type State struct {
	SelfID   string
	Strategy ConflictStrategy

	Authoritative split.Snapshot
	Local         split.Snapshot

	LastSplitType    split.SplitType
	RestoredForRound bool
	// Buffered holds broadcasts that arrived before restoration finished;
	// restoration always completes before the first broadcast is applied.
	Buffered []Broadcast

	PendingRequestKeys map[string]bool
	Pending            map[Field]PendingWrite
	HotUntil           map[Field]int64 // unix ms
	Dirty              map[Field]bool

	LastEventTS int64 // unix ms of the newest processed broadcast
	FlushAt     int64 // unix ms debounce deadline, 0 when idle

	// Rollback is the pre-edit snapshot restored on store failure.
	Rollback *split.Snapshot
}

// NewState builds an empty controller state for one participant.
func NewState(selfID string) State {
	return State{
		SelfID:             selfID,
		Strategy:           StrategyMergeFields,
		PendingRequestKeys: map[string]bool{},
		Pending:            map[Field]PendingWrite{},
		HotUntil:           map[Field]int64{},
		Dirty:              map[Field]bool{},
	}
}

func (s State) clone() State {
	out := s
	out.Authoritative = s.Authoritative.Clone()
	out.Local = s.Local.Clone()
	out.Buffered = append([]Broadcast(nil), s.Buffered...)
	out.PendingRequestKeys = cloneBoolMap(s.PendingRequestKeys)
	out.Pending = clonePendingMap(s.Pending)
	out.HotUntil = cloneInt64Map(s.HotUntil)
	out.Dirty = cloneFieldBoolMap(s.Dirty)
	if s.Rollback != nil {
		r := s.Rollback.Clone()
		out.Rollback = &r
	}
	return out
}

// hasUnconfirmedPending reports whether any optimistic write is still
// awaiting a store response.
func (s State) hasUnconfirmedPending() bool {
	for _, w := range s.Pending {
		if !w.Confirmed {
			return true
		}
	}
	return false
}

func (s State) fieldHot(f Field, now int64) bool {
	return s.HotUntil[f] > now
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneInt64Map(m map[Field]int64) map[Field]int64 {
	out := make(map[Field]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFieldBoolMap(m map[Field]bool) map[Field]bool {
	out := make(map[Field]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePendingMap(m map[Field]PendingWrite) map[Field]PendingWrite {
	out := make(map[Field]PendingWrite, len(m))
	for k, v := range m {
		if v.ItemAssignments != nil {
			assignments := make(map[string]string, len(v.ItemAssignments))
			for ik, iv := range v.ItemAssignments {
				assignments[ik] = iv
			}
			v.ItemAssignments = assignments
		}
		out[k] = v
	}
	return out
}
